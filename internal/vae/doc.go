// Package vae implements the residual convolutional variational autoencoder
// used as an alternative compressor for ranging scans.
//
// Responsibilities: residual blocks, the multi-level encoder/decoder towers,
// reparameterised sampling, and latent-shape bookkeeping.
// Key types: ResidualBlock, Encoder, Decoder, VAE, LatentShape.
//
// The latent shape depends on the input's spatial extent, so an Encoder is
// built unbound and fixes its shape on the first Bind or Forward. Later
// inputs of a different extent fail with ErrShapeBound.
package vae
