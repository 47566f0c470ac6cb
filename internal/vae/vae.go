package vae

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// inputChannels is the channel count of a single ranging scan.
const inputChannels = 1

// Config describes a ResnetVAE.
type Config struct {
	LatentChannels int
	NumChannels    int
	BaseChannels   int
	BlocksPerLevel int
	Block          BlockOptions
}

// DefaultConfig compresses a scan into three latent channels.
func DefaultConfig() Config {
	return Config{
		LatentChannels: 3,
		NumChannels:    3,
		BaseChannels:   32,
		BlocksPerLevel: 3,
		Block: BlockOptions{
			UseSkips:   true,
			UseBN:      true,
			Activation: nn.ActSELU,
			Dropout:    0.4,
			Groups:     1,
			Rank:       nn.Rank1D,
		},
	}
}

// Output is everything one VAE pass produces. Z is mean and log-variance
// concatenated on the channel axis; callers log it and feed the separate
// parts into the loss.
type Output struct {
	Z              *tensor.Tensor
	Reconstruction *tensor.Tensor
	Mean           *tensor.Tensor
	LogVar         *tensor.Tensor
}

// VAE is a spatial variational autoencoder over ranging scans.
type VAE struct {
	cfg     Config
	encoder *Encoder
	decoder *Decoder
	noise   *rand.Rand
}

// New builds encoder and decoder with shared geometry. rng seeds weights and
// supplies the reparameterisation noise.
func New(cfg Config, rng *rand.Rand) (*VAE, error) {
	enc, err := NewEncoder(EncoderConfig{
		InChannels:     inputChannels,
		LatentChannels: cfg.LatentChannels,
		BaseChannels:   cfg.BaseChannels,
		NumChannels:    cfg.NumChannels,
		BlocksPerLevel: cfg.BlocksPerLevel,
		Block:          cfg.Block,
	}, rng)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(DecoderConfig{
		OutChannels:    inputChannels,
		LatentChannels: cfg.LatentChannels,
		BaseChannels:   cfg.BaseChannels,
		NumChannels:    cfg.NumChannels,
		BlocksPerLevel: cfg.BlocksPerLevel,
		Block:          cfg.Block,
	}, rng)
	if err != nil {
		return nil, err
	}
	return &VAE{cfg: cfg, encoder: enc, decoder: dec, noise: rng}, nil
}

// Encoder exposes the encoder half.
func (v *VAE) Encoder() *Encoder { return v.encoder }

// Decoder exposes the decoder half.
func (v *VAE) Decoder() *Decoder { return v.decoder }

// Forward encodes x, draws mean + exp(½·logvar)·ε with fresh ε, and decodes.
func (v *VAE) Forward(x *tensor.Tensor) (*Output, error) {
	g, err := v.encoder.Forward(x)
	if err != nil {
		return nil, err
	}
	sample := Reparameterize(g, v.noise)
	return &Output{
		Z:              tensor.Concat(1, g.Mean, g.LogVar),
		Reconstruction: v.decoder.Forward(sample),
		Mean:           g.Mean,
		LogVar:         g.LogVar,
	}, nil
}

// Reparameterize draws one sample from g with independent standard normal
// noise per element.
func Reparameterize(g *Gaussian, rng *rand.Rand) *tensor.Tensor {
	out := tensor.Zeros(g.Mean.Shape()...)
	mu, lv, d := g.Mean.Data(), g.LogVar.Data(), out.Data()
	for i := range d {
		d[i] = mu[i] + math.Exp(0.5*lv[i])*rng.NormFloat64()
	}
	return out
}

// LatentDim is the flattened latent size; ok is false until the first
// forward pass has fixed the latent shape.
func (v *VAE) LatentDim() (dim int, ok bool) {
	s, ok := v.encoder.LatentShape()
	if !ok {
		return 0, false
	}
	return s.Dim(), true
}

// CalculateLatentDim computes the latent size for a hypothetical input.
func (v *VAE) CalculateLatentDim(spatial ...int) int {
	return v.encoder.CalculateLatentDim(spatial...)
}

// Summary is the configuration record written alongside training logs.
type Summary struct {
	LatentDim      *int    `json:"latent_dim"`
	LatentShape    []int   `json:"latent_shape"`
	Activation     string  `json:"act"`
	UseSkips       bool    `json:"use_skips"`
	UseBN          bool    `json:"use_bn"`
	BaseChannels   int     `json:"base_channels"`
	BlocksPerLevel int     `json:"blocks_per_level"`
	Groups         int     `json:"groups"`
	Dropout        float64 `json:"dropout"`
	Channels       int     `json:"channels"`
	ModelClass     string  `json:"model_class"`
}

// Summary describes the model. Latent fields are nil before binding.
func (v *VAE) Summary() Summary {
	s := Summary{
		Activation:     v.cfg.Block.Activation.String(),
		UseSkips:       v.cfg.Block.UseSkips,
		UseBN:          v.cfg.Block.UseBN,
		BaseChannels:   v.cfg.BaseChannels,
		BlocksPerLevel: v.cfg.BlocksPerLevel,
		Groups:         v.encoder.Config().Block.Groups,
		Dropout:        v.cfg.Block.Dropout,
		Channels:       inputChannels,
		ModelClass:     "ResnetVAE",
	}
	if shape, ok := v.encoder.LatentShape(); ok {
		dim := shape.Dim()
		s.LatentDim = &dim
		s.LatentShape = shape.Dims()
	}
	return s
}

func (s Summary) String() string {
	dim := "unknown"
	if s.LatentDim != nil {
		dim = fmt.Sprint(*s.LatentDim)
	}
	return fmt.Sprintf("%s latent_dim=%s latent_shape=%v act=%s base=%d blocks=%d",
		s.ModelClass, dim, s.LatentShape, s.Activation, s.BaseChannels, s.BlocksPerLevel)
}

// Params lists the encoder then the decoder weights.
func (v *VAE) Params(prefix string) []nn.Param {
	ps := v.encoder.Params(nn.JoinName(prefix, "encoder"))
	return append(ps, v.decoder.Params(nn.JoinName(prefix, "decoder"))...)
}

// SetTraining switches both halves between training and inference.
func (v *VAE) SetTraining(training bool) {
	v.encoder.SetTraining(training)
	v.decoder.SetTraining(training)
}
