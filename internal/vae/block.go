package vae

import (
	"math/rand/v2"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// BlockOptions are the knobs shared by every residual block in a tower.
type BlockOptions struct {
	UseSkips   bool
	UseBN      bool
	Activation nn.Activation
	Dropout    float64
	Groups     int
	Rank       nn.Rank
}

// ResidualBlock is conv→norm→act→dropout→conv→norm (+x)→act at a fixed
// channel width.
type ResidualBlock struct {
	conv1, conv2 *nn.Conv
	bn1, bn2     nn.Layer
	drop         *nn.Dropout
	act          nn.Activation
	useSkip      bool
}

// NewResidualBlock builds a block at the given width. Convolutions carry a
// bias only when normalisation is off.
func NewResidualBlock(channels int, opt BlockOptions, rng *rand.Rand) (*ResidualBlock, error) {
	conv := nn.ConvConfig{
		Rank:        opt.Rank,
		InChannels:  channels,
		OutChannels: channels,
		Kernel:      3,
		Padding:     1,
		Groups:      opt.Groups,
		Bias:        !opt.UseBN,
	}
	c1, err := nn.NewConv(conv, rng)
	if err != nil {
		return nil, err
	}
	c2, err := nn.NewConv(conv, rng)
	if err != nil {
		return nil, err
	}
	return &ResidualBlock{
		conv1:   c1,
		conv2:   c2,
		bn1:     normLayer(channels, opt.UseBN),
		bn2:     normLayer(channels, opt.UseBN),
		drop:    nn.NewDropout(opt.Dropout, rng),
		act:     opt.Activation,
		useSkip: opt.UseSkips,
	}, nil
}

func normLayer(channels int, useBN bool) nn.Layer {
	if useBN {
		return nn.NewBatchNorm(channels)
	}
	return nn.Identity{}
}

// Forward applies the block to (B, C, spatial...) input.
func (b *ResidualBlock) Forward(x *tensor.Tensor) *tensor.Tensor {
	out := b.act.Forward(b.bn1.Forward(b.conv1.Forward(x)))
	out = b.drop.Forward(out)
	out = b.bn2.Forward(b.conv2.Forward(out))
	if b.useSkip {
		out = out.Add(x)
	}
	return b.act.Forward(out)
}

// Params lists the block's convolution and norm weights.
func (b *ResidualBlock) Params(prefix string) []nn.Param {
	var ps []nn.Param
	ps = append(ps, b.conv1.Params(nn.JoinName(prefix, "conv1"))...)
	ps = append(ps, b.bn1.Params(nn.JoinName(prefix, "bn1"))...)
	ps = append(ps, b.conv2.Params(nn.JoinName(prefix, "conv2"))...)
	ps = append(ps, b.bn2.Params(nn.JoinName(prefix, "bn2"))...)
	return ps
}

// SetTraining toggles dropout and batch statistics.
func (b *ResidualBlock) SetTraining(training bool) {
	b.bn1.SetTraining(training)
	b.bn2.SetTraining(training)
	b.drop.SetTraining(training)
}
