package vae

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// DecoderConfig describes a ResnetDecoder. It mirrors EncoderConfig with the
// output channel count in place of the input one.
type DecoderConfig struct {
	OutChannels    int
	LatentChannels int
	BaseChannels   int
	NumChannels    int
	BlocksPerLevel int
	Block          BlockOptions
}

// Decoder expands a latent sample back to input resolution, doubling the
// spatial extent between levels.
type Decoder struct {
	cfg         DecoderConfig
	proj        *nn.Conv
	levels      [][]*ResidualBlock
	transitions []*nn.Conv
	final       *nn.Conv
}

// NewDecoder builds the mirror of an encoder with the same geometry.
func NewDecoder(cfg DecoderConfig, rng *rand.Rand) (*Decoder, error) {
	if cfg.Block.Groups == 0 {
		cfg.Block.Groups = 1
	}
	shared := EncoderConfig{
		InChannels:     cfg.OutChannels,
		LatentChannels: cfg.LatentChannels,
		BaseChannels:   cfg.BaseChannels,
		NumChannels:    cfg.NumChannels,
		BlocksPerLevel: cfg.BlocksPerLevel,
		Block:          cfg.Block,
	}
	if err := shared.Validate(); err != nil {
		return nil, fmt.Errorf("resnet decoder: %w", err)
	}
	r := cfg.Block.Rank
	widths := levelWidths(cfg.BaseChannels, cfg.NumChannels)
	slices.Reverse(widths)

	d := &Decoder{cfg: cfg}
	var err error
	d.proj, err = nn.NewConv(nn.ConvConfig{Rank: r, InChannels: cfg.LatentChannels, OutChannels: widths[0],
		Kernel: 1, Bias: true}, rng)
	if err != nil {
		return nil, fmt.Errorf("resnet decoder projection: %w", err)
	}
	d.levels, err = buildLevels(widths, cfg.BlocksPerLevel, cfg.Block, rng)
	if err != nil {
		return nil, fmt.Errorf("resnet decoder: %w", err)
	}
	for i := 0; i+1 < len(widths); i++ {
		t, err := nn.NewConv(nn.ConvConfig{Rank: r, InChannels: widths[i], OutChannels: widths[i+1],
			Kernel: 1, Bias: !cfg.Block.UseBN}, rng)
		if err != nil {
			return nil, fmt.Errorf("resnet decoder transition %d: %w", i, err)
		}
		d.transitions = append(d.transitions, t)
	}
	d.final, err = nn.NewConv(nn.ConvConfig{Rank: r, InChannels: cfg.BaseChannels, OutChannels: cfg.OutChannels,
		Kernel: 3, Padding: 1, Bias: true}, rng)
	if err != nil {
		return nil, fmt.Errorf("resnet decoder output: %w", err)
	}
	return d, nil
}

// Config returns a copy of the decoder configuration.
func (d *Decoder) Config() DecoderConfig { return d.cfg }

// Forward maps (B, latent, spatial...) to (B, out, spatial·2^(levels-1)...).
func (d *Decoder) Forward(z *tensor.Tensor) *tensor.Tensor {
	r := d.cfg.Block.Rank
	h := d.proj.Forward(z)
	for i, level := range d.levels {
		for _, b := range level {
			h = b.Forward(h)
		}
		if i < len(d.levels)-1 {
			h = nn.Upsample2(h, r)
			h = d.transitions[i].Forward(h)
		}
	}
	return d.final.Forward(h)
}

// Params lists the decoder weights in construction order.
func (d *Decoder) Params(prefix string) []nn.Param {
	ps := d.proj.Params(nn.JoinName(prefix, "channel_proj"))
	for i, level := range d.levels {
		for j, b := range level {
			ps = append(ps, b.Params(nn.JoinName(prefix, fmt.Sprintf("levels.%d.%d", i, j)))...)
		}
	}
	for i, t := range d.transitions {
		ps = append(ps, t.Params(nn.JoinName(prefix, fmt.Sprintf("transitions.%d", i)))...)
	}
	return append(ps, d.final.Params(nn.JoinName(prefix, "final_conv"))...)
}

// SetTraining toggles dropout and batch statistics in every block.
func (d *Decoder) SetTraining(training bool) {
	for _, level := range d.levels {
		for _, b := range level {
			b.SetTraining(training)
		}
	}
}
