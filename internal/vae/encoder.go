package vae

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// ErrShapeBound is returned when an encoder whose latent shape is already
// fixed receives an input with a different spatial extent.
var ErrShapeBound = errors.New("encoder latent shape already bound to a different input size")

// EncoderConfig describes a ResnetEncoder.
type EncoderConfig struct {
	InChannels     int
	LatentChannels int
	BaseChannels   int
	NumChannels    int // number of resolution levels
	BlocksPerLevel int
	Block          BlockOptions
}

// DefaultEncoderConfig mirrors the reference architecture defaults.
func DefaultEncoderConfig(inChannels int) EncoderConfig {
	return EncoderConfig{
		InChannels:     inChannels,
		LatentChannels: 1,
		BaseChannels:   32,
		NumChannels:    3,
		BlocksPerLevel: 4,
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

// Validate checks tower geometry.
func (c EncoderConfig) Validate() error {
	if c.InChannels <= 0 || c.LatentChannels <= 0 || c.BaseChannels <= 0 {
		return fmt.Errorf("channels must be positive (in=%d latent=%d base=%d)",
			c.InChannels, c.LatentChannels, c.BaseChannels)
	}
	if c.NumChannels < 1 {
		return fmt.Errorf("num_channels must be >= 1, got %d", c.NumChannels)
	}
	if c.BlocksPerLevel < 0 {
		return fmt.Errorf("blocks_per_level must be non-negative, got %d", c.BlocksPerLevel)
	}
	if !c.Block.Rank.Valid() {
		return fmt.Errorf("invalid spatial rank %d", c.Block.Rank)
	}
	if c.Block.Dropout < 0 || c.Block.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %f", c.Block.Dropout)
	}
	return nil
}

// downsampleFactor is 2^(levels-1).
func (c EncoderConfig) downsampleFactor() int {
	return 1 << (c.NumChannels - 1)
}

// levelWidths returns base·2^i for each level, shallow to deep.
func levelWidths(base, levels int) []int {
	w := make([]int, levels)
	for i := range w {
		w[i] = base << i
	}
	return w
}

// LatentShape is (channels, spatial...) of the latent mean/log-variance.
type LatentShape struct {
	Channels int
	Spatial  []int
}

// Dims returns the shape as a flat slice.
func (s LatentShape) Dims() []int {
	return append([]int{s.Channels}, s.Spatial...)
}

// Dim is the flattened latent size.
func (s LatentShape) Dim() int {
	return tensor.Numel(s.Dims())
}

// Gaussian is a diagonal latent distribution.
type Gaussian struct {
	Mean   *tensor.Tensor
	LogVar *tensor.Tensor
}

// binding fixes a latent shape the first time an input size is seen.
type binding struct {
	mu     sync.Mutex
	input  []int
	latent *LatentShape
}

func (b *binding) bind(spatial []int, derive func([]int) LatentShape) (LatentShape, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latent == nil {
		s := derive(spatial)
		b.input = append([]int(nil), spatial...)
		b.latent = &s
		return s, nil
	}
	if !slices.Equal(b.input, spatial) {
		return LatentShape{}, fmt.Errorf("%w: bound to %v, got %v", ErrShapeBound, b.input, spatial)
	}
	return *b.latent, nil
}

func (b *binding) get() (LatentShape, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latent == nil {
		return LatentShape{}, false
	}
	return LatentShape{Channels: b.latent.Channels, Spatial: slices.Clone(b.latent.Spatial)}, true
}

// Encoder halves resolution and doubles width at each level, then projects
// to a (mean, log-variance) pair. Its latent shape is unknown until bound
// by the first input.
type Encoder struct {
	cfg         EncoderConfig
	stem        *nn.Conv
	stemNorm    nn.Layer
	levels      [][]*ResidualBlock
	transitions []*nn.Conv
	proj        *nn.Conv
	shape       binding
}

// NewEncoder builds an unbound encoder.
func NewEncoder(cfg EncoderConfig, rng *rand.Rand) (*Encoder, error) {
	if cfg.Block.Groups == 0 {
		cfg.Block.Groups = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("resnet encoder: %w", err)
	}
	r := cfg.Block.Rank
	widths := levelWidths(cfg.BaseChannels, cfg.NumChannels)
	e := &Encoder{cfg: cfg, stemNorm: normLayer(cfg.BaseChannels, cfg.Block.UseBN)}

	var err error
	// The stem is never grouped: the input channel count is arbitrary.
	e.stem, err = nn.NewConv(nn.ConvConfig{Rank: r, InChannels: cfg.InChannels, OutChannels: cfg.BaseChannels,
		Kernel: 3, Padding: 1, Bias: !cfg.Block.UseBN}, rng)
	if err != nil {
		return nil, fmt.Errorf("resnet encoder stem: %w", err)
	}
	e.levels, err = buildLevels(widths, cfg.BlocksPerLevel, cfg.Block, rng)
	if err != nil {
		return nil, fmt.Errorf("resnet encoder: %w", err)
	}
	for i := 0; i+1 < len(widths); i++ {
		t, err := nn.NewConv(nn.ConvConfig{Rank: r, InChannels: widths[i], OutChannels: widths[i+1],
			Kernel: 1, Bias: !cfg.Block.UseBN}, rng)
		if err != nil {
			return nil, fmt.Errorf("resnet encoder transition %d: %w", i, err)
		}
		e.transitions = append(e.transitions, t)
	}
	e.proj, err = nn.NewConv(nn.ConvConfig{Rank: r, InChannels: widths[len(widths)-1],
		OutChannels: 2 * cfg.LatentChannels, Kernel: 1, Bias: true}, rng)
	if err != nil {
		return nil, fmt.Errorf("resnet encoder projection: %w", err)
	}
	return e, nil
}

func buildLevels(widths []int, blocks int, opt BlockOptions, rng *rand.Rand) ([][]*ResidualBlock, error) {
	levels := make([][]*ResidualBlock, len(widths))
	for i, w := range widths {
		for j := 0; j < blocks; j++ {
			b, err := NewResidualBlock(w, opt, rng)
			if err != nil {
				return nil, fmt.Errorf("level %d block %d: %w", i, j, err)
			}
			levels[i] = append(levels[i], b)
		}
	}
	return levels, nil
}

// Config returns a copy of the encoder configuration.
func (e *Encoder) Config() EncoderConfig { return e.cfg }

// latentFor derives the latent shape for a spatial input extent.
func (e *Encoder) latentFor(spatial []int) LatentShape {
	f := e.cfg.downsampleFactor()
	out := make([]int, len(spatial))
	for i, s := range spatial {
		out[i] = s / f
	}
	return LatentShape{Channels: e.cfg.LatentChannels, Spatial: out}
}

// Bind fixes the latent shape for inputs of the given spatial extent. It is
// idempotent for the same extent and fails with ErrShapeBound otherwise.
func (e *Encoder) Bind(spatial ...int) (LatentShape, error) {
	if len(spatial) != int(e.cfg.Block.Rank) {
		panic(mat.ErrShape)
	}
	return e.shape.bind(spatial, e.latentFor)
}

// LatentShape reports the bound latent shape; ok is false before binding.
func (e *Encoder) LatentShape() (shape LatentShape, ok bool) {
	return e.shape.get()
}

// CalculateLatentDim is latent_channels × ∏(s // 2^(levels-1)) for a
// hypothetical input, without binding or running anything.
func (e *Encoder) CalculateLatentDim(spatial ...int) int {
	return e.latentFor(spatial).Dim()
}

// Forward maps (B, In, spatial...) to the latent Gaussian, binding the
// latent shape on first use.
func (e *Encoder) Forward(x *tensor.Tensor) (*Gaussian, error) {
	if x.Rank() != int(e.cfg.Block.Rank)+2 {
		panic(mat.ErrShape)
	}
	if _, err := e.Bind(x.Shape()[2:]...); err != nil {
		return nil, err
	}
	r := e.cfg.Block.Rank
	h := e.cfg.Block.Activation.Forward(e.stemNorm.Forward(e.stem.Forward(x)))
	for i, level := range e.levels {
		if i > 0 {
			h = nn.AvgPool2(h, r)
			h = e.transitions[i-1].Forward(h)
		}
		for _, b := range level {
			h = b.Forward(h)
		}
	}
	h = e.proj.Forward(h)
	parts := h.Split(1, 2)
	return &Gaussian{Mean: parts[0], LogVar: parts[1]}, nil
}

// Params lists the encoder weights in construction order.
func (e *Encoder) Params(prefix string) []nn.Param {
	var ps []nn.Param
	ps = append(ps, e.stem.Params(nn.JoinName(prefix, "conv1"))...)
	ps = append(ps, e.stemNorm.Params(nn.JoinName(prefix, "bn1"))...)
	for i, level := range e.levels {
		for j, b := range level {
			ps = append(ps, b.Params(nn.JoinName(prefix, fmt.Sprintf("levels.%d.%d", i, j)))...)
		}
	}
	for i, t := range e.transitions {
		ps = append(ps, t.Params(nn.JoinName(prefix, fmt.Sprintf("transitions.%d", i)))...)
	}
	return append(ps, e.proj.Params(nn.JoinName(prefix, "channel_proj"))...)
}

// SetTraining toggles dropout and batch statistics in every block.
func (e *Encoder) SetTraining(training bool) {
	e.stemNorm.SetTraining(training)
	for _, level := range e.levels {
		for _, b := range level {
			b.SetTraining(training)
		}
	}
}
