package fusion

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// LidarCnnConfig describes the ranging tower.
type LidarCnnConfig struct {
	InChannels   int
	BaseChannels int
	NumLevels    int
	Activation   nn.Activation
	Dropout      float64
}

// DefaultLidarCnnConfig matches the six-channel ray layout.
func DefaultLidarCnnConfig() LidarCnnConfig {
	return LidarCnnConfig{InChannels: 6, BaseChannels: 32, NumLevels: 3, Activation: nn.ActReLU, Dropout: 0.1}
}

// OutChannels is the width of the deepest level.
func (c LidarCnnConfig) OutChannels() int { return c.BaseChannels << (c.NumLevels - 1) }

func (c LidarCnnConfig) validate() error {
	if c.InChannels <= 0 || c.BaseChannels <= 0 || c.NumLevels < 1 {
		return fmt.Errorf("lidar cnn: invalid geometry in=%d base=%d levels=%d", c.InChannels, c.BaseChannels, c.NumLevels)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lidar cnn: dropout must be in [0, 1), got %f", c.Dropout)
	}
	return nil
}

type convLevel struct {
	conv *nn.Conv
	norm *nn.BatchNorm
	drop *nn.Dropout
}

// LidarCnn maps (B, C, R) ranging arrays to (B, F, R) per-ray features.
// Width doubles at each level; the ray axis is never pooled.
type LidarCnn struct {
	cfg    LidarCnnConfig
	levels []convLevel
}

// NewLidarCnn builds the tower.
func NewLidarCnn(cfg LidarCnnConfig, rng *rand.Rand) (*LidarCnn, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &LidarCnn{cfg: cfg}
	in := cfg.InChannels
	for i := 0; i < cfg.NumLevels; i++ {
		out := cfg.BaseChannels << i
		conv, err := nn.NewConv(nn.ConvConfig{Rank: nn.Rank1D, InChannels: in, OutChannels: out, Kernel: 3, Padding: 1}, rng)
		if err != nil {
			return nil, fmt.Errorf("lidar cnn level %d: %w", i, err)
		}
		l.levels = append(l.levels, convLevel{conv: conv, norm: nn.NewBatchNorm(out), drop: nn.NewDropout(cfg.Dropout, rng)})
		in = out
	}
	return l, nil
}

// Forward maps (B, C, R) scans to (B, BaseChannels<<(NumLevels-1), R).
func (l *LidarCnn) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() != 3 {
		panic(mat.ErrShape)
	}
	h := x
	for _, lv := range l.levels {
		h = lv.drop.Forward(l.cfg.Activation.Forward(lv.norm.Forward(lv.conv.Forward(h))))
	}
	return h
}

// Params lists each level's conv and batch-norm weights.
func (l *LidarCnn) Params(prefix string) []nn.Param {
	var ps []nn.Param
	for i, lv := range l.levels {
		p := nn.JoinName(prefix, fmt.Sprintf("levels.%d", i))
		ps = append(ps, lv.conv.Params(nn.JoinName(p, "conv"))...)
		ps = append(ps, lv.norm.Params(nn.JoinName(p, "bn"))...)
	}
	return ps
}

// SetTraining toggles dropout and batch statistics.
func (l *LidarCnn) SetTraining(training bool) {
	for _, lv := range l.levels {
		lv.norm.SetTraining(training)
		lv.drop.SetTraining(training)
	}
}

// StateMlpConfig describes the state-vector tower.
type StateMlpConfig struct {
	StateDim   int
	HiddenDim  int
	NumLayers  int
	Activation nn.Activation
	Dropout    float64
}

func (c StateMlpConfig) validate() error {
	if c.StateDim <= 0 || c.HiddenDim <= 0 || c.NumLayers < 1 {
		return fmt.Errorf("state mlp: invalid geometry state=%d hidden=%d layers=%d", c.StateDim, c.HiddenDim, c.NumLayers)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("state mlp: dropout must be in [0, 1), got %f", c.Dropout)
	}
	return nil
}

type denseLayer struct {
	fc   *nn.Linear
	norm *nn.LayerNorm
	drop *nn.Dropout
}

// StateMlp maps (B, S) state vectors to (B, HiddenDim).
type StateMlp struct {
	cfg    StateMlpConfig
	layers []denseLayer
}

// NewStateMlp builds the tower.
func NewStateMlp(cfg StateMlpConfig, rng *rand.Rand) (*StateMlp, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &StateMlp{cfg: cfg}
	in := cfg.StateDim
	for i := 0; i < cfg.NumLayers; i++ {
		m.layers = append(m.layers, denseLayer{
			fc:   nn.NewLinear(in, cfg.HiddenDim, true, rng),
			norm: nn.NewLayerNorm(cfg.HiddenDim),
			drop: nn.NewDropout(cfg.Dropout, rng),
		})
		in = cfg.HiddenDim
	}
	return m, nil
}

// Forward maps (B, StateDim) to (B, HiddenDim).
func (m *StateMlp) Forward(x *tensor.Tensor) *tensor.Tensor {
	h := x
	for _, l := range m.layers {
		h = l.drop.Forward(m.cfg.Activation.Forward(l.norm.Forward(l.fc.Forward(h))))
	}
	return h
}

// Params lists each layer's linear and layer-norm weights.
func (m *StateMlp) Params(prefix string) []nn.Param {
	var ps []nn.Param
	for i, l := range m.layers {
		p := nn.JoinName(prefix, fmt.Sprintf("layers.%d", i))
		ps = append(ps, l.fc.Params(nn.JoinName(p, "fc"))...)
		ps = append(ps, l.norm.Params(nn.JoinName(p, "ln"))...)
	}
	return ps
}

// SetTraining toggles dropout.
func (m *StateMlp) SetTraining(training bool) {
	for _, l := range m.layers {
		l.drop.SetTraining(training)
	}
}
