package fusion

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// feedForwardExpansion is the hidden width multiplier of the fusion MLP.
const feedForwardExpansion = 4

// positionInitStd is the standard deviation of the positional embedding
// initialisation.
const positionInitStd = 0.02

// Config describes a SensorFusion module.
type Config struct {
	Lidar         LidarCnnConfig
	State         StateMlpConfig
	NumEmbeddings int
	NumHeads      int
	BlockSize     int
	AttentionDrop float64
	ResidualDrop  float64
}

// DefaultConfig uses the four-head layout with the mask sized for
// contextLength past tokens plus headroom.
func DefaultConfig(stateDim, hiddenDim, embed, contextLength int) Config {
	return Config{
		Lidar:         DefaultLidarCnnConfig(),
		State:         StateMlpConfig{StateDim: stateDim, HiddenDim: hiddenDim, NumLayers: 2, Activation: nn.ActReLU, Dropout: 0.1},
		NumEmbeddings: embed,
		NumHeads:      4,
		BlockSize:     contextLength + 64,
		AttentionDrop: 0.1,
		ResidualDrop:  0.1,
	}
}

// Step is the result of one fusion pass.
type Step struct {
	Token     *tensor.Tensor // (B, E)
	Attention *tensor.Tensor // (B, H, T+1, T+1)
}

// SensorFusion fuses one timestep of ranging and state observations with a
// window of past tokens. It holds no per-trajectory state: the caller owns
// the window and decides how to update it.
type SensorFusion struct {
	cfg Config

	lidar     *LidarCnn
	lidarProj *nn.Linear
	state     *StateMlp
	stateProj *nn.Linear
	pool      *nn.Linear

	pos  *tensor.Tensor // (BlockSize, E)
	ln1  *nn.LayerNorm
	attn *CausalSelfAttention
	ln2  *nn.LayerNorm
	fc1  *nn.Linear
	fc2  *nn.Linear
	drop *nn.Dropout
}

// New builds the fusion module. All weights are drawn from rng.
func New(cfg Config, rng *rand.Rand) (*SensorFusion, error) {
	if cfg.NumEmbeddings <= 0 {
		return nil, fmt.Errorf("sensor fusion: embedding width must be positive, got %d", cfg.NumEmbeddings)
	}
	lidar, err := NewLidarCnn(cfg.Lidar, rng)
	if err != nil {
		return nil, err
	}
	state, err := NewStateMlp(cfg.State, rng)
	if err != nil {
		return nil, err
	}
	attn, err := NewCausalSelfAttention(AttentionConfig{
		Embed:         cfg.NumEmbeddings,
		Heads:         cfg.NumHeads,
		BlockSize:     cfg.BlockSize,
		AttentionDrop: cfg.AttentionDrop,
		ResidualDrop:  cfg.ResidualDrop,
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("sensor fusion: %w", err)
	}
	e := cfg.NumEmbeddings
	f := &SensorFusion{
		cfg:       cfg,
		lidar:     lidar,
		lidarProj: nn.NewLinear(cfg.Lidar.OutChannels(), e, true, rng),
		state:     state,
		stateProj: nn.NewLinear(cfg.State.HiddenDim, e, true, rng),
		pool:      nn.NewLinear(e, e, true, rng),
		pos:       tensor.Zeros(cfg.BlockSize, e),
		ln1:       nn.NewLayerNorm(e),
		attn:      attn,
		ln2:       nn.NewLayerNorm(e),
		fc1:       nn.NewLinear(e, feedForwardExpansion*e, true, rng),
		fc2:       nn.NewLinear(feedForwardExpansion*e, e, true, rng),
		drop:      nn.NewDropout(cfg.ResidualDrop, rng),
	}
	for i := range f.pos.Data() {
		f.pos.Data()[i] = rng.NormFloat64() * positionInitStd
	}
	return f, nil
}

// Config returns a copy of the construction parameters.
func (f *SensorFusion) Config() Config { return f.cfg }

// Embed is the token width E.
func (f *SensorFusion) Embed() int { return f.cfg.NumEmbeddings }

// Forward returns the new (B, E) token for this timestep.
func (f *SensorFusion) Forward(lidar, state, past *tensor.Tensor) (*tensor.Tensor, error) {
	s, err := f.ForwardTrace(lidar, state, past)
	if err != nil {
		return nil, err
	}
	return s.Token, nil
}

// ForwardTrace is Forward that also keeps the attention weights.
//
// lidar is (B, C, R), state is (B, S) and past is (B, T, E) oldest first, or
// nil for no history. past is read, never written.
func (f *SensorFusion) ForwardTrace(lidar, state, past *tensor.Tensor) (*Step, error) {
	if lidar.Rank() != 3 || state.Rank() != 2 || lidar.Dim(0) != state.Dim(0) {
		panic(mat.ErrShape)
	}
	batch, e := lidar.Dim(0), f.cfg.NumEmbeddings

	rays := f.lidarProj.Forward(f.lidar.Forward(lidar).SwapAxes(1, 2)) // (B, R, E)
	stateTok := f.stateProj.Forward(f.state.Forward(state)).Reshape(batch, 1, e)
	current := tensor.Concat(1, stateTok, rays).MeanAxis(1)
	current = nn.ActGELU.Forward(f.pool.Forward(current)).Reshape(batch, 1, e)

	seq := current
	if past != nil {
		if past.Rank() != 3 || past.Dim(0) != batch || past.Dim(2) != e {
			panic(mat.ErrShape)
		}
		seq = tensor.Concat(1, past, current)
	}
	steps := seq.Dim(1)
	if steps > f.cfg.BlockSize {
		return nil, fmt.Errorf("sensor fusion: %w: %d > %d", ErrSequenceTooLong, steps, f.cfg.BlockSize)
	}
	pos := f.pos.Narrow(0, 0, steps)
	for b := 0; b < batch; b++ {
		seq.Index(b).AddInPlace(pos)
	}

	attended, weights, err := f.attn.ForwardWithWeights(f.ln1.Forward(seq))
	if err != nil {
		return nil, fmt.Errorf("sensor fusion: %w", err)
	}
	seq = seq.Add(attended)
	hidden := nn.ActGELU.Forward(f.fc1.Forward(f.ln2.Forward(seq)))
	seq = seq.Add(f.drop.Forward(f.fc2.Forward(hidden)))

	return &Step{
		Token:     seq.Narrow(1, steps-1, 1).Reshape(batch, e),
		Attention: weights,
	}, nil
}

// Params lists every tower, projection and attention weight plus the
// positional embedding.
func (f *SensorFusion) Params(prefix string) []nn.Param {
	var ps []nn.Param
	ps = append(ps, f.lidar.Params(nn.JoinName(prefix, "lidar_cnn"))...)
	ps = append(ps, f.lidarProj.Params(nn.JoinName(prefix, "lidar_proj"))...)
	ps = append(ps, f.state.Params(nn.JoinName(prefix, "state_mlp"))...)
	ps = append(ps, f.stateProj.Params(nn.JoinName(prefix, "state_proj"))...)
	ps = append(ps, f.pool.Params(nn.JoinName(prefix, "pool_proj"))...)
	ps = append(ps, nn.Param{Name: nn.JoinName(prefix, "pos_emb"), Value: f.pos})
	ps = append(ps, f.ln1.Params(nn.JoinName(prefix, "ln1"))...)
	ps = append(ps, f.attn.Params(nn.JoinName(prefix, "attn"))...)
	ps = append(ps, f.ln2.Params(nn.JoinName(prefix, "ln2"))...)
	ps = append(ps, f.fc1.Params(nn.JoinName(prefix, "mlp.fc1"))...)
	ps = append(ps, f.fc2.Params(nn.JoinName(prefix, "mlp.fc2"))...)
	return ps
}

// SetTraining toggles dropout and batch statistics in all sub-networks.
func (f *SensorFusion) SetTraining(training bool) {
	f.lidar.SetTraining(training)
	f.state.SetTraining(training)
	f.attn.SetTraining(training)
	f.drop.SetTraining(training)
}
