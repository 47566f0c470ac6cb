package fusion

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.Zeros(shape...)
	for i := range x.Data() {
		x.Data()[i] = rng.NormFloat64()
	}
	return x
}

func smallConfig() Config {
	return Config{
		Lidar:         LidarCnnConfig{InChannels: 6, BaseChannels: 4, NumLevels: 2, Activation: nn.ActReLU, Dropout: 0.1},
		State:         StateMlpConfig{StateDim: 5, HiddenDim: 8, NumLayers: 2, Activation: nn.ActReLU, Dropout: 0.1},
		NumEmbeddings: 8,
		NumHeads:      2,
		BlockSize:     8,
		AttentionDrop: 0.1,
		ResidualDrop:  0.1,
	}
}

func TestCausalSelfAttention_MaskIsExact(t *testing.T) {
	rng := nn.NewRand(1)
	attn, err := NewCausalSelfAttention(AttentionConfig{Embed: 8, Heads: 2, BlockSize: 6}, rng)
	require.NoError(t, err)

	_, w, err := attn.ForwardWithWeights(randomTensor(rng, 3, 5, 8))
	require.NoError(t, err)
	require.Equal(t, []int{3, 2, 5, 5}, w.Shape())

	for b := 0; b < 3; b++ {
		for h := 0; h < 2; h++ {
			for i := 0; i < 5; i++ {
				var sum float64
				for j := 0; j < 5; j++ {
					v := w.At(b, h, i, j)
					if j > i {
						assert.Equal(t, 0.0, v, "b=%d h=%d i=%d j=%d", b, h, i, j)
					}
					sum += v
				}
				assert.InDelta(t, 1.0, sum, 1e-12)
			}
		}
	}
}

func TestCausalSelfAttention_FutureDoesNotLeak(t *testing.T) {
	rng := nn.NewRand(2)
	attn, err := NewCausalSelfAttention(AttentionConfig{Embed: 8, Heads: 4, BlockSize: 4}, rng)
	require.NoError(t, err)

	x := randomTensor(rng, 1, 4, 8)
	a, err := attn.Forward(x)
	require.NoError(t, err)

	y := x.Clone()
	for i := 0; i < 8; i++ {
		y.Set(100, 0, 3, i)
	}
	b, err := attn.Forward(y)
	require.NoError(t, err)

	assert.True(t, a.Narrow(1, 0, 3).EqualApprox(b.Narrow(1, 0, 3), 1e-12))
	assert.False(t, a.Narrow(1, 3, 1).EqualApprox(b.Narrow(1, 3, 1), 1e-6))
}

func TestCausalSelfAttention_ConfigErrors(t *testing.T) {
	_, err := NewCausalSelfAttention(AttentionConfig{Embed: 10, Heads: 4, BlockSize: 4}, nn.NewRand(1))
	assert.True(t, errors.Is(err, ErrHeadsDivisibility))

	attn, err := NewCausalSelfAttention(AttentionConfig{Embed: 8, Heads: 2, BlockSize: 3}, nn.NewRand(1))
	require.NoError(t, err)
	_, err = attn.Forward(tensor.Zeros(1, 4, 8))
	assert.True(t, errors.Is(err, ErrSequenceTooLong))
	assert.Equal(t, 0.5, attn.Scale())
}

func TestTowers_Shapes(t *testing.T) {
	rng := nn.NewRand(3)
	cnn, err := NewLidarCnn(DefaultLidarCnnConfig(), rng)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 128, 10}, cnn.Forward(randomTensor(rng, 2, 6, 10)).Shape())
	assert.Panics(t, func() { cnn.Forward(randomTensor(rng, 2, 5, 10)) })

	mlp, err := NewStateMlp(StateMlpConfig{StateDim: 7, HiddenDim: 16, NumLayers: 3, Activation: nn.ActTanh}, rng)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16}, mlp.Forward(randomTensor(rng, 2, 7)).Shape())

	_, err = NewLidarCnn(LidarCnnConfig{InChannels: 6, BaseChannels: 4, NumLevels: 0}, rng)
	assert.Error(t, err)
	_, err = NewStateMlp(StateMlpConfig{StateDim: 3, HiddenDim: 4, NumLayers: 1, Dropout: 1.5}, rng)
	assert.Error(t, err)
}

func TestSensorFusion_ForwardShapes(t *testing.T) {
	rng := nn.NewRand(4)
	f, err := New(smallConfig(), rng)
	require.NoError(t, err)

	lidar, state := randomTensor(rng, 3, 6, 12), randomTensor(rng, 3, 5)

	s, err := f.ForwardTrace(lidar, state, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8}, s.Token.Shape())
	assert.Equal(t, []int{3, 2, 1, 1}, s.Attention.Shape())

	past := randomTensor(rng, 3, 4, 8)
	before := past.Clone()
	s, err = f.ForwardTrace(lidar, state, past)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8}, s.Token.Shape())
	assert.Equal(t, []int{3, 2, 5, 5}, s.Attention.Shape())
	assert.True(t, past.Equal(before), "window must not be mutated")

	_, err = f.Forward(lidar, state, tensor.Zeros(3, 8, 8))
	assert.True(t, errors.Is(err, ErrSequenceTooLong))
}

func TestSensorFusion_DependsOnHistory(t *testing.T) {
	rng := nn.NewRand(5)
	cfg := smallConfig()
	f, err := New(cfg, rng)
	require.NoError(t, err)

	const context, steps = 3, 4
	lidar := make([]*tensor.Tensor, steps)
	state := make([]*tensor.Tensor, steps)
	for i := range lidar {
		lidar[i], state[i] = randomTensor(rng, 2, 6, 5), randomTensor(rng, 2, 5)
	}

	threaded := tensor.Zeros(2, context, cfg.NumEmbeddings)
	frozen := tensor.Zeros(2, context, cfg.NumEmbeddings)
	var withHistory, without *tensor.Tensor
	for i := 0; i < steps; i++ {
		withHistory, err = f.Forward(lidar[i], state[i], threaded)
		require.NoError(t, err)
		without, err = f.Forward(lidar[i], state[i], frozen)
		require.NoError(t, err)
		threaded = tensor.Concat(1, threaded.Narrow(1, 1, context-1), withHistory.Reshape(2, 1, cfg.NumEmbeddings))
	}
	assert.False(t, withHistory.EqualApprox(without, 1e-9), "threaded context must change the output")
	assert.False(t, math.IsNaN(withHistory.Data()[0]))
}

func TestSensorFusion_ParamsAreNamed(t *testing.T) {
	f, err := New(smallConfig(), nn.NewRand(6))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, p := range f.Params("fusion") {
		assert.False(t, names[p.Name], "duplicate %s", p.Name)
		names[p.Name] = true
	}
	for _, want := range []string{
		"fusion.lidar_cnn.levels.0.conv.weight",
		"fusion.lidar_cnn.levels.1.bn.running_var",
		"fusion.state_mlp.layers.1.ln.weight",
		"fusion.pos_emb",
		"fusion.attn.qkv.weight",
		"fusion.mlp.fc2.bias",
	} {
		assert.True(t, names[want], want)
	}
}

func TestSensorFusion_TrainingModeIsStochastic(t *testing.T) {
	rng := nn.NewRand(7)
	f, err := New(smallConfig(), rng)
	require.NoError(t, err)
	lidar, state := randomTensor(rng, 4, 6, 8), randomTensor(rng, 4, 5)

	a, err := f.Forward(lidar, state, nil)
	require.NoError(t, err)
	b, err := f.Forward(lidar, state, nil)
	require.NoError(t, err)
	assert.True(t, a.Equal(b), "evaluation mode is deterministic")

	f.SetTraining(true)
	c, err := f.Forward(lidar, state, nil)
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
}
