package vae

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

func smallBlock(rank nn.Rank) BlockOptions {
	return BlockOptions{UseSkips: true, UseBN: true, Activation: nn.ActSELU, Dropout: 0.4, Groups: 1, Rank: rank}
}

func ramp(shape ...int) *tensor.Tensor {
	x := tensor.Zeros(shape...)
	for i := range x.Data() {
		x.Data()[i] = float64(i%7) / 7
	}
	return x
}

func TestEncoder_LatentShapeScenario(t *testing.T) {
	cfg := DefaultEncoderConfig(1)
	cfg.LatentChannels = 2
	cfg.NumChannels = 3
	enc, err := NewEncoder(cfg, nn.NewRand(1))
	require.NoError(t, err)

	_, ok := enc.LatentShape()
	assert.False(t, ok, "latent shape must be unknown before the first pass")

	g, err := enc.Forward(ramp(1, 1, 16))
	require.NoError(t, err)

	shape, ok := enc.LatentShape()
	require.True(t, ok)
	assert.Equal(t, []int{2, 4}, shape.Dims())
	assert.Equal(t, 8, shape.Dim())
	assert.Equal(t, []int{1, 2, 4}, g.Mean.Shape())
	assert.Equal(t, []int{1, 2, 4}, g.LogVar.Shape())
}

func TestEncoder_RejectsSecondInputSize(t *testing.T) {
	cfg := DefaultEncoderConfig(1)
	cfg.BaseChannels, cfg.BlocksPerLevel = 4, 1
	enc, err := NewEncoder(cfg, nn.NewRand(2))
	require.NoError(t, err)

	_, err = enc.Forward(ramp(2, 1, 16))
	require.NoError(t, err)
	// Same extent, different batch: fine.
	_, err = enc.Forward(ramp(3, 1, 16))
	require.NoError(t, err)

	_, err = enc.Forward(ramp(1, 1, 32))
	assert.True(t, errors.Is(err, ErrShapeBound), "got %v", err)

	shape, _ := enc.LatentShape()
	assert.Equal(t, []int{1, 4}, shape.Dims(), "failed bind must not change the shape")
}

func TestCalculateLatentDim(t *testing.T) {
	cases := []struct {
		name    string
		latent  int
		levels  int
		rank    nn.Rank
		spatial []int
		want    int
	}{
		{"1d three levels", 2, 3, nn.Rank1D, []int{16}, 8},
		{"1d single level", 3, 1, nn.Rank1D, []int{10}, 30},
		{"1d four levels", 1, 4, nn.Rank1D, []int{360}, 45},
		{"2d", 2, 2, nn.Rank2D, []int{8, 12}, 2 * 4 * 6},
		{"3d", 1, 3, nn.Rank3D, []int{8, 8, 16}, 2 * 2 * 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultEncoderConfig(1)
			cfg.LatentChannels, cfg.NumChannels, cfg.Block.Rank = tc.latent, tc.levels, tc.rank
			cfg.BaseChannels, cfg.BlocksPerLevel = 2, 0
			enc, err := NewEncoder(cfg, nn.NewRand(1))
			require.NoError(t, err)
			assert.Equal(t, tc.want, enc.CalculateLatentDim(tc.spatial...))
			_, bound := enc.LatentShape()
			assert.False(t, bound, "calculation must not bind")
		})
	}
}

func TestRoundTripShapeLaw(t *testing.T) {
	cases := []struct {
		name  string
		rank  nn.Rank
		input []int
	}{
		{"1d", nn.Rank1D, []int{2, 1, 24}},
		{"1d not divisible", nn.Rank1D, []int{1, 1, 26}},
		{"2d", nn.Rank2D, []int{1, 1, 8, 12}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blk := smallBlock(tc.rank)
			enc, err := NewEncoder(EncoderConfig{InChannels: 1, LatentChannels: 2, BaseChannels: 4,
				NumChannels: 3, BlocksPerLevel: 1, Block: blk}, nn.NewRand(3))
			require.NoError(t, err)
			dec, err := NewDecoder(DecoderConfig{OutChannels: 1, LatentChannels: 2, BaseChannels: 4,
				NumChannels: 3, BlocksPerLevel: 1, Block: blk}, nn.NewRand(4))
			require.NoError(t, err)

			g, err := enc.Forward(ramp(tc.input...))
			require.NoError(t, err)
			out := dec.Forward(g.Mean)

			require.Equal(t, len(tc.input), out.Rank())
			assert.Equal(t, tc.input[0], out.Dim(0))
			assert.Equal(t, 1, out.Dim(1))
			for axis := 2; axis < len(tc.input); axis++ {
				want := tc.input[axis] / 4 * 4
				assert.Equal(t, want, out.Dim(axis), "axis %d", axis)
			}
		})
	}
}

func TestVAE_ForwardOutputs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseChannels, cfg.BlocksPerLevel = 4, 1
	v, err := New(cfg, nn.NewRand(5))
	require.NoError(t, err)

	_, ok := v.LatentDim()
	assert.False(t, ok)
	assert.Nil(t, v.Summary().LatentDim)

	x := ramp(2, 1, 32)
	out, err := v.Forward(x)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3, 8}, out.Mean.Shape())
	assert.Equal(t, []int{2, 3, 8}, out.LogVar.Shape())
	assert.Equal(t, []int{2, 6, 8}, out.Z.Shape())
	assert.Equal(t, x.Shape(), out.Reconstruction.Shape())
	assert.True(t, out.Z.Narrow(1, 0, 3).Equal(out.Mean))
	assert.True(t, out.Z.Narrow(1, 3, 3).Equal(out.LogVar))

	dim, ok := v.LatentDim()
	require.True(t, ok)
	assert.Equal(t, 24, dim)
	assert.Equal(t, 24, v.CalculateLatentDim(32))

	s := v.Summary()
	require.NotNil(t, s.LatentDim)
	assert.Equal(t, []int{3, 8}, s.LatentShape)
	assert.Equal(t, "SELU", s.Activation)
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"model_class":"ResnetVAE"`)
}

func TestVAE_NoiseIsFreshEachCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseChannels, cfg.BlocksPerLevel = 4, 1
	v, err := New(cfg, nn.NewRand(6))
	require.NoError(t, err)
	v.SetTraining(false)

	x := ramp(1, 1, 16)
	a, err := v.Forward(x)
	require.NoError(t, err)
	b, err := v.Forward(x)
	require.NoError(t, err)

	assert.True(t, a.Mean.Equal(b.Mean), "eval-mode encoding is deterministic")
	assert.False(t, a.Reconstruction.Equal(b.Reconstruction), "samples must differ between calls")
}

func TestReparameterize_CollapsesWithTinyVariance(t *testing.T) {
	g := &Gaussian{
		Mean:   tensor.New([]int{1, 1, 3}, []float64{1, -2, 3}),
		LogVar: tensor.Full(-80, 1, 1, 3),
	}
	s := Reparameterize(g, nn.NewRand(9))
	assert.True(t, s.EqualApprox(g.Mean, 1e-9))
}

func TestResidualBlock_WithoutNormOrSkip(t *testing.T) {
	opt := smallBlock(nn.Rank1D)
	opt.UseBN, opt.UseSkips = false, false
	b, err := NewResidualBlock(3, opt, nn.NewRand(1))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, p := range b.Params("blk") {
		names[p.Name] = true
	}
	assert.True(t, names["blk.conv1.bias"], "conv bias is present without batch norm")
	assert.False(t, names["blk.bn1.weight"])

	y := b.Forward(ramp(2, 3, 5))
	assert.Equal(t, []int{2, 3, 5}, y.Shape())
	assert.Panics(t, func() { b.Forward(ramp(2, 4, 5)) })
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultEncoderConfig(1)
	cfg.NumChannels = 0
	_, err := NewEncoder(cfg, nn.NewRand(1))
	assert.Error(t, err)

	cfg = DefaultEncoderConfig(1)
	cfg.Block.Dropout = 1
	_, err = NewEncoder(cfg, nn.NewRand(1))
	assert.Error(t, err)
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	s := config.DefaultNetworkSettings().VAE
	two, act := 2, "gelu"
	s.Rank, s.Activation = &two, &act
	cfg, err = ConfigFromSettings(s)
	require.NoError(t, err)
	assert.Equal(t, nn.Rank2D, cfg.Block.Rank)
	assert.Equal(t, nn.ActGELU, cfg.Block.Activation)
}
