package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

const (
	defaultNormEps    = 1e-5
	defaultBNMomentum = 0.1
)

// popMeanVariance returns the mean and biased variance of x.
func popMeanVariance(x []float64) (mean, variance float64) {
	n := len(x)
	if n < 2 {
		if n == 1 {
			return x[0], 0
		}
		return 0, 0
	}
	mean, variance = stat.MeanVariance(x, nil)
	return mean, variance * float64(n-1) / float64(n)
}

// BatchNorm normalises each channel of (B, C, spatial...) inputs. In
// training mode it uses batch statistics and folds them into the running
// estimates; in evaluation mode it uses the running estimates.
type BatchNorm struct {
	Channels    int
	Eps         float64
	Momentum    float64
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	training    bool
}

// NewBatchNorm returns a unit-scale, zero-shift normaliser.
func NewBatchNorm(channels int) *BatchNorm {
	return &BatchNorm{
		Channels:    channels,
		Eps:         defaultNormEps,
		Momentum:    defaultBNMomentum,
		Weight:      tensor.Full(1, channels),
		Bias:        tensor.Zeros(channels),
		RunningMean: tensor.Zeros(channels),
		RunningVar:  tensor.Full(1, channels),
	}
}

// Forward normalises per channel with batch statistics in training mode
// and with the running statistics otherwise.
func (bn *BatchNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Rank() < 2 || x.Dim(1) != bn.Channels {
		panic(mat.ErrShape)
	}
	batch := x.Dim(0)
	inner := x.Len() / (batch * bn.Channels)
	out := tensor.Zeros(x.Shape()...)
	src, dst := x.Data(), out.Data()
	buf := make([]float64, 0, batch*inner)

	for c := 0; c < bn.Channels; c++ {
		var mean, variance float64
		if bn.training {
			buf = buf[:0]
			for b := 0; b < batch; b++ {
				off := (b*bn.Channels + c) * inner
				buf = append(buf, src[off:off+inner]...)
			}
			mean, variance = popMeanVariance(buf)
			n := float64(len(buf))
			rm, rv := bn.RunningMean.Data(), bn.RunningVar.Data()
			rm[c] = (1-bn.Momentum)*rm[c] + bn.Momentum*mean
			if n > 1 {
				rv[c] = (1-bn.Momentum)*rv[c] + bn.Momentum*variance*n/(n-1)
			}
		} else {
			mean, variance = bn.RunningMean.Data()[c], bn.RunningVar.Data()[c]
		}
		scale := bn.Weight.Data()[c] / math.Sqrt(variance+bn.Eps)
		shift := bn.Bias.Data()[c]
		for b := 0; b < batch; b++ {
			off := (b*bn.Channels + c) * inner
			for i := off; i < off+inner; i++ {
				dst[i] = (src[i]-mean)*scale + shift
			}
		}
	}
	return out
}

// Params lists the affine weights and the running statistics.
func (bn *BatchNorm) Params(prefix string) []Param {
	return []Param{
		{Name: JoinName(prefix, "weight"), Value: bn.Weight},
		{Name: JoinName(prefix, "bias"), Value: bn.Bias},
		{Name: JoinName(prefix, "running_mean"), Value: bn.RunningMean},
		{Name: JoinName(prefix, "running_var"), Value: bn.RunningVar},
	}
}

// SetTraining selects batch or running statistics.
func (bn *BatchNorm) SetTraining(training bool) { bn.training = training }

// LayerNorm normalises over the last axis.
type LayerNorm struct {
	Dim    int
	Eps    float64
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewLayerNorm returns a unit-scale, zero-shift layer norm over dim features.
func NewLayerNorm(dim int) *LayerNorm {
	return &LayerNorm{
		Dim:    dim,
		Eps:    defaultNormEps,
		Weight: tensor.Full(1, dim),
		Bias:   tensor.Zeros(dim),
	}
}

// Forward normalises over the last axis.
func (ln *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Dim(-1) != ln.Dim {
		panic(mat.ErrShape)
	}
	out := tensor.Zeros(x.Shape()...)
	src, dst := x.Data(), out.Data()
	w, b := ln.Weight.Data(), ln.Bias.Data()
	for off := 0; off < len(src); off += ln.Dim {
		row := src[off : off+ln.Dim]
		mean, variance := popMeanVariance(row)
		inv := 1 / math.Sqrt(variance+ln.Eps)
		for i, v := range row {
			dst[off+i] = (v-mean)*inv*w[i] + b[i]
		}
	}
	return out
}

// Params lists the affine weights.
func (ln *LayerNorm) Params(prefix string) []Param {
	return []Param{
		{Name: JoinName(prefix, "weight"), Value: ln.Weight},
		{Name: JoinName(prefix, "bias"), Value: ln.Bias},
	}
}

func (ln *LayerNorm) SetTraining(bool) {}
