// Package nn holds the forward-pass building blocks shared by the fusion
// encoder and the ranging VAE: dense and convolutional layers, normalisation,
// dropout, activations, pooling and upsampling.
//
// Layers never mutate their input tensors. Shape mismatches panic with
// gonum's mat.ErrShape. Configuration mistakes are reported as errors by the
// constructors that can detect them.
package nn

import (
	"math"
	"math/rand/v2"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// Param names one learnable tensor or persistent buffer inside a layer tree.
type Param struct {
	Name  string
	Value *tensor.Tensor
}

// Layer is the contract every building block satisfies.
type Layer interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	// Params lists parameters and buffers with names rooted at prefix.
	Params(prefix string) []Param
	// SetTraining toggles dropout and batch-statistics behaviour.
	SetTraining(training bool)
}

// JoinName builds dotted parameter names.
func JoinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Identity passes its input through. Used where normalisation is disabled.
type Identity struct{}

func (Identity) Forward(x *tensor.Tensor) *tensor.Tensor { return x }
func (Identity) Params(string) []Param { return nil }
func (Identity) SetTraining(bool) {}

// NewRand returns a deterministic generator for weight init, dropout masks
// and latent noise.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// uniformInit fills t from U(-bound, bound).
func uniformInit(t *tensor.Tensor, bound float64, rng *rand.Rand) {
	for i := range t.Data() {
		t.Data()[i] = (2*rng.Float64() - 1) * bound
	}
}

// fanInBound is the default init bound 1/sqrt(fan_in).
func fanInBound(fanIn int) float64 {
	if fanIn <= 0 {
		return 0
	}
	return 1 / math.Sqrt(float64(fanIn))
}

// CountParams sums element counts across params.
func CountParams(ps []Param) int {
	n := 0
	for _, p := range ps {
		n += p.Value.Len()
	}
	return n
}
