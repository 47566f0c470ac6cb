package nn

import (
	"math/rand/v2"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// Dropout zeroes elements with probability P during training and rescales
// survivors by 1/(1-P). It is the identity in evaluation mode.
type Dropout struct {
	P        float64
	rng      *rand.Rand
	training bool
}

// NewDropout binds a dropout layer to a random source.
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

// Forward zeroes and rescales elements in training mode and is the identity otherwise.
func (d *Dropout) Forward(x *tensor.Tensor) *tensor.Tensor {
	if !d.training || d.P <= 0 {
		return x
	}
	if d.P >= 1 {
		return tensor.Zeros(x.Shape()...)
	}
	keep := 1 / (1 - d.P)
	return x.Map(func(v float64) float64 {
		if d.rng.Float64() < d.P {
			return 0
		}
		return v * keep
	})
}

func (d *Dropout) Params(string) []Param { return nil }

// SetTraining switches between training and inference behaviour.
func (d *Dropout) SetTraining(training bool) { d.training = training }

// Training reports the current mode.
func (d *Dropout) Training() bool { return d.training }
