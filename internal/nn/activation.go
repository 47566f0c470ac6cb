package nn

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// Activation is an element-wise non-linearity. It satisfies Layer so it can
// sit in a tower like any other block.
type Activation int

const (
	ActIdentity Activation = iota
	ActReLU
	ActSELU
	ActGELU
	ActTanh
)

const (
	seluAlpha = 1.6732632423543772848170429916717
	seluScale = 1.0507009873554804934193349852946
)

var activationNames = map[Activation]string{
	ActIdentity: "Identity",
	ActReLU:     "ReLU",
	ActSELU:     "SELU",
	ActGELU:     "GELU",
	ActTanh:     "Tanh",
}

// ParseActivation maps a case-insensitive name to an Activation.
func ParseActivation(name string) (Activation, error) {
	for a, n := range activationNames {
		if strings.EqualFold(n, name) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown activation %q", name)
}

func (a Activation) String() string {
	if n, ok := activationNames[a]; ok {
		return n
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// Apply evaluates the activation on one value.
func (a Activation) Apply(v float64) float64 {
	switch a {
	case ActReLU:
		return math.Max(v, 0)
	case ActSELU:
		if v > 0 {
			return seluScale * v
		}
		return seluScale * seluAlpha * (math.Exp(v) - 1)
	case ActGELU:
		return 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
	case ActTanh:
		return math.Tanh(v)
	}
	return v
}

// Forward applies the activation element-wise.
func (a Activation) Forward(x *tensor.Tensor) *tensor.Tensor {
	if a == ActIdentity {
		return x
	}
	return x.Map(a.Apply)
}

// Params is empty; activations have no weights.
func (Activation) Params(string) []Param { return nil }

func (Activation) SetTraining(bool) {}
