package nn

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// Linear is a dense layer y = x·Wᵀ + b applied over the last axis.
type Linear struct {
	In, Out int
	Weight  *tensor.Tensor // (Out, In)
	Bias    *tensor.Tensor // (Out); nil when built without bias
}

// NewLinear allocates a dense layer with U(±1/sqrt(in)) initialisation.
func NewLinear(in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{In: in, Out: out, Weight: tensor.Zeros(out, in)}
	bound := fanInBound(in)
	uniformInit(l.Weight, bound, rng)
	if bias {
		l.Bias = tensor.Zeros(out)
		uniformInit(l.Bias, bound, rng)
	}
	return l
}

// Forward accepts any rank ≥ 1 whose last axis is In; leading axes are kept.
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Dim(-1) != l.In {
		panic(mat.ErrShape)
	}
	lead := x.Shape()[:x.Rank()-1]
	rows := x.Len() / l.In
	flat := x.Reshape(rows, l.In)

	out := tensor.Zeros(rows, l.Out)
	out.Dense().Mul(flat.Dense(), l.Weight.Dense().T())
	if l.Bias != nil {
		b := l.Bias.Data()
		for r := 0; r < rows; r++ {
			floats.Add(out.Data()[r*l.Out:(r+1)*l.Out], b)
		}
	}
	return out.Reshape(append(lead, l.Out)...)
}

// Params lists the weight and, when present, the bias.
func (l *Linear) Params(prefix string) []Param {
	ps := []Param{{Name: JoinName(prefix, "weight"), Value: l.Weight}}
	if l.Bias != nil {
		ps = append(ps, Param{Name: JoinName(prefix, "bias"), Value: l.Bias})
	}
	return ps
}

func (l *Linear) SetTraining(bool) {}
