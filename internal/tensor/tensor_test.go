package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func seq(shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data() {
		t.Data()[i] = float64(i)
	}
	return t
}

func TestNew_LengthMismatchPanicsWithErrShape(t *testing.T) {
	assert.PanicsWithValue(t, mat.ErrShape, func() {
		New([]int{2, 3}, make([]float64, 5))
	})
}

func TestReshape_InfersAxisAndSharesData(t *testing.T) {
	x := seq(2, 3, 4)
	r := x.Reshape(-1, 4)
	assert.Equal(t, []int{6, 4}, r.Shape())

	r.Set(99, 0, 0)
	assert.Equal(t, 99.0, x.At(0, 0, 0))

	assert.Panics(t, func() { x.Reshape(5, -1) })
}

func TestConcat(t *testing.T) {
	a := seq(2, 1, 2)
	b := Full(7, 2, 2, 2)
	out := Concat(1, a, b)

	require.Equal(t, []int{2, 3, 2}, out.Shape())
	want := []float64{0, 1, 7, 7, 7, 7, 2, 3, 7, 7, 7, 7}
	if diff := cmp.Diff(want, out.Data()); diff != "" {
		t.Errorf("concat mismatch (-want +got):\n%s", diff)
	}
}

func TestNarrowAndSplit(t *testing.T) {
	x := seq(2, 4)
	parts := x.Split(1, 2)
	require.Len(t, parts, 2)
	assert.Equal(t, []float64{0, 1, 4, 5}, parts[0].Data())
	assert.Equal(t, []float64{2, 3, 6, 7}, parts[1].Data())

	last := x.Narrow(-1, 3, 1)
	assert.Equal(t, []int{2, 1}, last.Shape())
	assert.Equal(t, []float64{3, 7}, last.Data())
}

func TestSwapAxes(t *testing.T) {
	x := seq(2, 3)
	y := x.SwapAxes(0, 1)
	require.Equal(t, []int{3, 2}, y.Shape())
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			assert.Equal(t, x.At(i, j), y.At(j, i))
		}
	}
}

func TestMeanAxis(t *testing.T) {
	x := seq(2, 3, 2)
	m := x.MeanAxis(1)
	require.Equal(t, []int{2, 2}, m.Shape())
	assert.Equal(t, []float64{2, 3, 8, 9}, m.Data())
}

func TestStackAndIndex(t *testing.T) {
	a := Full(1, 2)
	b := Full(2, 2)
	s := Stack(a, b)
	assert.Equal(t, []int{2, 2}, s.Shape())
	assert.True(t, s.Index(1).Equal(b))
}

func TestDenseViewAndFromDense(t *testing.T) {
	x := seq(2, 3)
	d := x.Dense()
	d.Set(1, 2, -1)
	assert.Equal(t, -1.0, x.At(1, 2))

	var prod mat.Dense
	prod.Mul(d, d.T())
	p := FromDense(&prod)
	assert.Equal(t, []int{2, 2}, p.Shape())
	assert.Equal(t, 0*0+1*1+2*2.0, p.At(0, 0))
}

func TestArithmetic(t *testing.T) {
	a := seq(3)
	b := Full(2, 3)
	assert.Equal(t, []float64{2, 3, 4}, a.Add(b).Data())
	assert.Equal(t, []float64{0, 2, 4}, a.Mul(b).Data())
	assert.Equal(t, []float64{0, 0.5, 1}, a.Scale(0.5).Data())
	assert.True(t, a.EqualApprox(a.Map(func(v float64) float64 { return v + 1e-12 }), 1e-9))
	assert.Panics(t, func() { a.Add(Zeros(4)) })
}
