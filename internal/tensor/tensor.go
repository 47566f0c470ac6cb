// Package tensor provides the dense N-dimensional array that every layer in
// the fusion and VAE networks consumes and produces.
//
// Storage is row-major float64. Rank-2 tensors convert to gonum *mat.Dense
// views without copying so matrix products run through gonum. Shape
// mismatches panic with mat.ErrShape, the same error gonum raises, so callers
// see one shape error regardless of which layer detected it.
package tensor

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense row-major array with an explicit shape.
type Tensor struct {
	shape []int
	data  []float64
}

// New wraps data with the given shape. A nil data slice allocates zeros.
// The slice is used as backing storage, not copied.
func New(shape []int, data []float64) *Tensor {
	n := Numel(shape)
	if data == nil {
		data = make([]float64, n)
	}
	if len(data) != n {
		panic(mat.ErrShape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return New(shape, nil)
}

// Full allocates a tensor with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromDense copies a gonum matrix into a rank-2 tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	t := Zeros(r, c)
	dst := mat.NewDense(r, c, t.data)
	dst.Copy(m)
	return t
}

// Numel returns the element count of a shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(mat.ErrShape)
		}
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Rank is the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len is the total element count.
func (t *Tensor) Len() int { return len(t.data) }

// Data exposes the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// Dim returns the size of axis i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	return t.shape[t.axis(i)]
}

func (t *Tensor) axis(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	if i < 0 || i >= len(t.shape) {
		panic(mat.ErrShape)
	}
	return i
}

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	return New(t.shape, append([]float64(nil), t.data...))
}

// String renders shape only; data is usually too large to print.
func (t *Tensor) String() string {
	parts := make([]string, len(t.shape))
	for i, d := range t.shape {
		parts[i] = fmt.Sprint(d)
	}
	return "Tensor(" + strings.Join(parts, "x") + ")"
}

// Reshape returns a view with a new shape over the same data. One axis may
// be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	out := append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range out {
		if d == -1 {
			if infer >= 0 {
				panic(mat.ErrShape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			panic(mat.ErrShape)
		}
		out[infer] = len(t.data) / known
	}
	if Numel(out) != len(t.data) {
		panic(mat.ErrShape)
	}
	return &Tensor{shape: out, data: t.data}
}

// Dense returns a gonum view of a rank-2 tensor. Writes through the view
// modify the tensor.
func (t *Tensor) Dense() *mat.Dense {
	if len(t.shape) != 2 {
		panic(mat.ErrShape)
	}
	return mat.NewDense(t.shape[0], t.shape[1], t.data)
}

// Index returns a view of element i along axis 0.
func (t *Tensor) Index(i int) *Tensor {
	if len(t.shape) == 0 || i < 0 || i >= t.shape[0] {
		panic(mat.ErrShape)
	}
	inner := Numel(t.shape[1:])
	return &Tensor{shape: append([]int(nil), t.shape[1:]...), data: t.data[i*inner : (i+1)*inner]}
}

// At reads one element.
func (t *Tensor) At(idx ...int) float64 { return t.data[t.offset(idx)] }

// Set writes one element.
func (t *Tensor) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(mat.ErrShape)
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(mat.ErrShape)
		}
		off = off*t.shape[i] + v
	}
	return off
}

// SameShape reports whether two tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

func mustSameShape(a, b *Tensor) {
	if !SameShape(a, b) {
		panic(mat.ErrShape)
	}
}

// Add returns a+b element-wise.
func (t *Tensor) Add(o *Tensor) *Tensor {
	mustSameShape(t, o)
	out := t.Clone()
	floats.Add(out.data, o.data)
	return out
}

// AddInPlace accumulates o into t.
func (t *Tensor) AddInPlace(o *Tensor) {
	mustSameShape(t, o)
	floats.Add(t.data, o.data)
}

// Mul returns the element-wise product.
func (t *Tensor) Mul(o *Tensor) *Tensor {
	mustSameShape(t, o)
	out := t.Clone()
	floats.Mul(out.data, o.data)
	return out
}

// Scale returns c*t.
func (t *Tensor) Scale(c float64) *Tensor {
	out := t.Clone()
	floats.Scale(c, out.data)
	return out
}

// Map applies fn element-wise into a new tensor.
func (t *Tensor) Map(fn func(float64) float64) *Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = fn(v)
	}
	return out
}

// Equal reports exact equality of shape and contents.
func (t *Tensor) Equal(o *Tensor) bool {
	return SameShape(t, o) && floats.Equal(t.data, o.data)
}

// EqualApprox reports equality within an absolute tolerance.
func (t *Tensor) EqualApprox(o *Tensor, tol float64) bool {
	return SameShape(t, o) && floats.EqualApprox(t.data, o.data, tol)
}

// splitAxis describes a tensor as outer × dim × inner around one axis.
func (t *Tensor) splitAxis(axis int) (outer, dim, inner int) {
	axis = t.axis(axis)
	return Numel(t.shape[:axis]), t.shape[axis], Numel(t.shape[axis+1:])
}

// Concat joins tensors along axis. All other axes must agree.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic(mat.ErrShape)
	}
	first := ts[0]
	ax := first.axis(axis)
	shape := first.Shape()
	shape[ax] = 0
	for _, t := range ts {
		if t.Rank() != first.Rank() {
			panic(mat.ErrShape)
		}
		for i := range t.shape {
			if i != ax && t.shape[i] != first.shape[i] {
				panic(mat.ErrShape)
			}
		}
		shape[ax] += t.shape[ax]
	}
	out := Zeros(shape...)
	outer, _, inner := first.splitAxis(ax)
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			block := t.shape[ax] * inner
			copy(out.data[pos:pos+block], t.data[o*block:(o+1)*block])
			pos += block
		}
	}
	return out
}

// Stack joins equally-shaped tensors along a new leading axis.
func Stack(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic(mat.ErrShape)
	}
	shape := append([]int{len(ts)}, ts[0].shape...)
	out := Zeros(shape...)
	n := ts[0].Len()
	for i, t := range ts {
		mustSameShape(t, ts[0])
		copy(out.data[i*n:(i+1)*n], t.data)
	}
	return out
}

// Narrow copies length entries starting at start along axis.
func (t *Tensor) Narrow(axis, start, length int) *Tensor {
	ax := t.axis(axis)
	outer, dim, inner := t.splitAxis(ax)
	if start < 0 || length < 0 || start+length > dim {
		panic(mat.ErrShape)
	}
	shape := t.Shape()
	shape[ax] = length
	out := Zeros(shape...)
	for o := 0; o < outer; o++ {
		src := t.data[(o*dim+start)*inner : (o*dim+start+length)*inner]
		copy(out.data[o*length*inner:(o+1)*length*inner], src)
	}
	return out
}

// Split cuts the tensor into n equal parts along axis.
func (t *Tensor) Split(axis, n int) []*Tensor {
	dim := t.Dim(axis)
	if n <= 0 || dim%n != 0 {
		panic(mat.ErrShape)
	}
	step := dim / n
	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i] = t.Narrow(axis, i*step, step)
	}
	return parts
}

// SwapAxes returns a copy with axes a and b exchanged.
func (t *Tensor) SwapAxes(a, b int) *Tensor {
	a, b = t.axis(a), t.axis(b)
	shape := t.Shape()
	shape[a], shape[b] = shape[b], shape[a]
	out := Zeros(shape...)
	srcStrides := strides(t.shape)
	idx := make([]int, len(shape))
	for i := range out.data {
		rem := i
		for k := len(shape) - 1; k >= 0; k-- {
			idx[k] = rem % shape[k]
			rem /= shape[k]
		}
		idx[a], idx[b] = idx[b], idx[a]
		off := 0
		for k, v := range idx {
			off += v * srcStrides[k]
		}
		out.data[i] = t.data[off]
	}
	return out
}

// MeanAxis averages over axis and drops it.
func (t *Tensor) MeanAxis(axis int) *Tensor {
	ax := t.axis(axis)
	outer, dim, inner := t.splitAxis(ax)
	shape := append(t.Shape()[:ax:ax], t.shape[ax+1:]...)
	out := Zeros(shape...)
	for o := 0; o < outer; o++ {
		dst := out.data[o*inner : (o+1)*inner]
		for d := 0; d < dim; d++ {
			floats.Add(dst, t.data[(o*dim+d)*inner:(o*dim+d+1)*inner])
		}
		floats.Scale(1/float64(dim), dst)
	}
	return out
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}
