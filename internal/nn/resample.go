package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// AvgPool2 halves every spatial axis of (B, C, spatial...) with a 2-wide,
// stride-2 average window. Odd trailing elements are dropped.
func AvgPool2(x *tensor.Tensor, r Rank) *tensor.Tensor {
	if x.Rank() != int(r)+2 {
		panic(mat.ErrShape)
	}
	in3 := r.volume(x.Shape()[2:])
	k3 := r.extent(2, 1)
	var out3 [3]int
	for i := range out3 {
		out3[i] = in3[i] / k3[i]
		if out3[i] == 0 {
			panic(mat.ErrShape)
		}
	}
	planes := x.Dim(0) * x.Dim(1)
	inVol := in3[0] * in3[1] * in3[2]
	outVol := out3[0] * out3[1] * out3[2]
	norm := 1 / float64(k3[0]*k3[1]*k3[2])

	out := tensor.Zeros(append(x.Shape()[:2:2], r.spatial(out3)...)...)
	src, dst := x.Data(), out.Data()
	for p := 0; p < planes; p++ {
		in := src[p*inVol : (p+1)*inVol]
		o := dst[p*outVol : (p+1)*outVol]
		i := 0
		for oz := 0; oz < out3[0]; oz++ {
			for oy := 0; oy < out3[1]; oy++ {
				for ox := 0; ox < out3[2]; ox++ {
					var sum float64
					for kz := 0; kz < k3[0]; kz++ {
						for ky := 0; ky < k3[1]; ky++ {
							for kx := 0; kx < k3[2]; kx++ {
								iz, iy, ix := oz*k3[0]+kz, oy*k3[1]+ky, ox*k3[2]+kx
								sum += in[(iz*in3[1]+iy)*in3[2]+ix]
							}
						}
					}
					o[i] = sum * norm
					i++
				}
			}
		}
	}
	return out
}

// Upsample2 doubles every spatial axis with linear interpolation
// (align_corners=false). Linear, bilinear and trilinear interpolation are
// separable, so each active axis is resampled in turn.
func Upsample2(x *tensor.Tensor, r Rank) *tensor.Tensor {
	if x.Rank() != int(r)+2 {
		panic(mat.ErrShape)
	}
	out := x
	for axis := 2; axis < x.Rank(); axis++ {
		out = upsampleAxis(out, axis)
	}
	return out
}

func upsampleAxis(x *tensor.Tensor, axis int) *tensor.Tensor {
	shape := x.Shape()
	n := shape[axis]
	outer := tensor.Numel(shape[:axis])
	inner := tensor.Numel(shape[axis+1:])
	shape[axis] = 2 * n
	out := tensor.Zeros(shape...)
	src, dst := x.Data(), out.Data()

	for o := 0; o < 2*n; o++ {
		pos := (float64(o)+0.5)/2 - 0.5
		if pos < 0 {
			pos = 0
		}
		i0 := int(math.Floor(pos))
		i1 := i0 + 1
		if i1 > n-1 {
			i1 = n - 1
		}
		w1 := pos - float64(i0)
		w0 := 1 - w1
		for b := 0; b < outer; b++ {
			s0 := src[(b*n+i0)*inner : (b*n+i0+1)*inner]
			s1 := src[(b*n+i1)*inner : (b*n+i1+1)*inner]
			d := dst[(b*2*n+o)*inner : (b*2*n+o+1)*inner]
			for k := range d {
				d[k] = w0*s0[k] + w1*s1[k]
			}
		}
	}
	return out
}
