package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// ConvConfig describes a stride-1 convolution.
type ConvConfig struct {
	Rank        Rank
	InChannels  int
	OutChannels int
	Kernel      int
	Padding     int
	Groups      int
	Bias        bool
}

// Conv is a stride-1 convolution over 1, 2 or 3 spatial axes, evaluated as
// im2col followed by one GEMM per group.
type Conv struct {
	cfg    ConvConfig
	Weight *tensor.Tensor // (Out, In/Groups·K^rank)
	Bias   *tensor.Tensor // (Out) or nil
}

// NewConv validates cfg and allocates initialised weights.
func NewConv(cfg ConvConfig, rng *rand.Rand) (*Conv, error) {
	if !cfg.Rank.Valid() {
		return nil, fmt.Errorf("conv: invalid rank %d", cfg.Rank)
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 || cfg.Kernel <= 0 || cfg.Padding < 0 {
		return nil, fmt.Errorf("conv: invalid geometry in=%d out=%d kernel=%d padding=%d",
			cfg.InChannels, cfg.OutChannels, cfg.Kernel, cfg.Padding)
	}
	if cfg.InChannels%cfg.Groups != 0 || cfg.OutChannels%cfg.Groups != 0 {
		return nil, fmt.Errorf("conv: channels in=%d out=%d not divisible by groups=%d",
			cfg.InChannels, cfg.OutChannels, cfg.Groups)
	}
	kVol := 1
	for i := 0; i < int(cfg.Rank); i++ {
		kVol *= cfg.Kernel
	}
	fanIn := cfg.InChannels / cfg.Groups * kVol
	c := &Conv{cfg: cfg, Weight: tensor.Zeros(cfg.OutChannels, fanIn)}
	bound := fanInBound(fanIn)
	uniformInit(c.Weight, bound, rng)
	if cfg.Bias {
		c.Bias = tensor.Zeros(cfg.OutChannels)
		uniformInit(c.Bias, bound, rng)
	}
	return c, nil
}

// MustConv is NewConv for geometry already validated by the caller.
func MustConv(cfg ConvConfig, rng *rand.Rand) *Conv {
	c, err := NewConv(cfg, rng)
	if err != nil {
		panic(err)
	}
	return c
}

// Config returns the layer geometry.
func (c *Conv) Config() ConvConfig { return c.cfg }

// Forward maps (B, In, spatial...) to (B, Out, spatial'...).
func (c *Conv) Forward(x *tensor.Tensor) *tensor.Tensor {
	r := c.cfg.Rank
	if x.Rank() != int(r)+2 || x.Dim(1) != c.cfg.InChannels {
		panic(mat.ErrShape)
	}
	batch := x.Dim(0)
	in3 := r.volume(x.Shape()[2:])
	k3 := r.extent(c.cfg.Kernel, 1)
	p3 := r.extent(c.cfg.Padding, 0)
	var out3 [3]int
	for i := range out3 {
		out3[i] = in3[i] + 2*p3[i] - k3[i] + 1
		if out3[i] <= 0 {
			panic(mat.ErrShape)
		}
	}
	inVol := in3[0] * in3[1] * in3[2]
	outVol := out3[0] * out3[1] * out3[2]
	kVol := k3[0] * k3[1] * k3[2]
	inG := c.cfg.InChannels / c.cfg.Groups
	outG := c.cfg.OutChannels / c.cfg.Groups

	out := tensor.Zeros(append([]int{batch, c.cfg.OutChannels}, r.spatial(out3)...)...)
	cols := mat.NewDense(inG*kVol, outVol, nil)
	w := c.Weight.Dense()
	for b := 0; b < batch; b++ {
		sample := x.Index(b).Data()
		for g := 0; g < c.cfg.Groups; g++ {
			im2col(cols, sample[g*inG*inVol:(g+1)*inG*inVol], inG, in3, k3, p3, out3)
			base := (b*c.cfg.OutChannels + g*outG) * outVol
			dst := mat.NewDense(outG, outVol, out.Data()[base:base+outG*outVol])
			dst.Mul(w.Slice(g*outG, (g+1)*outG, 0, inG*kVol), cols)
		}
		if c.Bias != nil {
			for o := 0; o < c.cfg.OutChannels; o++ {
				base := (b*c.cfg.OutChannels + o) * outVol
				floats.AddConst(c.Bias.Data()[o], out.Data()[base:base+outVol])
			}
		}
	}
	return out
}

// im2col lays out every receptive field of src as one column of cols.
// Row order is (channel, kz, ky, kx), matching the weight layout.
func im2col(cols *mat.Dense, src []float64, channels int, in3, k3, p3, out3 [3]int) {
	for ci := 0; ci < channels; ci++ {
		for kz := 0; kz < k3[0]; kz++ {
			for ky := 0; ky < k3[1]; ky++ {
				for kx := 0; kx < k3[2]; kx++ {
					row := cols.RawRowView(((ci*k3[0]+kz)*k3[1]+ky)*k3[2] + kx)
					col := 0
					for oz := 0; oz < out3[0]; oz++ {
						iz := oz + kz - p3[0]
						for oy := 0; oy < out3[1]; oy++ {
							iy := oy + ky - p3[1]
							for ox := 0; ox < out3[2]; ox++ {
								ix := ox + kx - p3[2]
								if iz < 0 || iz >= in3[0] || iy < 0 || iy >= in3[1] || ix < 0 || ix >= in3[2] {
									row[col] = 0
								} else {
									row[col] = src[((ci*in3[0]+iz)*in3[1]+iy)*in3[2]+ix]
								}
								col++
							}
						}
					}
				}
			}
		}
	}
}

// Params lists the kernel and bias.
func (c *Conv) Params(prefix string) []Param {
	ps := []Param{{Name: JoinName(prefix, "weight"), Value: c.Weight}}
	if c.Bias != nil {
		ps = append(ps, Param{Name: JoinName(prefix, "bias"), Value: c.Bias})
	}
	return ps
}

func (c *Conv) SetTraining(bool) {}
