package fusion

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

var (
	// ErrHeadsDivisibility means the embedding width is not a multiple of
	// the head count.
	ErrHeadsDivisibility = errors.New("embedding width must be divisible by head count")
	// ErrSequenceTooLong means a sequence exceeds the precomputed causal mask.
	ErrSequenceTooLong = errors.New("sequence longer than attention block size")
)

// AttentionConfig describes a causal self-attention block.
type AttentionConfig struct {
	Embed         int
	Heads         int
	BlockSize     int // longest sequence the mask covers
	AttentionDrop float64
	ResidualDrop  float64
}

// CausalSelfAttention is multi-head scaled dot-product attention in which
// position i only sees positions ≤ i.
type CausalSelfAttention struct {
	cfg       AttentionConfig
	qkv       *nn.Linear
	proj      *nn.Linear
	attnDrop  *nn.Dropout
	residDrop *nn.Dropout
	mask      []bool // BlockSize×BlockSize, true where attention is allowed
}

// NewCausalSelfAttention precomputes the mask up to cfg.BlockSize.
func NewCausalSelfAttention(cfg AttentionConfig, rng *rand.Rand) (*CausalSelfAttention, error) {
	if cfg.Embed <= 0 || cfg.Heads <= 0 || cfg.Embed%cfg.Heads != 0 {
		return nil, fmt.Errorf("%w: embed=%d heads=%d", ErrHeadsDivisibility, cfg.Embed, cfg.Heads)
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("attention block size must be positive, got %d", cfg.BlockSize)
	}
	mask := make([]bool, cfg.BlockSize*cfg.BlockSize)
	for i := 0; i < cfg.BlockSize; i++ {
		for j := 0; j <= i; j++ {
			mask[i*cfg.BlockSize+j] = true
		}
	}
	return &CausalSelfAttention{
		cfg:       cfg,
		qkv:       nn.NewLinear(cfg.Embed, 3*cfg.Embed, true, rng),
		proj:      nn.NewLinear(cfg.Embed, cfg.Embed, true, rng),
		attnDrop:  nn.NewDropout(cfg.AttentionDrop, rng),
		residDrop: nn.NewDropout(cfg.ResidualDrop, rng),
		mask:      mask,
	}, nil
}

// Scale is (E/H)^-0.5.
func (a *CausalSelfAttention) Scale() float64 {
	return 1 / math.Sqrt(float64(a.cfg.Embed/a.cfg.Heads))
}

// Forward maps (B, T, E) to (B, T, E).
func (a *CausalSelfAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := a.ForwardWithWeights(x)
	return out, err
}

// ForwardWithWeights also returns the (B, H, T, T) attention weights that
// were applied to the values.
func (a *CausalSelfAttention) ForwardWithWeights(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(2) != a.cfg.Embed {
		panic(mat.ErrShape)
	}
	batch, steps := x.Dim(0), x.Dim(1)
	if steps > a.cfg.BlockSize {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, steps, a.cfg.BlockSize)
	}
	heads, hd := a.cfg.Heads, a.cfg.Embed/a.cfg.Heads
	qkv := a.qkv.Forward(x).Split(2, 3)
	q, k, v := qkv[0], qkv[1], qkv[2]

	y := tensor.Zeros(batch, steps, a.cfg.Embed)
	weights := tensor.Zeros(batch, heads, steps, steps)
	scale := a.Scale()
	var scores, ctx mat.Dense
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			qh, kh, vh := headView(q, b, h, hd), headView(k, b, h, hd), headView(v, b, h, hd)
			scores.Reset()
			scores.Mul(qh, kh.T())
			scores.Scale(scale, &scores)

			w := weights.Index(b).Index(h)
			a.maskedSoftmax(&scores, w.Data(), steps)
			w = a.attnDrop.Forward(w)
			copy(weights.Index(b).Index(h).Data(), w.Data())

			ctx.Reset()
			ctx.Mul(w.Dense(), vh)
			for t := 0; t < steps; t++ {
				row := y.Data()[(b*steps+t)*a.cfg.Embed+h*hd:]
				mat.Row(row[:hd], t, &ctx)
			}
		}
	}
	return a.residDrop.Forward(a.proj.Forward(y)), weights, nil
}

// headView copies head h of batch row b out of a (B, T, E) tensor.
func headView(x *tensor.Tensor, b, h, hd int) *mat.Dense {
	steps, embed := x.Dim(1), x.Dim(2)
	m := mat.NewDense(steps, hd, nil)
	for t := 0; t < steps; t++ {
		off := (b*steps+t)*embed + h*hd
		m.SetRow(t, x.Data()[off:off+hd])
	}
	return m
}

// maskedSoftmax writes row-wise softmax over allowed keys into dst. Keys
// masked out get exactly zero weight.
func (a *CausalSelfAttention) maskedSoftmax(scores *mat.Dense, dst []float64, steps int) {
	for i := 0; i < steps; i++ {
		row := dst[i*steps : (i+1)*steps]
		maxV := math.Inf(-1)
		for j := 0; j < steps; j++ {
			if a.mask[i*a.cfg.BlockSize+j] {
				maxV = math.Max(maxV, scores.At(i, j))
			}
		}
		var sum float64
		for j := 0; j < steps; j++ {
			if !a.mask[i*a.cfg.BlockSize+j] {
				row[j] = 0
				continue
			}
			row[j] = math.Exp(scores.At(i, j) - maxV)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// Params lists the fused qkv and output projections.
func (a *CausalSelfAttention) Params(prefix string) []nn.Param {
	ps := a.qkv.Params(nn.JoinName(prefix, "qkv"))
	return append(ps, a.proj.Params(nn.JoinName(prefix, "proj"))...)
}

// SetTraining toggles attention and residual dropout.
func (a *CausalSelfAttention) SetTraining(training bool) {
	a.attnDrop.SetTraining(training)
	a.residDrop.SetTraining(training)
}
