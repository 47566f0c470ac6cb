package nn

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// normClip bounds normalised observations.
const normClip = 5.0

// NormStats is a consistent copy of a RunningNorm's accumulators.
type NormStats struct {
	Count    float64
	Mean     []float64
	Variance []float64
}

// RunningNorm tracks per-feature observation mean and variance across
// batches. Count, mean and variance always change together under the write
// lock, so readers never see a torn update. One writer, many readers.
type RunningNorm struct {
	mu       sync.RWMutex
	size     int
	count    *tensor.Tensor // (1)
	mean     *tensor.Tensor // (size)
	variance *tensor.Tensor // (size)
}

// NewRunningNorm starts with zero count, zero mean and unit variance, so
// normalisation before the first update is the identity (modulo clipping).
func NewRunningNorm(size int) *RunningNorm {
	return &RunningNorm{
		size:     size,
		count:    tensor.Zeros(1),
		mean:     tensor.Zeros(size),
		variance: tensor.Full(1, size),
	}
}

// Size is the feature width.
func (n *RunningNorm) Size() int { return n.size }

// Update folds a (N, size) batch into the accumulators using the parallel
// (Chan et al.) merge of means and second moments.
func (n *RunningNorm) Update(batch *tensor.Tensor) {
	if batch.Rank() != 2 || batch.Dim(1) != n.size {
		panic(mat.ErrShape)
	}
	rows := batch.Dim(0)
	if rows == 0 {
		return
	}
	m := batch.Dense()
	col := make([]float64, rows)
	bMean := make([]float64, n.size)
	bVar := make([]float64, n.size)
	for j := 0; j < n.size; j++ {
		mat.Col(col, j, m)
		bMean[j], bVar[j] = popMeanVariance(col)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.count.Data()[0]
	nb := float64(rows)
	total := c + nb
	mean, variance := n.mean.Data(), n.variance.Data()
	for j := 0; j < n.size; j++ {
		delta := bMean[j] - mean[j]
		m2 := variance[j]*c + bVar[j]*nb + delta*delta*c*nb/total
		mean[j] += delta * nb / total
		variance[j] = m2 / total
	}
	n.count.Data()[0] = total
}

// Normalize maps x (any rank, last axis = size) to clipped z-scores.
func (n *RunningNorm) Normalize(x *tensor.Tensor) *tensor.Tensor {
	if x.Dim(-1) != n.size {
		panic(mat.ErrShape)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := x.Clone()
	d := out.Data()
	mean, variance := n.mean.Data(), n.variance.Data()
	for i := range d {
		j := i % n.size
		z := (d[i] - mean[j]) / math.Sqrt(variance[j]+defaultNormEps)
		d[i] = math.Max(-normClip, math.Min(normClip, z))
	}
	return out
}

// Snapshot copies count, mean and variance as one unit.
func (n *RunningNorm) Snapshot() NormStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NormStats{
		Count:    n.count.Data()[0],
		Mean:     append([]float64(nil), n.mean.Data()...),
		Variance: append([]float64(nil), n.variance.Data()...),
	}
}

// Restore replaces the accumulators with s.
func (n *RunningNorm) Restore(s NormStats) error {
	if len(s.Mean) != n.size || len(s.Variance) != n.size {
		return fmt.Errorf("normaliser size %d cannot restore stats of size %d/%d",
			n.size, len(s.Mean), len(s.Variance))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count.Data()[0] = s.Count
	copy(n.mean.Data(), s.Mean)
	copy(n.variance.Data(), s.Variance)
	return nil
}

// CopyFrom takes a snapshot of other and restores it here.
func (n *RunningNorm) CopyFrom(other *RunningNorm) error {
	return n.Restore(other.Snapshot())
}

// Params exposes the accumulators for checkpointing. Writers must not race
// with Update.
func (n *RunningNorm) Params(prefix string) []Param {
	return []Param{
		{Name: JoinName(prefix, "count"), Value: n.count},
		{Name: JoinName(prefix, "mean"), Value: n.mean},
		{Name: JoinName(prefix, "variance"), Value: n.variance},
	}
}
