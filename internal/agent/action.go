package agent

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// actionClip bounds continuous actions before they are rescaled to [-1, 1].
const actionClip = 3.0

// maskedLogit replaces the logits of disallowed discrete actions.
const maskedLogit = -1e8

// ActionSpec describes the action space.
type ActionSpec struct {
	ContinuousSize   int
	DiscreteBranches []int
}

// DiscreteSize is the number of discrete branches.
func (s ActionSpec) DiscreteSize() int { return len(s.DiscreteBranches) }

// DeprecatedSize is the legacy combined action width: continuous size plus
// the sum of all branch sizes.
func (s ActionSpec) DeprecatedSize() int {
	n := s.ContinuousSize
	for _, b := range s.DiscreteBranches {
		n += b
	}
	return n
}

func (s ActionSpec) validate() error {
	if s.ContinuousSize < 0 {
		return fmt.Errorf("continuous action size must be non-negative, got %d", s.ContinuousSize)
	}
	for i, b := range s.DiscreteBranches {
		if b <= 0 {
			return fmt.Errorf("discrete branch %d must have at least one action, got %d", i, b)
		}
	}
	if s.ContinuousSize == 0 && len(s.DiscreteBranches) == 0 {
		return fmt.Errorf("action spec is empty")
	}
	return nil
}

// Action holds one batch of actions. Continuous is (N, ContinuousSize) and
// Discrete is (N, DiscreteSize) holding branch indices; either may be nil
// when the action space has no actions of that kind.
type Action struct {
	Continuous *tensor.Tensor
	Discrete   *tensor.Tensor
}

// Clipped returns the action with continuous values clamped to ±3 and
// rescaled to [-1, 1], the form sent to the environment.
func (a Action) Clipped() Action {
	if a.Continuous == nil {
		return a
	}
	return Action{
		Continuous: a.Continuous.Map(func(v float64) float64 {
			return math.Max(-actionClip, math.Min(actionClip, v)) / actionClip
		}),
		Discrete: a.Discrete,
	}
}

// ActionStats are the per-sample log-probabilities, one column per
// continuous dimension then one per discrete branch, and summed entropy.
type ActionStats struct {
	LogProbs *tensor.Tensor // (N, ContinuousSize+DiscreteSize)
	Entropy  *tensor.Tensor // (N)
}

// ExportOutputs are the action tensors an exported actor emits.
type ExportOutputs struct {
	Continuous              *tensor.Tensor
	Discrete                *tensor.Tensor
	Deprecated              *tensor.Tensor
	DeterministicContinuous *tensor.Tensor
	DeterministicDiscrete   *tensor.Tensor
}

// ActionModel turns (N, E) encodings into action distributions. masks is
// (N, Σ branches) with 1 for allowed discrete actions, or nil.
type ActionModel interface {
	Sample(encoding, masks *tensor.Tensor) (Action, ActionStats, error)
	Evaluate(encoding, masks *tensor.Tensor, actions Action) (ActionStats, error)
	Export(encoding, masks *tensor.Tensor) (ExportOutputs, error)
	Params(prefix string) []nn.Param
	SetTraining(training bool)
}

// GaussianCategoricalHead is the default ActionModel: a diagonal Gaussian
// with state-independent log std for continuous actions and one softmax
// per discrete branch.
type GaussianCategoricalHead struct {
	spec          ActionSpec
	mu            *nn.Linear
	logStd        *tensor.Tensor
	branches      []*nn.Linear
	rng           *rand.Rand
	deterministic bool
}

// NewGaussianCategoricalHead builds the head for encodings of width embed.
// With deterministic set, Sample returns distribution modes.
func NewGaussianCategoricalHead(embed int, spec ActionSpec, deterministic bool, rng *rand.Rand) (*GaussianCategoricalHead, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	h := &GaussianCategoricalHead{spec: spec, rng: rng, deterministic: deterministic}
	if spec.ContinuousSize > 0 {
		h.mu = nn.NewLinear(embed, spec.ContinuousSize, true, rng)
		h.logStd = tensor.Zeros(spec.ContinuousSize)
	}
	for _, b := range spec.DiscreteBranches {
		h.branches = append(h.branches, nn.NewLinear(embed, b, true, rng))
	}
	return h, nil
}

func (h *GaussianCategoricalHead) flatten(a Action) []*tensor.Tensor {
	var parts []*tensor.Tensor
	if a.Continuous != nil {
		parts = append(parts, a.Continuous)
	}
	if a.Discrete != nil {
		parts = append(parts, a.Discrete)
	}
	return parts
}

// branchLogProbs returns the log-softmax of each branch, masks applied.
func (h *GaussianCategoricalHead) branchLogProbs(encoding, masks *tensor.Tensor) ([]*tensor.Tensor, error) {
	n := encoding.Dim(0)
	if masks != nil && (masks.Rank() != 2 || masks.Dim(0) != n || masks.Dim(1) != h.spec.DeprecatedSize()-h.spec.ContinuousSize) {
		return nil, fmt.Errorf("action mask shape %v does not match %d rows of branches %v", masks.Shape(), n, h.spec.DiscreteBranches)
	}
	out := make([]*tensor.Tensor, len(h.branches))
	offset := 0
	for k, layer := range h.branches {
		logits := layer.Forward(encoding)
		width := h.spec.DiscreteBranches[k]
		for i := 0; i < n; i++ {
			row := logits.Data()[i*width : (i+1)*width]
			if masks != nil {
				m := masks.Data()[i*masks.Dim(1)+offset : i*masks.Dim(1)+offset+width]
				for j := range row {
					if m[j] == 0 {
						row[j] = maskedLogit
					}
				}
			}
			floats.AddConst(-floats.LogSumExp(row), row)
		}
		out[k] = logits
		offset += width
	}
	return out, nil
}

// Sample draws actions, or takes the modes when the head is deterministic.
func (h *GaussianCategoricalHead) Sample(encoding, masks *tensor.Tensor) (Action, ActionStats, error) {
	return h.sample(encoding, masks, h.deterministic)
}

func (h *GaussianCategoricalHead) sample(encoding, masks *tensor.Tensor, deterministic bool) (Action, ActionStats, error) {
	var act Action
	n := encoding.Dim(0)
	if h.mu != nil {
		mean := h.mu.Forward(encoding)
		act.Continuous = mean.Clone()
		if !deterministic {
			std := h.logStd.Data()
			d := act.Continuous.Data()
			for i := range d {
				d[i] += math.Exp(std[i%len(std)]) * h.rng.NormFloat64()
			}
		}
	}
	if len(h.branches) > 0 {
		logp, err := h.branchLogProbs(encoding, masks)
		if err != nil {
			return Action{}, ActionStats{}, err
		}
		act.Discrete = tensor.Zeros(n, len(h.branches))
		for k, lp := range logp {
			for i := 0; i < n; i++ {
				row := lp.Index(i).Data()
				choice := floats.MaxIdx(row)
				if !deterministic {
					choice = h.sampleCategorical(row)
				}
				act.Discrete.Set(float64(choice), i, k)
			}
		}
	}
	stats, err := h.Evaluate(encoding, masks, act)
	return act, stats, err
}

func (h *GaussianCategoricalHead) sampleCategorical(logp []float64) int {
	u := h.rng.Float64()
	var acc float64
	for j, lp := range logp {
		acc += math.Exp(lp)
		if u < acc {
			return j
		}
	}
	return floats.MaxIdx(logp)
}

// Evaluate scores given actions under the current distributions.
func (h *GaussianCategoricalHead) Evaluate(encoding, masks *tensor.Tensor, actions Action) (ActionStats, error) {
	n := encoding.Dim(0)
	cols := h.spec.ContinuousSize + h.spec.DiscreteSize()
	stats := ActionStats{LogProbs: tensor.Zeros(n, cols), Entropy: tensor.Zeros(n)}
	if h.mu != nil {
		if actions.Continuous == nil || actions.Continuous.Rank() != 2 || actions.Continuous.Dim(0) != n {
			panic(mat.ErrShape)
		}
		mean := h.mu.Forward(encoding)
		for j := 0; j < h.spec.ContinuousSize; j++ {
			dist := distuv.Normal{Mu: 0, Sigma: math.Exp(h.logStd.At(j))}
			entropy := dist.Entropy()
			for i := 0; i < n; i++ {
				stats.LogProbs.Set(dist.LogProb(actions.Continuous.At(i, j)-mean.At(i, j)), i, j)
				stats.Entropy.Data()[i] += entropy
			}
		}
	}
	if len(h.branches) > 0 {
		if actions.Discrete == nil || actions.Discrete.Rank() != 2 || actions.Discrete.Dim(0) != n {
			panic(mat.ErrShape)
		}
		logp, err := h.branchLogProbs(encoding, masks)
		if err != nil {
			return ActionStats{}, err
		}
		for k, lp := range logp {
			for i := 0; i < n; i++ {
				row := lp.Index(i).Data()
				choice := int(actions.Discrete.At(i, k))
				if choice < 0 || choice >= len(row) {
					return ActionStats{}, fmt.Errorf("discrete action %d out of range for branch %d of size %d", choice, k, len(row))
				}
				stats.LogProbs.Set(row[choice], i, h.spec.ContinuousSize+k)
				var entropy float64
				for _, v := range row {
					entropy -= math.Exp(v) * v
				}
				stats.Entropy.Data()[i] += entropy
			}
		}
	}
	return stats, nil
}

// Export samples stochastic actions and also emits the distribution modes.
func (h *GaussianCategoricalHead) Export(encoding, masks *tensor.Tensor) (ExportOutputs, error) {
	sampled, _, err := h.sample(encoding, masks, h.deterministic)
	if err != nil {
		return ExportOutputs{}, err
	}
	modes, _, err := h.sample(encoding, masks, true)
	if err != nil {
		return ExportOutputs{}, err
	}
	sampled, modes = sampled.Clipped(), modes.Clipped()
	return ExportOutputs{
		Continuous:              sampled.Continuous,
		Discrete:                sampled.Discrete,
		Deprecated:              tensor.Concat(1, h.flatten(sampled)...),
		DeterministicContinuous: modes.Continuous,
		DeterministicDiscrete:   modes.Discrete,
	}, nil
}

// Params lists the head's weights.
func (h *GaussianCategoricalHead) Params(prefix string) []nn.Param {
	var ps []nn.Param
	if h.mu != nil {
		ps = append(ps, h.mu.Params(nn.JoinName(prefix, "mu"))...)
		ps = append(ps, nn.Param{Name: nn.JoinName(prefix, "log_std"), Value: h.logStd})
	}
	for i, b := range h.branches {
		ps = append(ps, b.Params(nn.JoinName(prefix, fmt.Sprintf("branches.%d", i)))...)
	}
	return ps
}

// SetTraining is a no-op; the head has no train-only layers.
func (h *GaussianCategoricalHead) SetTraining(bool) {}
