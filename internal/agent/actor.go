package agent

import (
	"fmt"

	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/sensors"
	"github.com/banshee-data/sensorfusion/internal/tensor"
	"github.com/banshee-data/sensorfusion/internal/version"
)

// Export output names, in wire order. Optional groups are omitted together.
const (
	OutputVersion                 = "version_number"
	OutputMemorySize              = "memory_size"
	OutputContinuous              = "continuous_actions"
	OutputContinuousShape         = "continuous_action_output_shape"
	OutputDeterministicContinuous = "deterministic_continuous_actions"
	OutputDiscrete                = "discrete_actions"
	OutputDiscreteShape           = "discrete_action_output_shape"
	OutputDeterministicDiscrete   = "deterministic_discrete_actions"
	OutputMemories                = "recurrent_out"
)

// ExportSizes are the constant marker tensors of an exported actor.
type ExportSizes struct {
	Version          *tensor.Tensor // (1)
	MemorySize       *tensor.Tensor // (1)
	ContinuousSize   *tensor.Tensor // (1)
	DiscreteBranches *tensor.Tensor // (len(branches))
	// DeprecatedActionSize is continuous size plus all branch sizes. Old
	// consumers read it; it is not part of the export tuple.
	DeprecatedActionSize *tensor.Tensor // (1)
}

// RunOutput is what inference returns alongside the raw action.
type RunOutput struct {
	EnvAction Action // clipped continuous actions
	LogProbs  *tensor.Tensor
	Entropy   *tensor.Tensor
}

// Actor is the policy network: an Encoder followed by an ActionModel.
type Actor struct {
	encoder *Encoder
	spec    ActionSpec
	model   ActionModel
	sizes   ExportSizes
}

// NewActor builds the actor. A nil model selects GaussianCategoricalHead,
// deterministic when settings say so.
func NewActor(specs []sensors.ObservationSpec, settings *config.NetworkSettings, spec ActionSpec, model ActionModel, opts Options) (*Actor, error) {
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("actor: %w", err)
	}
	if settings != nil {
		opts = opts.withDefaults(settings)
	}
	enc, err := NewEncoder("actor", specs, settings, opts)
	if err != nil {
		return nil, err
	}
	if model == nil {
		model, err = NewGaussianCategoricalHead(enc.EncodingSize(), spec, settings.GetDeterministic(), opts.Rand)
		if err != nil {
			return nil, fmt.Errorf("actor: %w", err)
		}
	}
	branches := make([]float64, len(spec.DiscreteBranches))
	for i, b := range spec.DiscreteBranches {
		branches[i] = float64(b)
	}
	return &Actor{
		encoder: enc,
		spec:    spec,
		model:   model,
		sizes: ExportSizes{
			Version:              tensor.New([]int{1}, []float64{version.ModelExportVersion}),
			MemorySize:           tensor.New([]int{1}, []float64{float64(enc.MemorySize())}),
			ContinuousSize:       tensor.New([]int{1}, []float64{float64(spec.ContinuousSize)}),
			DiscreteBranches:     tensor.New([]int{len(branches)}, branches),
			DeprecatedActionSize: tensor.New([]int{1}, []float64{float64(spec.DeprecatedSize())}),
		},
	}, nil
}

// Encoder returns the actor's observation encoder.
func (a *Actor) Encoder() *Encoder { return a.encoder }

func (a *Actor) ActionSpec() ActionSpec { return a.spec }

// MemorySize is the memory slot width the trainer must allocate.
func (a *Actor) MemorySize() int { return a.encoder.MemorySize() }

// ExportSizes returns the marker tensors.
func (a *Actor) ExportSizes() ExportSizes { return a.sizes }

// GetActionAndStats samples actions for inference and returns the updated
// memories.
func (a *Actor) GetActionAndStats(obs []*tensor.Tensor, masks, memories *tensor.Tensor, sequenceLength int) (Action, RunOutput, *tensor.Tensor, error) {
	enc, err := a.encoder.Encode(obs, memories, sequenceLength)
	if err != nil {
		return Action{}, RunOutput{}, nil, err
	}
	action, stats, err := a.model.Sample(enc.Encoding, masks)
	if err != nil {
		return Action{}, RunOutput{}, nil, fmt.Errorf("actor: %w", err)
	}
	return action, RunOutput{EnvAction: action.Clipped(), LogProbs: stats.LogProbs, Entropy: stats.Entropy}, enc.Memories, nil
}

// GetStats evaluates log-probabilities and entropy of actions already
// taken.
func (a *Actor) GetStats(obs []*tensor.Tensor, actions Action, masks, memories *tensor.Tensor, sequenceLength int) (ActionStats, error) {
	enc, err := a.encoder.Encode(obs, memories, sequenceLength)
	if err != nil {
		return ActionStats{}, err
	}
	stats, err := a.model.Evaluate(enc.Encoding, masks, actions)
	if err != nil {
		return ActionStats{}, fmt.Errorf("actor: %w", err)
	}
	return stats, nil
}

// Export runs one step and returns the export tuple:
//
//	version, memory_size,
//	[continuous, continuous_size, deterministic_continuous],
//	[discrete, discrete_branches, deterministic_discrete],
//	[memories]
//
// Bracketed groups appear only when configured. The order is consumed
// positionally downstream and must not change.
func (a *Actor) Export(obs []*tensor.Tensor, masks, memories *tensor.Tensor) ([]*tensor.Tensor, error) {
	enc, err := a.encoder.Encode(obs, memories, 1)
	if err != nil {
		return nil, err
	}
	outs, err := a.model.Export(enc.Encoding, masks)
	if err != nil {
		return nil, fmt.Errorf("actor: %w", err)
	}
	tuple := []*tensor.Tensor{a.sizes.Version, a.sizes.MemorySize}
	if a.spec.ContinuousSize > 0 {
		tuple = append(tuple, outs.Continuous, a.sizes.ContinuousSize, outs.DeterministicContinuous)
	}
	if a.spec.DiscreteSize() > 0 {
		tuple = append(tuple, outs.Discrete, a.sizes.DiscreteBranches, outs.DeterministicDiscrete)
	}
	if a.MemorySize() > 0 {
		tuple = append(tuple, enc.Memories)
	}
	return tuple, nil
}

// ExportNames names the elements Export returns, in the same order.
func (a *Actor) ExportNames() []string {
	names := []string{OutputVersion, OutputMemorySize}
	if a.spec.ContinuousSize > 0 {
		names = append(names, OutputContinuous, OutputContinuousShape, OutputDeterministicContinuous)
	}
	if a.spec.DiscreteSize() > 0 {
		names = append(names, OutputDiscrete, OutputDiscreteShape, OutputDeterministicDiscrete)
	}
	if a.MemorySize() > 0 {
		names = append(names, OutputMemories)
	}
	return names
}

// UpdateNormalization forwards to the encoder.
func (a *Actor) UpdateNormalization(obs []*tensor.Tensor) error {
	return a.encoder.UpdateNormalization(obs)
}

// Params lists the encoder weights followed by the action model.
func (a *Actor) Params(prefix string) []nn.Param {
	ps := a.encoder.Params(prefix)
	return append(ps, a.model.Params(nn.JoinName(prefix, "action_model"))...)
}

// SetTraining switches the encoder and action model between modes.
func (a *Actor) SetTraining(training bool) {
	a.encoder.SetTraining(training)
	a.model.SetTraining(training)
}
