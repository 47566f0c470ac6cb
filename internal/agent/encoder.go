package agent

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/fusion"
	"github.com/banshee-data/sensorfusion/internal/metrics"
	"github.com/banshee-data/sensorfusion/internal/monitoring"
	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/sensors"
	"github.com/banshee-data/sensorfusion/internal/tensor"
	"github.com/banshee-data/sensorfusion/internal/timeutil"
	"github.com/banshee-data/sensorfusion/internal/window"
)

var (
	// ErrMemoryRequired means the settings carry no memory section. The
	// attention window cannot exist without one.
	ErrMemoryRequired = errors.New("cannot use custom attention without memory")
	// ErrSequenceLength means a batch does not divide into whole sequences.
	ErrSequenceLength = errors.New("batch is not a whole number of sequences")
)

// Options carries optional collaborators. The zero value is usable.
type Options struct {
	Metrics *metrics.Collector
	Clock   timeutil.Clock
	Rand    *rand.Rand // weight init and dropout; seeded from settings when nil
}

func (o Options) withDefaults(settings *config.NetworkSettings) Options {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.Rand == nil {
		o.Rand = nn.NewRand(settings.GetSeed())
	}
	return o
}

// Encoding is the result of one encode call.
type Encoding struct {
	Encoding  *tensor.Tensor // (N, E), sequence-major within each batch row
	Memories  *tensor.Tensor // (N/L, ContextLength·E)
	State     window.State   // window state after the last step
	Filled    int            // real tokens in the window after the last step
	Attention *tensor.Tensor // last step's (N/L, H, T, T) weights
}

// Encoder routes observations, runs SensorFusion step by step and threads
// the token window between steps.
type Encoder struct {
	name          string
	partition     *sensors.Partition
	fusion        *fusion.SensorFusion
	norm          *nn.RunningNorm // nil unless settings enable normalisation
	contextLength int
	embed         int
	metrics       *metrics.Collector
	clock         timeutil.Clock
}

// NewEncoder classifies specs and builds the fusion network. name labels
// diagnostics and metrics, typically "actor" or "critic".
func NewEncoder(name string, specs []sensors.ObservationSpec, settings *config.NetworkSettings, opts Options) (*Encoder, error) {
	if settings == nil || !settings.HasMemory() {
		return nil, fmt.Errorf("%s: %w", name, ErrMemoryRequired)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid settings: %w", name, err)
	}
	opts = opts.withDefaults(settings)

	monitoring.Verbosef("[%s] observation specs:\n%s", name, sensors.Describe(specs))
	partition, err := sensors.NewPartition(specs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := partition.CheckChannels(settings.GetLidarChannels()); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	monitoring.Verbosef("[%s] partition %s", name, partition)

	act, err := nn.ParseActivation(settings.GetActivation())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	contextLength, embed := settings.GetSequenceLength(), settings.GetMemorySize()
	if settings.GetBlockSize() < contextLength+1 {
		return nil, fmt.Errorf("%s: attention block size %d cannot hold %d past tokens plus the current one",
			name, settings.GetBlockSize(), contextLength)
	}
	fcfg := fusion.Config{
		Lidar: fusion.LidarCnnConfig{
			InChannels:   settings.GetLidarChannels(),
			BaseChannels: settings.GetLidarBaseChannels(),
			NumLevels:    settings.GetLidarLevels(),
			Activation:   act,
			Dropout:      settings.GetDropout(),
		},
		State: fusion.StateMlpConfig{
			StateDim:   partition.StateSize(),
			HiddenDim:  settings.GetHiddenUnits(),
			NumLayers:  settings.GetNumLayers(),
			Activation: act,
			Dropout:    settings.GetDropout(),
		},
		NumEmbeddings: embed,
		NumHeads:      settings.GetNumHeads(),
		BlockSize:     settings.GetBlockSize(),
		AttentionDrop: settings.GetAttentionDropout(),
		ResidualDrop:  settings.GetResidualDropout(),
	}
	f, err := fusion.New(fcfg, opts.Rand)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	e := &Encoder{
		name:          name,
		partition:     partition,
		fusion:        f,
		contextLength: contextLength,
		embed:         embed,
		metrics:       opts.Metrics,
		clock:         opts.Clock,
	}
	if settings.GetNormalize() {
		e.norm = nn.NewRunningNorm(partition.StateSize())
	}
	monitoring.Verbosef("[%s] encoder ready context=%d embed=%d params=%d",
		name, contextLength, embed, nn.CountParams(e.Params("")))
	return e, nil
}

func (e *Encoder) Name() string { return e.name }

// Partition is the fixed sensor split.
func (e *Encoder) Partition() *sensors.Partition { return e.partition }

// Fusion exposes the fusion network.
func (e *Encoder) Fusion() *fusion.SensorFusion { return e.fusion }

// ContextLength is the window capacity in tokens.
func (e *Encoder) ContextLength() int { return e.contextLength }

// EncodingSize is the token width E.
func (e *Encoder) EncodingSize() int { return e.embed }

// MemorySize is the width of one memory blob row, ContextLength·E.
func (e *Encoder) MemorySize() int { return e.contextLength * e.embed }

// Encode fuses a batch of N = B·sequenceLength observations laid out
// sequence-major per row (row b·L+t is timestep t of sequence b). memories
// is the (B, MemorySize) blob from the previous call, or nil at an episode
// start. Timesteps run strictly in order, each seeing the window as updated
// by the one before.
//
// The window's fill count is recovered from the blob's zero padding. Use
// EncodeFilled to pass the count from a previous Encoding instead.
func (e *Encoder) Encode(obs []*tensor.Tensor, memories *tensor.Tensor, sequenceLength int) (*Encoding, error) {
	return e.encode(obs, memories, -1, sequenceLength)
}

// EncodeFilled is Encode with the window's real-token count given
// explicitly, normally the Filled of the Encoding that produced memories.
func (e *Encoder) EncodeFilled(obs []*tensor.Tensor, memories *tensor.Tensor, filled, sequenceLength int) (*Encoding, error) {
	if filled < 0 {
		return nil, fmt.Errorf("%s: %w: negative fill count %d", e.name, window.ErrBlobShape, filled)
	}
	return e.encode(obs, memories, filled, sequenceLength)
}

// encode runs Encode; filled < 0 means infer the fill count from memories.
func (e *Encoder) encode(obs []*tensor.Tensor, memories *tensor.Tensor, filled, sequenceLength int) (*Encoding, error) {
	start := e.clock.Now()
	if sequenceLength <= 0 {
		return nil, fmt.Errorf("%w: sequence length %d", ErrSequenceLength, sequenceLength)
	}
	ranging, state, err := e.partition.Gather(obs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	if e.norm != nil {
		state = e.norm.Normalize(state)
	}
	n := ranging.Dim(0)
	if n%sequenceLength != 0 {
		return nil, fmt.Errorf("%w: %d rows, sequence length %d", ErrSequenceLength, n, sequenceLength)
	}
	batch := n / sequenceLength
	channels, rays := ranging.Dim(1), ranging.Dim(2)
	ranging = ranging.Reshape(batch, sequenceLength, channels*rays)
	state = state.Reshape(batch, sequenceLength, state.Dim(1))

	var win *window.Window
	if filled < 0 {
		win, err = window.Restore(memories, e.contextLength, e.embed)
	} else {
		win, err = window.RestoreFilled(memories, filled, e.contextLength, e.embed)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	if win.Batch() != 0 && win.Batch() != batch {
		return nil, fmt.Errorf("%s: %w: memories hold %d rows, observations %d", e.name, window.ErrBlobShape, win.Batch(), batch)
	}

	tokens := make([]*tensor.Tensor, sequenceLength)
	var attention *tensor.Tensor
	for t := 0; t < sequenceLength; t++ {
		step, err := e.fusion.ForwardTrace(
			ranging.Narrow(1, t, 1).Reshape(batch, channels, rays),
			state.Narrow(1, t, 1).Reshape(batch, state.Dim(2)),
			win.Past(),
		)
		if err != nil {
			return nil, fmt.Errorf("%s step %d: %w", e.name, t, err)
		}
		win.Push(step.Token)
		tokens[t], attention = step.Token, step.Attention
	}

	blob, err := win.Flatten()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	out := &Encoding{
		Encoding:  tensor.Stack(tokens...).SwapAxes(0, 1).Reshape(n, e.embed),
		Memories:  blob,
		State:     win.State(),
		Filled:    win.Filled(),
		Attention: attention,
	}
	e.metrics.ObserveEncode(e.name, sequenceLength, win.Filled(), e.clock.Since(start))
	return out, nil
}

// TraceStep records the window after one timestep of Trace.
type TraceStep struct {
	Token     *tensor.Tensor // (1, E)
	State     window.State
	Filled    int
	Attention *tensor.Tensor // (1, H, T, T)
}

// Trace runs one episode of a single trajectory from an empty window and
// records the window after every step. obs rows are timesteps in order.
func (e *Encoder) Trace(obs []*tensor.Tensor) ([]TraceStep, error) {
	ranging, state, err := e.partition.Gather(obs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	if e.norm != nil {
		state = e.norm.Normalize(state)
	}
	win, err := window.New(e.contextLength, e.embed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	steps := make([]TraceStep, ranging.Dim(0))
	for t := range steps {
		step, err := e.fusion.ForwardTrace(ranging.Narrow(0, t, 1), state.Narrow(0, t, 1), win.Past())
		if err != nil {
			return nil, fmt.Errorf("%s step %d: %w", e.name, t, err)
		}
		win.Push(step.Token)
		steps[t] = TraceStep{Token: step.Token, State: win.State(), Filled: win.Filled(), Attention: step.Attention}
	}
	return steps, nil
}

// UpdateNormalization folds a batch of observations into the running state
// statistics. It is a no-op when normalisation is disabled.
func (e *Encoder) UpdateNormalization(obs []*tensor.Tensor) error {
	if e.norm == nil {
		return nil
	}
	_, state, err := e.partition.Gather(obs)
	if err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	e.norm.Update(state)
	e.metrics.ObserveNormUpdate(e.name)
	return nil
}

// NormStats snapshots the running statistics; ok is false when
// normalisation is disabled.
func (e *Encoder) NormStats() (stats nn.NormStats, ok bool) {
	if e.norm == nil {
		return nn.NormStats{}, false
	}
	return e.norm.Snapshot(), true
}

// SyncNormalization copies count, mean and variance from other as one unit.
func (e *Encoder) SyncNormalization(other *Encoder) error {
	if e.norm == nil || other.norm == nil {
		return fmt.Errorf("%s: normalisation is not enabled on both encoders", e.name)
	}
	return e.norm.CopyFrom(other.norm)
}

// Params lists the fusion weights, then the normaliser state when enabled.
func (e *Encoder) Params(prefix string) []nn.Param {
	ps := e.fusion.Params(nn.JoinName(prefix, "sensor_fusion"))
	if e.norm != nil {
		ps = append(ps, e.norm.Params(nn.JoinName(prefix, "normalizer"))...)
	}
	return ps
}

// SetTraining toggles dropout and batch statistics in the fusion network.
func (e *Encoder) SetTraining(training bool) { e.fusion.SetTraining(training) }
