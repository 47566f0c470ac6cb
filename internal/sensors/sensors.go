// Package sensors classifies observation streams into modalities and gathers
// per-step observations into the tensors the fusion towers consume.
//
// Classification happens once, when a Partition is built. A sensor whose name
// contains RangingMarker is a ranging sensor; every other sensor is a state
// sensor. There is no third bucket.
package sensors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// RangingMarker is the name fragment that marks a ranging sensor.
const RangingMarker = "LidarSensor"

var (
	ErrNoRanging     = errors.New("no ranging sensors in observation specs")
	ErrNoState       = errors.New("no state sensors in observation specs")
	ErrRayMismatch   = errors.New("ranging sensors disagree on ray count")
	ErrLidarChannels = errors.New("ranging channel count does not match settings")
	ErrObservation   = errors.New("observation does not match its spec")
)

// ObservationType mirrors the trainer's observation tag. It is carried for
// diagnostics only and never affects routing.
type ObservationType int

const (
	ObservationDefault ObservationType = iota
	ObservationGoalSignal
)

func (t ObservationType) String() string {
	if t == ObservationGoalSignal {
		return "GOAL_SIGNAL"
	}
	return "DEFAULT"
}

// ObservationSpec describes one observation stream.
type ObservationSpec struct {
	Name  string
	Shape []int
	Type  ObservationType
}

// Size is the flattened element count of one observation.
func (s ObservationSpec) Size() int { return tensor.Numel(s.Shape) }

// Modality is the sensing modality a stream is routed to.
type Modality int

const (
	State Modality = iota
	Ranging
)

func (m Modality) String() string {
	if m == Ranging {
		return "ranging"
	}
	return "state"
}

// Classify routes a sensor by name.
func Classify(name string) Modality {
	if strings.Contains(name, RangingMarker) {
		return Ranging
	}
	return State
}

// Group is an ordered set of observation indices and their flattened sizes.
type Group struct {
	Indices []int
	Sizes   []int
}

// Total is the summed flattened size.
func (g Group) Total() int {
	n := 0
	for _, s := range g.Sizes {
		n += s
	}
	return n
}

func (g Group) clone() Group {
	return Group{Indices: append([]int(nil), g.Indices...), Sizes: append([]int(nil), g.Sizes...)}
}

// Partition is the fixed split of a spec list into ranging and state
// groups. It is immutable; accessors return copies.
type Partition struct {
	specs    []ObservationSpec
	ranging  Group
	state    Group
	channels []int // per ranging sensor
	rays     int
}

// NewPartition classifies specs. Ranging specs must be (C, R) or (C, R, 1)
// and agree on R; a one-dimensional ranging spec (R) counts as one channel.
func NewPartition(specs []ObservationSpec) (*Partition, error) {
	p := &Partition{specs: make([]ObservationSpec, len(specs))}
	for i, s := range specs {
		p.specs[i] = ObservationSpec{Name: s.Name, Shape: append([]int(nil), s.Shape...), Type: s.Type}
		switch Classify(s.Name) {
		case Ranging:
			c, r, err := rangingGeometry(s)
			if err != nil {
				return nil, err
			}
			if p.rays != 0 && r != p.rays {
				return nil, fmt.Errorf("%w: %s has %d rays, expected %d", ErrRayMismatch, s.Name, r, p.rays)
			}
			p.rays = r
			p.channels = append(p.channels, c)
			p.ranging.Indices = append(p.ranging.Indices, i)
			p.ranging.Sizes = append(p.ranging.Sizes, s.Size())
		default:
			p.state.Indices = append(p.state.Indices, i)
			p.state.Sizes = append(p.state.Sizes, s.Size())
		}
	}
	if len(p.ranging.Indices) == 0 {
		return nil, ErrNoRanging
	}
	if len(p.state.Indices) == 0 {
		return nil, ErrNoState
	}
	return p, nil
}

func rangingGeometry(s ObservationSpec) (channels, rays int, err error) {
	shape := s.Shape
	if len(shape) == 3 && shape[2] == 1 {
		shape = shape[:2]
	}
	switch {
	case len(shape) == 1 && shape[0] > 0:
		return 1, shape[0], nil
	case len(shape) == 2 && shape[0] > 0 && shape[1] > 0:
		return shape[0], shape[1], nil
	}
	return 0, 0, fmt.Errorf("ranging sensor %s: unsupported shape %v", s.Name, s.Shape)
}

// Len is the number of observation streams.
func (p *Partition) Len() int { return len(p.specs) }

// Ranging returns a copy of the ranging group.
func (p *Partition) Ranging() Group { return p.ranging.clone() }

// State returns a copy of the state group.
func (p *Partition) State() Group { return p.state.clone() }

// Specs returns a copy of the classified specs.
func (p *Partition) Specs() []ObservationSpec {
	out := make([]ObservationSpec, len(p.specs))
	for i, s := range p.specs {
		out[i] = ObservationSpec{Name: s.Name, Shape: append([]int(nil), s.Shape...), Type: s.Type}
	}
	return out
}

// RangingChannels is the summed channel count of the ranging group.
func (p *Partition) RangingChannels() int {
	n := 0
	for _, c := range p.channels {
		n += c
	}
	return n
}

// Rays is the shared ray count of the ranging group.
func (p *Partition) Rays() int { return p.rays }

// StateSize is the flattened state vector width.
func (p *Partition) StateSize() int { return p.state.Total() }

// CheckChannels fails when the derived ranging channel count differs from
// the configured one.
func (p *Partition) CheckChannels(want int) error {
	if got := p.RangingChannels(); got != want {
		return fmt.Errorf("%w: sensors provide %d, settings expect %d", ErrLidarChannels, got, want)
	}
	return nil
}

// Gather splits one step's observations into a (N, C, R) ranging tensor and
// a (N, S) state tensor. obs is indexed like the specs and each entry has a
// leading batch axis.
func (p *Partition) Gather(obs []*tensor.Tensor) (ranging, state *tensor.Tensor, err error) {
	if len(obs) != len(p.specs) {
		return nil, nil, fmt.Errorf("%w: got %d observations for %d specs", ErrObservation, len(obs), len(p.specs))
	}
	batch := -1
	rows := func(i int) (*tensor.Tensor, error) {
		x := obs[i]
		size := p.specs[i].Size()
		if x == nil || x.Rank() < 1 || x.Len() == 0 || x.Len()%size != 0 {
			return nil, fmt.Errorf("%w: %s", ErrObservation, p.specs[i].Name)
		}
		n := x.Len() / size
		if x.Dim(0) != n || (batch >= 0 && n != batch) {
			return nil, fmt.Errorf("%w: %s has shape %v", ErrObservation, p.specs[i].Name, x.Shape())
		}
		batch = n
		return x.Reshape(n, size), nil
	}

	parts := make([]*tensor.Tensor, 0, len(p.ranging.Indices))
	for k, i := range p.ranging.Indices {
		x, err := rows(i)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, x.Reshape(batch, p.channels[k], p.rays))
	}
	ranging = tensor.Concat(1, parts...)

	parts = parts[:0]
	for _, i := range p.state.Indices {
		x, err := rows(i)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, x)
	}
	state = tensor.Concat(1, parts...)
	return ranging, state, nil
}

// String summarises the split the way construction diagnostics print it.
func (p *Partition) String() string {
	return fmt.Sprintf("ranging=%v (total %d, channels %d, rays %d) state=%v (total %d)",
		p.ranging.Indices, p.ranging.Total(), p.RangingChannels(), p.rays, p.state.Indices, p.state.Total())
}

// Describe renders a multi-line dump of specs.
func Describe(specs []ObservationSpec) string {
	var b strings.Builder
	for i, s := range specs {
		fmt.Fprintf(&b, "[%d] %s shape=%v type=%s modality=%s\n", i, s.Name, s.Shape, s.Type, Classify(s.Name))
	}
	return b.String()
}
