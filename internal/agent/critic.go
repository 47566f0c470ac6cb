package agent

import (
	"errors"
	"fmt"

	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/nn"
	"github.com/banshee-data/sensorfusion/internal/sensors"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// ErrNoStreams means a critic was built without reward streams.
var ErrNoStreams = errors.New("critic needs at least one reward stream")

// Critic estimates one value per reward stream from the shared encoding.
type Critic struct {
	encoder *Encoder
	streams []string
	heads   map[string]*nn.Linear
}

// NewCritic builds the critic with a Linear(E, 1) head per stream.
func NewCritic(specs []sensors.ObservationSpec, settings *config.NetworkSettings, streams []string, opts Options) (*Critic, error) {
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}
	if settings != nil {
		opts = opts.withDefaults(settings)
	}
	enc, err := NewEncoder("critic", specs, settings, opts)
	if err != nil {
		return nil, err
	}
	c := &Critic{encoder: enc, streams: append([]string(nil), streams...), heads: make(map[string]*nn.Linear, len(streams))}
	for _, s := range streams {
		if _, dup := c.heads[s]; dup {
			return nil, fmt.Errorf("critic: duplicate reward stream %q", s)
		}
		c.heads[s] = nn.NewLinear(enc.EncodingSize(), 1, true, opts.Rand)
	}
	return c, nil
}

// Encoder returns the critic's observation encoder.
func (c *Critic) Encoder() *Encoder { return c.encoder }

// Streams lists reward stream names in construction order.
func (c *Critic) Streams() []string { return append([]string(nil), c.streams...) }

func (c *Critic) MemorySize() int { return c.encoder.MemorySize() }

// CriticPass returns an (N) value tensor per stream and the updated memories.
func (c *Critic) CriticPass(obs []*tensor.Tensor, memories *tensor.Tensor, sequenceLength int) (map[string]*tensor.Tensor, *tensor.Tensor, error) {
	enc, err := c.encoder.Encode(obs, memories, sequenceLength)
	if err != nil {
		return nil, nil, err
	}
	n := enc.Encoding.Dim(0)
	values := make(map[string]*tensor.Tensor, len(c.heads))
	for name, head := range c.heads {
		values[name] = head.Forward(enc.Encoding).Reshape(n)
	}
	return values, enc.Memories, nil
}

// UpdateNormalization forwards to the encoder.
func (c *Critic) UpdateNormalization(obs []*tensor.Tensor) error {
	return c.encoder.UpdateNormalization(obs)
}

// Params lists the encoder weights followed by one value head per stream.
func (c *Critic) Params(prefix string) []nn.Param {
	ps := c.encoder.Params(prefix)
	for _, s := range c.streams {
		ps = append(ps, c.heads[s].Params(nn.JoinName(prefix, "value_heads."+s))...)
	}
	return ps
}

// SetTraining switches the encoder between modes.
func (c *Critic) SetTraining(training bool) { c.encoder.SetTraining(training) }
