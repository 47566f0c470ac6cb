package main

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sensorfusion/internal/agent"
	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/sensors"
	"github.com/banshee-data/sensorfusion/internal/tensor"
)

const (
	networkActor  = "actor"
	networkCritic = "critic"
)

// networkFlags describe the synthetic agent the commands build.
type networkFlags struct {
	rays       int
	stateSizes []int
	continuous int
	branches   []int
	streams    []string
}

func addNetworkFlags(cmd *cobra.Command, f *networkFlags) {
	cmd.Flags().IntVar(&f.rays, "rays", 16, "Rays per ranging scan")
	cmd.Flags().IntSliceVar(&f.stateSizes, "state", []int{3, 2}, "Sizes of the state sensors")
	cmd.Flags().IntVar(&f.continuous, "continuous", 2, "Continuous action size")
	cmd.Flags().IntSliceVar(&f.branches, "branches", []int{3}, "Discrete action branch sizes")
	cmd.Flags().StringSliceVar(&f.streams, "streams", []string{"extrinsic"}, "Critic reward streams")
}

// manifest is everything needed to rebuild a network before restoring a
// checkpoint into it.
type manifest struct {
	Settings *config.NetworkSettings  `json:"settings"`
	Specs    []sensors.ObservationSpec `json:"specs"`
	Action   agent.ActionSpec          `json:"action"`
	Streams  []string                  `json:"streams,omitempty"`
}

func newManifest(settings *config.NetworkSettings, f networkFlags) *manifest {
	specs := []sensors.ObservationSpec{
		{Name: sensors.RangingMarker, Shape: []int{settings.GetLidarChannels(), f.rays}},
	}
	for i, size := range f.stateSizes {
		specs = append(specs, sensors.ObservationSpec{Name: fmt.Sprintf("State%d", i), Shape: []int{size}})
	}
	return &manifest{
		Settings: settings,
		Specs:    specs,
		Action:   agent.ActionSpec{ContinuousSize: f.continuous, DiscreteBranches: f.branches},
		Streams:  f.streams,
	}
}

func decodeManifest(raw json.RawMessage) (*manifest, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("checkpoint carries no network manifest")
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode network manifest: %w", err)
	}
	return &m, nil
}

func (m *manifest) actor(opts agent.Options) (*agent.Actor, error) {
	return agent.NewActor(m.Specs, m.Settings, m.Action, nil, opts)
}

func (m *manifest) critic(opts agent.Options) (*agent.Critic, error) {
	return agent.NewCritic(m.Specs, m.Settings, m.Streams, opts)
}

// observations synthesises n timesteps of one trajectory: a ranging scan of
// a slowly rotating room plus noisy state readings.
func (m *manifest) observations(rng *rand.Rand, n int) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(m.Specs))
	for k, spec := range m.Specs {
		x := tensor.Zeros(append([]int{n}, spec.Shape...)...)
		if sensors.Classify(spec.Name) == sensors.Ranging {
			channels, rays := spec.Shape[0], spec.Shape[len(spec.Shape)-1]
			for t := 0; t < n; t++ {
				for c := 0; c < channels; c++ {
					for r := 0; r < rays; r++ {
						angle := 2*math.Pi*float64(r)/float64(rays) + 0.2*float64(t)
						x.Data()[(t*channels+c)*rays+r] = 0.5 + 0.4*math.Cos(angle+float64(c)) + 0.05*rng.NormFloat64()
					}
				}
			}
		} else {
			for i := range x.Data() {
				x.Data()[i] = rng.NormFloat64()
			}
		}
		out[k] = x
	}
	return out
}

// syntheticScan is a (1, 1, length) range profile for the VAE.
func syntheticScan(rng *rand.Rand, length int) *tensor.Tensor {
	x := tensor.Zeros(1, 1, length)
	for i := range x.Data() {
		angle := 2 * math.Pi * float64(i) / float64(length)
		x.Data()[i] = 1 + 0.5*math.Sin(angle) + 0.25*math.Sin(3*angle) + 0.02*rng.NormFloat64()
	}
	return x
}
