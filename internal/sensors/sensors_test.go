package sensors

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

func droneSpecs() []ObservationSpec {
	return []ObservationSpec{
		{Name: "LidarSensorFront", Shape: []int{3, 8, 1}},
		{Name: "Imu", Shape: []int{6}},
		{Name: "LidarSensorRear", Shape: []int{3, 8}},
		{Name: "Goal", Shape: []int{2, 2}, Type: ObservationGoalSignal},
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]Modality{
		"LidarSensor":          Ranging,
		"SpatialLidarSensor_3": Ranging,
		"lidarsensor":          State,
		"Lidar":                State,
		"Barometer":            State,
		"":                     State,
	}
	for name, want := range cases {
		assert.Equal(t, want, Classify(name), "name %q", name)
	}
}

func TestNewPartition(t *testing.T) {
	p, err := NewPartition(droneSpecs())
	require.NoError(t, err)

	if diff := cmp.Diff(Group{Indices: []int{0, 2}, Sizes: []int{24, 24}}, p.Ranging()); diff != "" {
		t.Errorf("ranging group mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Group{Indices: []int{1, 3}, Sizes: []int{6, 4}}, p.State()); diff != "" {
		t.Errorf("state group mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 6, p.RangingChannels())
	assert.Equal(t, 8, p.Rays())
	assert.Equal(t, 10, p.StateSize())
	assert.NoError(t, p.CheckChannels(6))
	assert.True(t, errors.Is(p.CheckChannels(4), ErrLidarChannels))
	assert.Contains(t, p.String(), "rays 8")
}

func TestPartition_IsImmutable(t *testing.T) {
	specs := droneSpecs()
	p, err := NewPartition(specs)
	require.NoError(t, err)

	g := p.Ranging()
	g.Indices[0] = 99
	specs[0].Shape[1] = 100
	got := p.Specs()
	got[1].Name = "changed"

	assert.Equal(t, []int{0, 2}, p.Ranging().Indices)
	assert.Equal(t, 8, p.Specs()[0].Shape[1])
	assert.Equal(t, "Imu", p.Specs()[1].Name)
}

func TestNewPartition_Errors(t *testing.T) {
	cases := []struct {
		name  string
		specs []ObservationSpec
		want  error
	}{
		{"no ranging", []ObservationSpec{{Name: "Imu", Shape: []int{3}}}, ErrNoRanging},
		{"no state", []ObservationSpec{{Name: "LidarSensor", Shape: []int{6, 4}}}, ErrNoState},
		{"ray mismatch", []ObservationSpec{
			{Name: "LidarSensorA", Shape: []int{3, 4}},
			{Name: "LidarSensorB", Shape: []int{3, 5}},
			{Name: "Imu", Shape: []int{3}},
		}, ErrRayMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPartition(tc.specs)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	_, err := NewPartition([]ObservationSpec{{Name: "LidarSensor", Shape: []int{2, 3, 4}}, {Name: "Imu", Shape: []int{1}}})
	assert.Error(t, err)
}

func TestGather(t *testing.T) {
	p, err := NewPartition(droneSpecs())
	require.NoError(t, err)

	const batch = 2
	fill := func(v float64, shape ...int) *tensor.Tensor { return tensor.Full(v, append([]int{batch}, shape...)...) }
	obs := []*tensor.Tensor{fill(1, 3, 8, 1), fill(2, 6), fill(3, 3, 8), fill(4, 2, 2)}

	ranging, state, err := p.Gather(obs)
	require.NoError(t, err)
	assert.Equal(t, []int{batch, 6, 8}, ranging.Shape())
	assert.Equal(t, []int{batch, 10}, state.Shape())
	assert.Equal(t, 1.0, ranging.At(1, 2, 7))
	assert.Equal(t, 3.0, ranging.At(1, 3, 0))
	assert.Equal(t, 2.0, state.At(0, 5))
	assert.Equal(t, 4.0, state.At(0, 6))

	_, _, err = p.Gather(obs[:3])
	assert.True(t, errors.Is(err, ErrObservation))

	obs[3] = tensor.Zeros(3, 2, 2)
	_, _, err = p.Gather(obs)
	assert.True(t, errors.Is(err, ErrObservation), "batch mismatch must fail")
}

func TestDescribe(t *testing.T) {
	out := Describe(droneSpecs())
	assert.Contains(t, out, "[0] LidarSensorFront shape=[3 8 1] type=DEFAULT modality=ranging")
	assert.Contains(t, out, "[3] Goal shape=[2 2] type=GOAL_SIGNAL modality=state")
}
