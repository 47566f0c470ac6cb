package window

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

// token builds a (batch, embed) token whose entries all equal v.
func token(v float64, batch, embed int) *tensor.Tensor {
	return tensor.Full(v, batch, embed)
}

func TestWindow_FIFO(t *testing.T) {
	w, err := New(3, 2)
	require.NoError(t, err)
	assert.Equal(t, Empty, w.State())
	assert.Nil(t, w.Past())
	_, err = w.Flatten()
	assert.True(t, errors.Is(err, ErrEmpty))

	states := []State{Partial, Partial, Full, Full, Full}
	for i, want := range states {
		w.Push(token(float64(i+1), 2, 2))
		assert.Equal(t, want, w.State(), "after push %d", i+1)
		assert.Equal(t, []int{2, 3, 2}, w.Past().Shape())
	}

	var got []float64
	for i := 0; i < w.Capacity(); i++ {
		got = append(got, w.Slot(i).At(0, 0))
	}
	if diff := cmp.Diff([]float64{3, 4, 5}, got); diff != "" {
		t.Errorf("window contents mismatch (-want +got):\n%s", diff)
	}
}

func TestWindow_PaddingBeforeFull(t *testing.T) {
	w, err := New(4, 1)
	require.NoError(t, err)
	w.Push(token(7, 1, 1))

	blob, err := w.Flatten()
	require.NoError(t, err)
	if diff := cmp.Diff([]float64{0, 0, 0, 7}, blob.Data()); diff != "" {
		t.Errorf("padded blob mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, w.Filled())
}

func TestWindow_PastSurvivesPush(t *testing.T) {
	w, _ := New(2, 2)
	w.Push(token(1, 1, 2))
	past := w.Past()
	snapshot := past.Clone()
	w.Push(token(2, 1, 2))
	assert.True(t, past.Equal(snapshot))
}

func TestWindow_PushRejectsBadShapes(t *testing.T) {
	w, _ := New(2, 3)
	assert.Panics(t, func() { w.Push(token(1, 1, 4)) })
	w.Push(token(1, 2, 3))
	assert.Panics(t, func() { w.Push(token(1, 3, 3)) })
}

func TestFlattenUnflatten_RoundTrip(t *testing.T) {
	w, _ := New(3, 4)
	for i := 0; i < 5; i++ {
		tok := tensor.Zeros(2, 4)
		for j := range tok.Data() {
			tok.Data()[j] = float64(i*10 + j)
		}
		w.Push(tok)
	}
	blob, err := w.Flatten()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12}, blob.Shape())

	back, err := Unflatten(blob, 3, 4)
	require.NoError(t, err)
	assert.True(t, back.Equal(w.Past()))

	restored, err := Restore(blob, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, Full, restored.State())
	assert.True(t, restored.Past().Equal(w.Past()))
}

func TestUnflatten_Shapes(t *testing.T) {
	cases := []struct {
		name  string
		shape []int
		ok    bool
	}{
		{"batch blob", []int{5, 8}, true},
		{"leading memory axis", []int{1, 5, 8}, true},
		{"wrong width", []int{5, 9}, false},
		{"flat vector", []int{8}, false},
		{"leading axis not one", []int{2, 5, 8}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unflatten(tensor.Zeros(tc.shape...), 2, 4)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrBlobShape), "got %v", err)
		})
	}
}

func TestRestore_NilIsEmpty(t *testing.T) {
	w, err := Restore(nil, 4, 8)
	require.NoError(t, err)
	assert.Equal(t, Empty, w.State())
	assert.Equal(t, 32, w.BlobWidth())

	_, err = Restore(tensor.Zeros(1, 31), 4, 8)
	assert.True(t, errors.Is(err, ErrBlobShape))
}

func TestNew_RejectsBadGeometry(t *testing.T) {
	_, err := New(0, 4)
	assert.Error(t, err)
	assert.Equal(t, "FULL", Full.String())
}

func TestRestore_RecoversFillFromPadding(t *testing.T) {
	w, _ := New(4, 2)
	for i := 1; i <= 6; i++ {
		w.Push(token(float64(i), 2, 2))
		blob, err := w.Flatten()
		require.NoError(t, err)

		restored, err := Restore(blob, 4, 2)
		require.NoError(t, err)
		assert.Equal(t, w.Filled(), restored.Filled(), "after push %d", i)
		assert.Equal(t, w.State(), restored.State(), "after push %d", i)
	}

	zeros, err := Restore(tensor.Zeros(3, 8), 4, 2)
	require.NoError(t, err)
	assert.Equal(t, Empty, zeros.State())
	zeros.Push(token(1, 3, 2))
	assert.Equal(t, Partial, zeros.State())
	assert.Equal(t, 1, zeros.Filled())
}

func TestRestoreFilled(t *testing.T) {
	w, _ := New(3, 1)
	w.Push(token(5, 1, 1))
	blob, err := w.Flatten()
	require.NoError(t, err)

	restored, err := RestoreFilled(blob, 3, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, Full, restored.State())

	restored, err = RestoreFilled(blob, 1, 3, 1)
	require.NoError(t, err)
	restored.Push(token(6, 1, 1))
	assert.Equal(t, 2, restored.Filled())
	assert.Equal(t, Partial, restored.State())

	_, err = RestoreFilled(blob, 4, 3, 1)
	assert.True(t, errors.Is(err, ErrBlobShape))
	empty, err := RestoreFilled(nil, 0, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, Empty, empty.State())
}
