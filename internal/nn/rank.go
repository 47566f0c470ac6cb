package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Rank is the number of spatial axes a convolutional tower operates on.
// It is fixed when a layer is built and selects the kernel geometry and the
// interpolation mode.
type Rank int

const (
	Rank1D Rank = 1
	Rank2D Rank = 2
	Rank3D Rank = 3
)

// ParseRank validates a spatial rank.
func ParseRank(d int) (Rank, error) {
	r := Rank(d)
	if !r.Valid() {
		return 0, fmt.Errorf("spatial rank must be 1, 2 or 3, got %d", d)
	}
	return r, nil
}

// Valid reports whether r is one of the supported ranks.
func (r Rank) Valid() bool { return r >= Rank1D && r <= Rank3D }

func (r Rank) String() string { return fmt.Sprintf("%dd", int(r)) }

// InterpolationMode names the ×2 upsampling used by decoders of this rank.
func (r Rank) InterpolationMode() string {
	switch r {
	case Rank1D:
		return "linear"
	case Rank2D:
		return "bilinear"
	case Rank3D:
		return "trilinear"
	}
	return "unknown"
}

// volume lifts r spatial extents into depth/height/width, padding leading
// axes with 1.
func (r Rank) volume(spatial []int) [3]int {
	if len(spatial) != int(r) {
		panic(mat.ErrShape)
	}
	v := [3]int{1, 1, 1}
	copy(v[3-len(spatial):], spatial)
	return v
}

// extent places k on the active axes and 1 (or 0 for padding) elsewhere.
func (r Rank) extent(k, inactive int) [3]int {
	v := [3]int{inactive, inactive, inactive}
	for i := 3 - int(r); i < 3; i++ {
		v[i] = k
	}
	return v
}

// spatial drops the padded leading axes again.
func (r Rank) spatial(v [3]int) []int {
	return append([]int(nil), v[3-int(r):]...)
}
