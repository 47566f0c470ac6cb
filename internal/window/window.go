// Package window keeps the rolling context of past fusion tokens and its
// flattened memory-blob form.
package window

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/tensor"
)

var (
	// ErrBlobShape means a memory blob does not match the window geometry.
	ErrBlobShape = errors.New("memory blob shape mismatch")
	// ErrEmpty means the window holds no tokens yet.
	ErrEmpty = errors.New("window is empty")
)

// State is the fill level of a window.
type State int

const (
	Empty State = iota
	Partial
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Partial:
		return "PARTIAL"
	case Full:
		return "FULL"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Window is a fixed-capacity FIFO of (B, E) tokens, oldest first. Once the
// first token arrives it always holds exactly Capacity slots, zero padded at
// the front until enough real tokens have been pushed.
//
// Push replaces the backing tensor rather than writing into it, so tensors
// handed out by Past stay valid after later pushes.
type Window struct {
	capacity int
	embed    int
	tokens   *tensor.Tensor // (B, capacity, embed); nil while empty
	filled   int
}

// New returns an empty window.
func New(capacity, embed int) (*Window, error) {
	if capacity <= 0 || embed <= 0 {
		return nil, fmt.Errorf("window geometry must be positive: capacity=%d embed=%d", capacity, embed)
	}
	return &Window{capacity: capacity, embed: embed}, nil
}

// Restore rebuilds a window from a memory blob. A nil blob yields an empty
// window, which is how callers reset at episode boundaries. The fill count
// is recovered from the zero padding: leading slots that are zero in every
// row count as padding, so an all-zero blob restores as Empty.
func Restore(blob *tensor.Tensor, capacity, embed int) (*Window, error) {
	w, err := New(capacity, embed)
	if err != nil || blob == nil {
		return w, err
	}
	tokens, err := Unflatten(blob, capacity, embed)
	if err != nil {
		return nil, err
	}
	w.tokens, w.filled = tokens, capacity-leadingPadding(tokens)
	return w, nil
}

// RestoreFilled is Restore for callers that track the real-token count
// themselves. filled must lie in [0, capacity].
func RestoreFilled(blob *tensor.Tensor, filled, capacity, embed int) (*Window, error) {
	if filled < 0 || filled > capacity {
		return nil, fmt.Errorf("%w: filled=%d outside [0, %d]", ErrBlobShape, filled, capacity)
	}
	w, err := Restore(blob, capacity, embed)
	if err != nil || blob == nil {
		return w, err
	}
	w.filled = filled
	return w, nil
}

// leadingPadding counts the oldest slots of (B, L, E) tokens that are zero
// in every row.
func leadingPadding(tokens *tensor.Tensor) int {
	batch, capacity, embed := tokens.Dim(0), tokens.Dim(1), tokens.Dim(2)
	data := tokens.Data()
	for slot := 0; slot < capacity; slot++ {
		for b := 0; b < batch; b++ {
			off := (b*capacity + slot) * embed
			for _, v := range data[off : off+embed] {
				if v != 0 {
					return slot
				}
			}
		}
	}
	return capacity
}

func (w *Window) Capacity() int { return w.capacity }

func (w *Window) Embed() int { return w.embed }

// Batch is the number of rows, or 0 while empty.
func (w *Window) Batch() int {
	if w.tokens == nil {
		return 0
	}
	return w.tokens.Dim(0)
}

// Filled counts real tokens, capped at Capacity.
func (w *Window) Filled() int { return w.filled }

// State derives EMPTY, PARTIAL or FULL from the fill count.
func (w *Window) State() State {
	switch {
	case w.filled == 0:
		return Empty
	case w.filled < w.capacity:
		return Partial
	default:
		return Full
	}
}

// Push drops the oldest slot and appends token, which must be (B, E) with
// the same B as earlier pushes.
func (w *Window) Push(token *tensor.Tensor) {
	if token.Rank() != 2 || token.Dim(1) != w.embed {
		panic(mat.ErrShape)
	}
	batch := token.Dim(0)
	newest := token.Clone().Reshape(batch, 1, w.embed)
	if w.tokens == nil {
		pad := tensor.Zeros(batch, w.capacity-1, w.embed)
		w.tokens = tensor.Concat(1, pad, newest)
	} else {
		if batch != w.tokens.Dim(0) {
			panic(mat.ErrShape)
		}
		w.tokens = tensor.Concat(1, w.tokens.Narrow(1, 1, w.capacity-1), newest)
	}
	if w.filled < w.capacity {
		w.filled++
	}
}

// Past is the (B, Capacity, E) window, or nil while empty.
func (w *Window) Past() *tensor.Tensor { return w.tokens }

// Slot returns slot i (0 is oldest) as a (B, E) copy.
func (w *Window) Slot(i int) *tensor.Tensor {
	if w.tokens == nil || i < 0 || i >= w.capacity {
		panic(mat.ErrShape)
	}
	return w.tokens.Narrow(1, i, 1).Reshape(w.tokens.Dim(0), w.embed)
}

// Reset empties the window.
func (w *Window) Reset() {
	w.tokens, w.filled = nil, 0
}

// Flatten returns the (B, Capacity·E) memory blob.
func (w *Window) Flatten() (*tensor.Tensor, error) {
	if w.tokens == nil {
		return nil, ErrEmpty
	}
	return Flatten(w.tokens), nil
}

// BlobWidth is Capacity·E.
func (w *Window) BlobWidth() int { return w.capacity * w.embed }

// Flatten turns (B, L, E) tokens into a (B, L·E) blob.
func Flatten(tokens *tensor.Tensor) *tensor.Tensor {
	if tokens.Rank() != 3 {
		panic(mat.ErrShape)
	}
	return tokens.Clone().Reshape(tokens.Dim(0), tokens.Dim(1)*tokens.Dim(2))
}

// Unflatten turns a (B, L·E) blob into (B, L, E) tokens. A (1, B, L·E)
// blob, the layout recurrent memories use, is accepted as well.
func Unflatten(blob *tensor.Tensor, capacity, embed int) (*tensor.Tensor, error) {
	width := capacity * embed
	shape := blob.Shape()
	if len(shape) == 3 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 || shape[1] != width || shape[0] == 0 {
		return nil, fmt.Errorf("%w: got %v, want (B, %d)", ErrBlobShape, blob.Shape(), width)
	}
	return blob.Clone().Reshape(shape[0], capacity, embed), nil
}
