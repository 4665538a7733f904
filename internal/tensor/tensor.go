// Package tensor provides the dense float32 tensor used to hold filter weights.
//
// A Tensor stores its elements in a flat, row-major slice together with the
// shape and precomputed strides. Sub-tensor accessors return views that share
// the underlying storage; nothing in this package copies data unless the
// method name says so (FromSlice, Clone).
package tensor

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// MaxElements bounds the number of elements a tensor may hold (8 GiB of
// float32).
const MaxElements = 1 << 31

// Tensor represents a multi-dimensional array of float32 values.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions, e.g. [layers, heads, dim]
	Strides []int     // Precomputed strides for indexing
}

// New creates a zero-filled tensor with the given shape.
func New(shape []int) (*Tensor, error) {
	size, err := Size(shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		Data:    make([]float32, size),
		Shape:   copyShape(shape),
		Strides: stridesFor(shape),
	}, nil
}

// FromSlice creates a tensor holding a copy of data with the given shape.
// Returns an error if the data length does not match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	size, err := Size(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, size)
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: stridesFor(shape),
	}, nil
}

// RandN creates a tensor whose elements are independent samples from the
// standard normal distribution N(0, 1).
//
// If src is nil the global math/rand/v2 source is used.
func RandN(shape []int, src rand.Source) (*Tensor, error) {
	t, err := New(shape)
	if err != nil {
		return nil, err
	}

	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	for i := range t.Data {
		t.Data[i] = float32(dist.Rand())
	}
	return t, nil
}

// NumElements returns the total number of scalars held by the tensor.
func (t *Tensor) NumElements() int {
	return len(t.Data)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// At returns the element at the given full index.
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	off, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[off], nil
}

// Row returns the contiguous block addressed by a partial index. For a
// tensor of shape [L, H, D], Row(l, h) is the D-element vector at (l, h).
//
// The returned slice aliases the tensor storage; writes through it are
// visible in the tensor.
func (t *Tensor) Row(prefix ...int) ([]float32, error) {
	if len(prefix) >= len(t.Shape) {
		return nil, fmt.Errorf("row prefix must have fewer than %d indices, got %d",
			len(t.Shape), len(prefix))
	}
	off, err := t.offset(prefix)
	if err != nil {
		return nil, err
	}
	// Stride of the last fixed dimension is the size of the block below it.
	n := len(t.Data)
	if len(prefix) > 0 {
		n = t.Strides[len(prefix)-1]
	}
	return t.Data[off : off+n : off+n], nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d (size %d)",
				idx, i, t.Shape[i])
		}
		off += idx * t.Strides[i]
	}
	return off, nil
}

// SameShape reports whether t has exactly the given shape.
func (t *Tensor) SameShape(shape []int) bool {
	return shapeEquals(t.Shape, shape)
}

// Equal reports whether both tensors have the same shape and bit-identical data.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || !shapeEquals(t.Shape, other.Shape) || len(t.Data) != len(other.Data) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Data:    data,
		Shape:   copyShape(t.Shape),
		Strides: copyShape(t.Strides),
	}
}

// String returns a short description of the tensor.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// Size returns the number of elements of shape. Negative dimensions and
// products above MaxElements are errors; the product never overflows.
func Size(shape []int) (int, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		if dim != 0 && size > MaxElements/dim {
			return 0, fmt.Errorf("shape %v exceeds %d elements", shape, MaxElements)
		}
		size *= dim
	}
	return size, nil
}

func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

func shapeEquals(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
