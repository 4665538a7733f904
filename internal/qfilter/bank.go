// Package qfilter implements the Q-Filter bank: one learned scoring vector per
// transformer layer and key/value head.
//
// The bank holds a single float32 tensor of shape
// (num_layers, num_kv_heads, kv_head_dim). It performs no computation on its
// own beyond exposing borrowed views for the attention code that reads it.
//
// Mutation is not available on the bank itself. Every constructor hands back
// a *Trainable alongside the bank, and only code holding that token can apply
// gradient updates. Persistence is delegated to a Persister supplied by the
// caller (see Save and Load).
//
// Example:
//
//	bank, train, err := qfilter.New(qfilter.Config{NumLayers: 32, NumKVHeads: 8, KVHeadDim: 128})
//	if err != nil {
//	    return err
//	}
//	score, _ := bank.Score(layer, head, key)
//	train.AccumulateGrad(grad)
//	train.Step(1e-3)
package qfilter

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsingmao/qfilter/internal/tensor"
)

// TensorName is the key under which the weights are stored in snapshots.
const TensorName = "q_filters"

// Config describes the shape of a filter bank.
type Config struct {
	// NumLayers is the number of transformer layers the bank provides filters for.
	NumLayers int `json:"num_layers" yaml:"num_layers"`

	// NumKVHeads is the number of key/value heads per layer.
	NumKVHeads int `json:"num_kv_heads" yaml:"num_kv_heads"`

	// KVHeadDim is the dimensionality of each head's filter vector.
	KVHeadDim int `json:"kv_head_dim" yaml:"kv_head_dim"`
}

// Validate checks that all three dimensions are strictly positive and that
// their product fits in tensor.MaxElements. The returned error wraps
// ErrInvalidDimension.
func (c Config) Validate() error {
	if c.NumLayers < 1 {
		return fmt.Errorf("%w: num_layers must be positive, got %d", ErrInvalidDimension, c.NumLayers)
	}
	if c.NumKVHeads < 1 {
		return fmt.Errorf("%w: num_kv_heads must be positive, got %d", ErrInvalidDimension, c.NumKVHeads)
	}
	if c.KVHeadDim < 1 {
		return fmt.Errorf("%w: kv_head_dim must be positive, got %d", ErrInvalidDimension, c.KVHeadDim)
	}
	if _, err := tensor.Size(c.Shape()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDimension, err)
	}
	return nil
}

// Shape returns the tensor shape as a slice.
func (c Config) Shape() []int {
	return []int{c.NumLayers, c.NumKVHeads, c.KVHeadDim}
}

// NumElements returns NumLayers * NumKVHeads * KVHeadDim, or -1 when the
// product is negative or out of range.
func (c Config) NumElements() int {
	n, err := tensor.Size(c.Shape())
	if err != nil {
		return -1
	}
	return n
}

// Bank holds the learnable filter tensor. The zero value is not usable;
// create banks with New or Restore.
type Bank struct {
	cfg     Config
	weights *tensor.Tensor
}

type options struct {
	src rand.Source
}

// Option configures New.
type Option func(*options)

// WithSource draws the initial weights from src instead of the global
// random source. Used to make construction reproducible.
func WithSource(src rand.Source) Option {
	return func(o *options) {
		o.src = src
	}
}

// WithSeed is shorthand for WithSource(rand.NewPCG(seed, seed)).
func WithSeed(seed uint64) Option {
	return WithSource(rand.NewPCG(seed, seed))
}

// New constructs a bank whose weights are independent samples from N(0, 1).
//
// Dimensions are validated before any allocation; a non-positive dimension
// returns an error wrapping ErrInvalidDimension.
func New(cfg Config, opts ...Option) (*Bank, *Trainable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	w, err := tensor.RandN(cfg.Shape(), o.src)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate filter weights: %w", err)
	}

	b := &Bank{cfg: cfg, weights: w}
	return b, newTrainable(b), nil
}

// Restore rebuilds a bank from previously persisted weights. The bank takes
// ownership of w. A shape that disagrees with cfg returns an error wrapping
// ErrCorruptSnapshot.
func Restore(cfg Config, w *tensor.Tensor) (*Bank, *Trainable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if w == nil {
		return nil, nil, fmt.Errorf("%w: missing %s tensor", ErrCorruptSnapshot, TensorName)
	}
	if !w.SameShape(cfg.Shape()) || len(w.Data) != cfg.NumElements() {
		return nil, nil, fmt.Errorf("%w: tensor shape %v does not match config %v",
			ErrCorruptSnapshot, w.Shape, cfg.Shape())
	}

	b := &Bank{cfg: cfg, weights: w}
	return b, newTrainable(b), nil
}

// Config returns the bank's shape configuration.
func (b *Bank) Config() Config {
	return b.cfg
}

// Shape returns (num_layers, num_kv_heads, kv_head_dim).
func (b *Bank) Shape() [3]int {
	return [3]int{b.cfg.NumLayers, b.cfg.NumKVHeads, b.cfg.KVHeadDim}
}

// Weights returns the bank's tensor. The tensor is borrowed: callers must
// not modify it and must not retain it past the bank's lifetime if a
// Trainable may be updating it concurrently.
func (b *Bank) Weights() *tensor.Tensor {
	return b.weights
}

// Filter returns the kv_head_dim filter vector for (layer, head) as a view
// into the bank's storage.
func (b *Bank) Filter(layer, head int) ([]float32, error) {
	return b.weights.Row(layer, head)
}

// Score projects key onto the filter of (layer, head). Attention code uses
// the score to rank cached keys.
func (b *Bank) Score(layer, head int, key []float32) (float32, error) {
	f, err := b.Filter(layer, head)
	if err != nil {
		return 0, err
	}
	if len(key) != len(f) {
		return 0, fmt.Errorf("key length %d does not match kv_head_dim %d", len(key), len(f))
	}
	return blas32.Dot(vec(f), vec(key)), nil
}

// String returns a short description of the bank.
func (b *Bank) String() string {
	return fmt.Sprintf("QFilters(layers=%d, kv_heads=%d, head_dim=%d)",
		b.cfg.NumLayers, b.cfg.NumKVHeads, b.cfg.KVHeadDim)
}

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Data: x, Inc: 1}
}
