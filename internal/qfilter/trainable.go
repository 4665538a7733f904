package qfilter

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsingmao/qfilter/internal/tensor"
)

// Trainable is the capability to mutate a bank's weights. It is issued once
// by the constructor that created the bank; whoever holds it owns writes.
//
// Trainable is not safe for concurrent use, and Step must not run while
// other goroutines read the bank.
type Trainable struct {
	bank   *Bank
	grad   *tensor.Tensor
	frozen bool
}

func newTrainable(b *Bank) *Trainable {
	return &Trainable{bank: b}
}

// Bank returns the bank this token controls.
func (t *Trainable) Bank() *Bank {
	return t.bank
}

// RequiresGrad reports whether the weights take part in gradient updates.
func (t *Trainable) RequiresGrad() bool {
	return !t.frozen
}

// Freeze stops further updates. AccumulateGrad and Step become errors.
func (t *Trainable) Freeze() {
	t.frozen = true
	t.grad = nil
}

// Unfreeze re-enables updates after Freeze.
func (t *Trainable) Unfreeze() {
	t.frozen = false
}

// Grad returns the accumulated gradient, or nil before the first
// AccumulateGrad or after ZeroGrad.
func (t *Trainable) Grad() *tensor.Tensor {
	return t.grad
}

// AccumulateGrad adds g to the gradient buffer. g must have the bank's shape.
func (t *Trainable) AccumulateGrad(g *tensor.Tensor) error {
	if t.frozen {
		return fmt.Errorf("bank is frozen")
	}
	if g == nil || !g.SameShape(t.bank.cfg.Shape()) {
		return fmt.Errorf("gradient shape %v does not match weights %v", shapeOf(g), t.bank.cfg.Shape())
	}
	if t.grad == nil {
		t.grad = g.Clone()
		return nil
	}
	blas32.Axpy(1, vec(g.Data), vec(t.grad.Data))
	return nil
}

// ZeroGrad clears the gradient buffer.
func (t *Trainable) ZeroGrad() {
	t.grad = nil
}

// Step applies one SGD update, w -= lr * grad, and clears the gradient.
// A step with no accumulated gradient is a no-op.
func (t *Trainable) Step(lr float32) error {
	if t.frozen {
		return fmt.Errorf("bank is frozen")
	}
	if t.grad == nil {
		return nil
	}
	blas32.Axpy(-lr, vec(t.grad.Data), vec(t.bank.weights.Data))
	t.grad = nil
	return nil
}

func shapeOf(g *tensor.Tensor) []int {
	if g == nil {
		return nil
	}
	return g.Shape
}
