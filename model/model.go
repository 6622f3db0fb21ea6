// Package model holds the collaborator side of training: parameters, a
// differentiable loss handle and the placeholder classifier. Replace
// Classifier with a real architecture; the orchestration code only depends on
// the Model interface.
package model

import (
	"github.com/tsawler/go-ddp/tensor"
)

// Model is anything the trainer can optimize.
type Model interface {
	// NamedParameters returns the parameters in a stable order. The order must
	// be identical on every rank since gradients are flattened in this order.
	NamedParameters() []NamedParameter

	// Forward computes logits for a [batch, features] input.
	Forward(inputs *tensor.Tensor) (*Output, error)

	// SetGradEnabled toggles graph recording and returns the previous mode.
	SetGradEnabled(enabled bool) bool
}

// Output is the result of a forward pass. When gradients are enabled it
// carries the closure that propagates dLogits back into the parameters.
type Output struct {
	Logits   *tensor.Tensor
	backward func(dLogits *tensor.Tensor)
}

// NewOutput creates an output. backward may be nil for a pass recorded with
// gradients disabled.
func NewOutput(logits *tensor.Tensor, backward func(dLogits *tensor.Tensor)) *Output {
	return &Output{Logits: logits, backward: backward}
}

// RequiresGrad reports whether Backward can be called through this output.
func (o *Output) RequiresGrad() bool {
	return o.backward != nil
}

// NoGrad disables gradient recording on m until the returned function is
// called. Use it as `defer model.NoGrad(m)()`.
func NoGrad(m Model) (restore func()) {
	prev := m.SetGradEnabled(false)
	return func() {
		m.SetGradEnabled(prev)
	}
}

// ZeroGrad drops every accumulated gradient.
func ZeroGrad(params []NamedParameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Trainable filters out parameters that do not require gradients.
func Trainable(params []NamedParameter) []NamedParameter {
	out := make([]NamedParameter, 0, len(params))
	for _, p := range params {
		if p.RequiresGrad {
			out = append(out, p)
		}
	}
	return out
}
