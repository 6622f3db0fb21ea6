package model

import (
	"github.com/tsawler/go-ddp/tensor"
)

// Parameter is a trainable tensor with its gradient buffer. Grad stays nil
// until a backward pass touches the parameter, which is how unused parameters
// are told apart from parameters with an all-zero gradient.
type Parameter struct {
	Value        *tensor.Tensor
	Grad         []float64
	RequiresGrad bool
}

// NamedParameter pairs a parameter with the name it is exposed under.
type NamedParameter struct {
	Name string
	*Parameter
}

// NewParameter creates a trainable parameter around value.
func NewParameter(value *tensor.Tensor) *Parameter {
	return &Parameter{Value: value, RequiresGrad: true}
}

// AccumulateGrad adds scale*g into the gradient buffer.
func (p *Parameter) AccumulateGrad(g []float64, scale float64) {
	if !p.RequiresGrad {
		return
	}
	if p.Grad == nil {
		p.Grad = make([]float64, len(p.Value.Data))
	}
	for i, v := range g {
		p.Grad[i] += scale * v
	}
}

// Touched reports whether any backward pass reached this parameter since the
// last ZeroGrad.
func (p *Parameter) Touched() bool {
	return p.Grad != nil
}

// ZeroGrad releases the gradient buffer.
func (p *Parameter) ZeroGrad() {
	p.Grad = nil
}
