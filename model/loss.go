package model

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-ddp/tensor"
)

// ErrNoGraph is returned when Backward is called on a loss that was computed
// with gradients disabled.
var ErrNoGraph = errors.New("loss has no gradient graph")

// Loss is a scalar loss together with the backward closures that produced it.
// Scaling and summing losses composes the closures, so an accumulation window
// can be summed up front and differentiated once.
type Loss struct {
	value  float64
	terms  []lossTerm
	noGrad bool
}

type lossTerm struct {
	scale    float64
	backward func(scale float64)
}

// ZeroLoss returns the additive identity.
func ZeroLoss() *Loss {
	return &Loss{}
}

// Value returns the scalar loss.
func (l *Loss) Value() float64 {
	return l.value
}

// Scale returns s*l.
func (l *Loss) Scale(s float64) *Loss {
	out := &Loss{value: l.value * s, noGrad: l.noGrad, terms: make([]lossTerm, len(l.terms))}
	for i, t := range l.terms {
		out.terms[i] = lossTerm{scale: t.scale * s, backward: t.backward}
	}
	return out
}

// Add returns l+o.
func (l *Loss) Add(o *Loss) *Loss {
	out := &Loss{value: l.value + o.value, noGrad: l.noGrad || o.noGrad}
	out.terms = append(append(out.terms, l.terms...), o.terms...)
	return out
}

// Backward propagates d(loss)/d(params) into every parameter gradient.
func (l *Loss) Backward() error {
	if l.noGrad {
		return ErrNoGraph
	}
	for _, t := range l.terms {
		t.backward(t.scale)
	}
	return nil
}

// Criterion turns logits and integer labels into a loss.
type Criterion interface {
	Forward(out *Output, labels []int) (*Loss, error)
}

// CrossEntropy is the mean softmax cross-entropy over a batch.
type CrossEntropy struct{}

// Forward computes the loss. When out carries a graph, the returned loss can
// be differentiated.
func (CrossEntropy) Forward(out *Output, labels []int) (*Loss, error) {
	logits := out.Logits
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("logits must be 2D [batch_size, num_classes], got shape %v", logits.Shape)
	}
	batchSize, numClasses := logits.Shape[0], logits.Shape[1]
	if len(labels) != batchSize {
		return nil, fmt.Errorf("batch size mismatch: logits %d, labels %d", batchSize, len(labels))
	}
	if batchSize == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	probs := softmax(logits)
	var total float64
	for i, label := range labels {
		if label < 0 || label >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", label, numClasses)
		}
		total -= math.Log(math.Max(probs.Data[i*numClasses+label], 1e-12))
	}
	loss := &Loss{value: total / float64(batchSize)}

	if !out.RequiresGrad() {
		loss.noGrad = true
		return loss, nil
	}

	backward := out.backward
	loss.terms = []lossTerm{{scale: 1, backward: func(scale float64) {
		grad := probs.Clone()
		for i, label := range labels {
			grad.Data[i*numClasses+label] -= 1
		}
		f := scale / float64(batchSize)
		for i := range grad.Data {
			grad.Data[i] *= f
		}
		backward(grad)
	}}}
	return loss, nil
}

// softmax applies a numerically stable row-wise softmax.
func softmax(logits *tensor.Tensor) *tensor.Tensor {
	out := logits.Clone()
	for i := 0; i < out.Rows(); i++ {
		row := out.Row(i)
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			row[j] = math.Exp(v - maxVal)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
	return out
}
