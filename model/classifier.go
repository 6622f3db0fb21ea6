package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-ddp/tensor"
)

// ClassifierConfig configures the placeholder classifier.
type ClassifierConfig struct {
	InputDim   int
	EmbedDim   int
	NumClasses int
	// AuxHead adds a projection head that Forward never uses. It exists so
	// unused-parameter handling is exercised end to end.
	AuxHead bool
	Seed    int64
}

// DefaultClassifierConfig mirrors the template defaults (embed_dim=256,
// num_classes=3).
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		InputDim:   16,
		EmbedDim:   256,
		NumClasses: 3,
		Seed:       42,
	}
}

// Classifier is a two-layer perceptron: logits = W2·relu(W1·x + b1) + b2.
type Classifier struct {
	config ClassifierConfig
	params []NamedParameter

	fc1w, fc1b, fc2w, fc2b *Parameter
	gradEnabled            bool
}

// NewClassifier creates a classifier with Xavier-initialized weights drawn
// from config.Seed, so every rank starts from identical parameters.
func NewClassifier(config ClassifierConfig) (*Classifier, error) {
	if config.InputDim <= 0 || config.EmbedDim <= 0 || config.NumClasses <= 0 {
		return nil, fmt.Errorf("invalid classifier dimensions: input=%d embed=%d classes=%d",
			config.InputDim, config.EmbedDim, config.NumClasses)
	}
	rng := rand.New(rand.NewSource(config.Seed))

	c := &Classifier{
		config:      config,
		fc1w:        NewParameter(tensor.XavierUniform(rng, config.EmbedDim, config.InputDim)),
		fc1b:        NewParameter(tensor.Zeros(config.EmbedDim)),
		fc2w:        NewParameter(tensor.XavierUniform(rng, config.NumClasses, config.EmbedDim)),
		fc2b:        NewParameter(tensor.Zeros(config.NumClasses)),
		gradEnabled: true,
	}
	c.params = []NamedParameter{
		{Name: "fc1.weight", Parameter: c.fc1w},
		{Name: "fc1.bias", Parameter: c.fc1b},
		{Name: "fc2.weight", Parameter: c.fc2w},
		{Name: "fc2.bias", Parameter: c.fc2b},
	}
	if config.AuxHead {
		c.params = append(c.params,
			NamedParameter{Name: "aux.weight", Parameter: NewParameter(tensor.XavierUniform(rng, config.NumClasses, config.EmbedDim))},
			NamedParameter{Name: "aux.bias", Parameter: NewParameter(tensor.Zeros(config.NumClasses))},
		)
	}
	return c, nil
}

// Config returns the construction config.
func (c *Classifier) Config() ClassifierConfig {
	return c.config
}

func (c *Classifier) NamedParameters() []NamedParameter {
	return c.params
}

func (c *Classifier) SetGradEnabled(enabled bool) bool {
	prev := c.gradEnabled
	c.gradEnabled = enabled
	return prev
}

func (c *Classifier) Forward(inputs *tensor.Tensor) (*Output, error) {
	if len(inputs.Shape) != 2 || inputs.Shape[1] != c.config.InputDim {
		return nil, fmt.Errorf("expected input [batch, %d], got %v", c.config.InputDim, inputs.Shape)
	}

	pre, err := tensor.MatMulTransB(inputs, c.fc1w.Value)
	if err != nil {
		return nil, fmt.Errorf("fc1 forward failed: %v", err)
	}
	if err := tensor.AddRowVector(pre, c.fc1b.Value.Data); err != nil {
		return nil, fmt.Errorf("fc1 bias failed: %v", err)
	}
	hidden := pre.Clone()
	for i, v := range hidden.Data {
		if v < 0 {
			hidden.Data[i] = 0
		}
	}

	logits, err := tensor.MatMulTransB(hidden, c.fc2w.Value)
	if err != nil {
		return nil, fmt.Errorf("fc2 forward failed: %v", err)
	}
	if err := tensor.AddRowVector(logits, c.fc2b.Value.Data); err != nil {
		return nil, fmt.Errorf("fc2 bias failed: %v", err)
	}

	if !c.gradEnabled {
		return NewOutput(logits, nil), nil
	}
	return NewOutput(logits, func(dLogits *tensor.Tensor) {
		c.backward(inputs, pre, hidden, dLogits)
	}), nil
}

// backward accumulates gradients for one forward pass.
func (c *Classifier) backward(x, pre, hidden, dLogits *tensor.Tensor) {
	batch := x.Rows()
	in, embed, classes := c.config.InputDim, c.config.EmbedDim, c.config.NumClasses

	dW2 := make([]float64, classes*embed)
	db2 := make([]float64, classes)
	dHidden := make([]float64, batch*embed)
	for b := 0; b < batch; b++ {
		dl := dLogits.Row(b)
		h := hidden.Row(b)
		for k := 0; k < classes; k++ {
			g := dl[k]
			if g == 0 {
				continue
			}
			db2[k] += g
			w := c.fc2w.Value.Data[k*embed : (k+1)*embed]
			for j := 0; j < embed; j++ {
				dW2[k*embed+j] += g * h[j]
				dHidden[b*embed+j] += g * w[j]
			}
		}
	}

	dW1 := make([]float64, embed*in)
	db1 := make([]float64, embed)
	for b := 0; b < batch; b++ {
		z := pre.Row(b)
		xr := x.Row(b)
		for j := 0; j < embed; j++ {
			if z[j] <= 0 {
				continue
			}
			g := dHidden[b*embed+j]
			db1[j] += g
			for i := 0; i < in; i++ {
				dW1[j*in+i] += g * xr[i]
			}
		}
	}

	c.fc1w.AccumulateGrad(dW1, 1)
	c.fc1b.AccumulateGrad(db1, 1)
	c.fc2w.AccumulateGrad(dW2, 1)
	c.fc2b.AccumulateGrad(db2, 1)
}
