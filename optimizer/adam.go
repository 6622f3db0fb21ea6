package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/model"
)

// AdamOptimizerState is Adam with L2 weight decay and bias correction.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	MomentumBuffers [][]float64 // First moment for each parameter
	VarianceBuffers [][]float64 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	params []model.NamedParameter
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over the trainable parameters.
func NewAdamOptimizer(config AdamConfig, params []model.NamedParameter) (*AdamOptimizerState, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	params, err := trainable(params)
	if err != nil {
		return nil, err
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float64, len(params)),
		VarianceBuffers: make([][]float64, len(params)),
		params:          params,
	}
	for i, p := range params {
		adam.MomentumBuffers[i] = make([]float64, len(p.Value.Data))
		adam.VarianceBuffers[i] = make([]float64, len(p.Value.Data))
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	bias1 := 1 - math.Pow(adam.Beta1, t)
	bias2 := 1 - math.Pow(adam.Beta2, t)

	for i, p := range adam.params {
		if p.Grad == nil {
			continue
		}
		if len(p.Grad) != len(p.Value.Data) {
			return fmt.Errorf("gradient of %s has %d elements, parameter has %d", p.Name, len(p.Grad), len(p.Value.Data))
		}
		m, v, w := adam.MomentumBuffers[i], adam.VarianceBuffers[i], p.Value.Data
		for j, g := range p.Grad {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * w[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			w[j] -= adam.LearningRate * mHat / (math.Sqrt(vHat) + adam.Epsilon)
		}
	}
	return nil
}

func (adam *AdamOptimizerState) ZeroGrad() {
	model.ZeroGrad(adam.params)
}

func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// SetLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) SetLearningRate(lr float64) {
	adam.LearningRate = lr
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i, p := range adam.params {
		stateData = append(stateData,
			extractBufferState(adam.MomentumBuffers[i], p.Value.Shape, i, "momentum"),
			extractBufferState(adam.VarianceBuffers[i], p.Value.Shape, i, "variance"),
		)
	}
	return &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    float64(adam.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	for _, tensor := range state.StateData {
		idx, err := bufferIndex(tensor, len(adam.params))
		if err != nil {
			return err
		}
		switch tensor.StateType {
		case "momentum":
			err = restoreBufferState(adam.MomentumBuffers[idx], tensor)
		case "variance":
			err = restoreBufferState(adam.VarianceBuffers[idx], tensor)
		default:
			err = fmt.Errorf("unknown Adam state type %q", tensor.StateType)
		}
		if err != nil {
			return err
		}
	}

	adam.LearningRate = paramOr(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = paramOr(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = paramOr(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = paramOr(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = paramOr(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = uint64(paramOr(state.Parameters, "step_count", float64(adam.StepCount)))
	return nil
}
