package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/model"
)

// AdaGradOptimizerState scales each coordinate by the root of its accumulated
// squared gradients.
type AdaGradOptimizerState struct {
	LearningRate float64
	Epsilon      float64
	WeightDecay  float64

	SquaredGradSumBuffers [][]float64

	StepCount uint64

	params []model.NamedParameter
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64
	Epsilon      float64
	WeightDecay  float64
	// InitialAccumulatorValue seeds every squared gradient sum.
	InitialAccumulatorValue float64
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
	}
}

// NewAdaGradOptimizer creates an AdaGrad optimizer over the trainable
// parameters.
func NewAdaGradOptimizer(config AdaGradConfig, params []model.NamedParameter) (*AdaGradOptimizerState, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %g", config.LearningRate)
	}
	if config.InitialAccumulatorValue < 0 {
		return nil, fmt.Errorf("initial accumulator value cannot be negative: %g", config.InitialAccumulatorValue)
	}
	params, err := trainable(params)
	if err != nil {
		return nil, err
	}

	a := &AdaGradOptimizerState{
		LearningRate:          config.LearningRate,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		SquaredGradSumBuffers: make([][]float64, len(params)),
		params:                params,
	}
	for i, p := range params {
		buf := make([]float64, len(p.Value.Data))
		for j := range buf {
			buf[j] = config.InitialAccumulatorValue
		}
		a.SquaredGradSumBuffers[i] = buf
	}
	return a, nil
}

// Step performs a single AdaGrad optimization step
func (a *AdaGradOptimizerState) Step() error {
	a.StepCount++
	for i, p := range a.params {
		if p.Grad == nil {
			continue
		}
		if len(p.Grad) != len(p.Value.Data) {
			return fmt.Errorf("gradient of %s has %d elements, parameter has %d", p.Name, len(p.Grad), len(p.Value.Data))
		}
		sum, w := a.SquaredGradSumBuffers[i], p.Value.Data
		for j, g := range p.Grad {
			if a.WeightDecay != 0 {
				g += a.WeightDecay * w[j]
			}
			sum[j] += g * g
			w[j] -= a.LearningRate * g / (math.Sqrt(sum[j]) + a.Epsilon)
		}
	}
	return nil
}

func (a *AdaGradOptimizerState) ZeroGrad() {
	model.ZeroGrad(a.params)
}

func (a *AdaGradOptimizerState) GetLearningRate() float64 {
	return a.LearningRate
}

func (a *AdaGradOptimizerState) SetLearningRate(lr float64) {
	a.LearningRate = lr
}

func (a *AdaGradOptimizerState) GetStepCount() uint64 {
	return a.StepCount
}

// GetState extracts optimizer state for checkpointing
func (a *AdaGradOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(a.params))
	for i, p := range a.params {
		stateData = append(stateData, extractBufferState(a.SquaredGradSumBuffers[i], p.Value.Shape, i, "squared_grad_sum"))
	}
	return &checkpoints.OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]float64{
			"learning_rate": a.LearningRate,
			"epsilon":       a.Epsilon,
			"weight_decay":  a.WeightDecay,
			"step_count":    float64(a.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdaGradOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}
	for _, tensor := range state.StateData {
		idx, err := bufferIndex(tensor, len(a.params))
		if err != nil {
			return err
		}
		if tensor.StateType != "squared_grad_sum" {
			return fmt.Errorf("unknown AdaGrad state type %q", tensor.StateType)
		}
		if err := restoreBufferState(a.SquaredGradSumBuffers[idx], tensor); err != nil {
			return err
		}
	}
	a.LearningRate = paramOr(state.Parameters, "learning_rate", a.LearningRate)
	a.Epsilon = paramOr(state.Parameters, "epsilon", a.Epsilon)
	a.WeightDecay = paramOr(state.Parameters, "weight_decay", a.WeightDecay)
	a.StepCount = uint64(paramOr(state.Parameters, "step_count", float64(a.StepCount)))
	return nil
}
