package optimizer

import (
	"fmt"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/model"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum.
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers [][]float64

	// Step tracking
	StepCount uint64

	params []model.NamedParameter
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over the trainable parameters.
func NewSGDOptimizer(config SGDConfig, params []model.NamedParameter) (*SGDOptimizerState, error) {
	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %g", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %g", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %g", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}
	params, err := trainable(params)
	if err != nil {
		return nil, err
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float64, len(params))
		for i, p := range params {
			sgd.MomentumBuffers[i] = make([]float64, len(p.Value.Data))
		}
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++
	for i, p := range sgd.params {
		if p.Grad == nil {
			continue
		}
		if len(p.Grad) != len(p.Value.Data) {
			return fmt.Errorf("gradient of %s has %d elements, parameter has %d", p.Name, len(p.Grad), len(p.Value.Data))
		}
		w := p.Value.Data
		for j, g := range p.Grad {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * w[j]
			}
			if sgd.Momentum > 0 {
				buf := sgd.MomentumBuffers[i]
				buf[j] = sgd.Momentum*buf[j] + g
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			w[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad() {
	model.ZeroGrad(sgd.params)
}

func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// SetLearningRate updates the learning rate
func (sgd *SGDOptimizerState) SetLearningRate(lr float64) {
	sgd.LearningRate = lr
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for i, buffer := range sgd.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buffer, sgd.params[i].Value.Shape, i, "momentum"))
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	momentum := paramOr(state.Parameters, "momentum", sgd.Momentum)
	if momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = make([][]float64, len(sgd.params))
		for i, p := range sgd.params {
			sgd.MomentumBuffers[i] = make([]float64, len(p.Value.Data))
		}
	}

	// Restore momentum buffers if present
	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			return fmt.Errorf("unknown SGD state type %q", tensor.StateType)
		}
		idx, err := bufferIndex(tensor, len(sgd.params))
		if err != nil {
			return err
		}
		if sgd.MomentumBuffers == nil {
			return fmt.Errorf("momentum buffer %d not allocated", idx)
		}
		if err := restoreBufferState(sgd.MomentumBuffers[idx], tensor); err != nil {
			return err
		}
	}

	// Restore hyperparameters
	sgd.LearningRate = paramOr(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = momentum
	sgd.WeightDecay = paramOr(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = paramOr(state.Parameters, "nesterov", boolParam(sgd.Nesterov)) != 0
	sgd.StepCount = uint64(paramOr(state.Parameters, "step_count", float64(sgd.StepCount)))
	return nil
}
