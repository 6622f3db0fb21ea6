package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/model"
)

// RMSPropOptimizerState divides each gradient by a running RMS of its recent
// magnitudes, optionally centered and with momentum.
type RMSPropOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64 // 0 disables the momentum buffer
	Centered     bool    // subtract the squared mean gradient from the average

	SquaredGradAvgBuffers [][]float64
	MomentumBuffers       [][]float64
	GradientAvgBuffers    [][]float64

	StepCount uint64

	params []model.NamedParameter
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// NewRMSPropOptimizer creates an RMSProp optimizer over the trainable
// parameters.
func NewRMSPropOptimizer(config RMSPropConfig, params []model.NamedParameter) (*RMSPropOptimizerState, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %g", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1), got %g", config.Alpha)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %g", config.Momentum)
	}
	params, err := trainable(params)
	if err != nil {
		return nil, err
	}

	r := &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: make([][]float64, len(params)),
		MomentumBuffers:       make([][]float64, len(params)),
		GradientAvgBuffers:    make([][]float64, len(params)),
		params:                params,
	}
	for i, p := range params {
		n := len(p.Value.Data)
		r.SquaredGradAvgBuffers[i] = make([]float64, n)
		if r.Momentum > 0 {
			r.MomentumBuffers[i] = make([]float64, n)
		}
		if r.Centered {
			r.GradientAvgBuffers[i] = make([]float64, n)
		}
	}
	return r, nil
}

// Step performs a single RMSProp optimization step
func (r *RMSPropOptimizerState) Step() error {
	r.StepCount++
	for i, p := range r.params {
		if p.Grad == nil {
			continue
		}
		if len(p.Grad) != len(p.Value.Data) {
			return fmt.Errorf("gradient of %s has %d elements, parameter has %d", p.Name, len(p.Grad), len(p.Value.Data))
		}
		sq, w := r.SquaredGradAvgBuffers[i], p.Value.Data
		for j, g := range p.Grad {
			if r.WeightDecay != 0 {
				g += r.WeightDecay * w[j]
			}
			sq[j] = r.Alpha*sq[j] + (1-r.Alpha)*g*g
			avg := sq[j]
			if r.Centered {
				ga := r.GradientAvgBuffers[i]
				ga[j] = r.Alpha*ga[j] + (1-r.Alpha)*g
				avg -= ga[j] * ga[j]
			}
			update := g / (math.Sqrt(avg) + r.Epsilon)
			if r.Momentum > 0 {
				buf := r.MomentumBuffers[i]
				buf[j] = r.Momentum*buf[j] + update
				update = buf[j]
			}
			w[j] -= r.LearningRate * update
		}
	}
	return nil
}

func (r *RMSPropOptimizerState) ZeroGrad() {
	model.ZeroGrad(r.params)
}

func (r *RMSPropOptimizerState) GetLearningRate() float64 {
	return r.LearningRate
}

func (r *RMSPropOptimizerState) SetLearningRate(lr float64) {
	r.LearningRate = lr
}

func (r *RMSPropOptimizerState) GetStepCount() uint64 {
	return r.StepCount
}

// GetState extracts optimizer state for checkpointing
func (r *RMSPropOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	var stateData []checkpoints.OptimizerTensor
	for i, p := range r.params {
		stateData = append(stateData, extractBufferState(r.SquaredGradAvgBuffers[i], p.Value.Shape, i, "squared_grad_avg"))
		if r.Momentum > 0 {
			stateData = append(stateData, extractBufferState(r.MomentumBuffers[i], p.Value.Shape, i, "momentum"))
		}
		if r.Centered {
			stateData = append(stateData, extractBufferState(r.GradientAvgBuffers[i], p.Value.Shape, i, "gradient_avg"))
		}
	}
	return &checkpoints.OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]float64{
			"learning_rate": r.LearningRate,
			"alpha":         r.Alpha,
			"epsilon":       r.Epsilon,
			"weight_decay":  r.WeightDecay,
			"momentum":      r.Momentum,
			"centered":      boolParam(r.Centered),
			"step_count":    float64(r.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint. Momentum and centering
// are fixed at construction, so a checkpoint carrying a different layout is
// rejected.
func (r *RMSPropOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	if (paramOr(state.Parameters, "momentum", r.Momentum) > 0) != (r.Momentum > 0) {
		return fmt.Errorf("momentum mismatch: checkpoint has %g, optimizer has %g", state.Parameters["momentum"], r.Momentum)
	}
	if (paramOr(state.Parameters, "centered", boolParam(r.Centered)) == 1) != r.Centered {
		return fmt.Errorf("centered mismatch: optimizer centered=%t", r.Centered)
	}

	for _, tensor := range state.StateData {
		idx, err := bufferIndex(tensor, len(r.params))
		if err != nil {
			return err
		}
		switch {
		case tensor.StateType == "squared_grad_avg":
			err = restoreBufferState(r.SquaredGradAvgBuffers[idx], tensor)
		case tensor.StateType == "momentum" && r.Momentum > 0:
			err = restoreBufferState(r.MomentumBuffers[idx], tensor)
		case tensor.StateType == "gradient_avg" && r.Centered:
			err = restoreBufferState(r.GradientAvgBuffers[idx], tensor)
		default:
			err = fmt.Errorf("unknown RMSProp state type %q", tensor.StateType)
		}
		if err != nil {
			return err
		}
	}

	r.LearningRate = paramOr(state.Parameters, "learning_rate", r.LearningRate)
	r.Alpha = paramOr(state.Parameters, "alpha", r.Alpha)
	r.Epsilon = paramOr(state.Parameters, "epsilon", r.Epsilon)
	r.WeightDecay = paramOr(state.Parameters, "weight_decay", r.WeightDecay)
	r.Momentum = paramOr(state.Parameters, "momentum", r.Momentum)
	r.StepCount = uint64(paramOr(state.Parameters, "step_count", float64(r.StepCount)))
	return nil
}
