// Package optimizer updates model parameters from their averaged gradients
// and exposes its internal state for checkpointing.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-ddp/checkpoints"
	"github.com/tsawler/go-ddp/model"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update from the current gradients. Parameters without
	// a gradient are left untouched.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetLearningRate returns the learning rate used by the next step.
	GetLearningRate() float64

	// SetLearningRate updates the learning rate
	SetLearningRate(lr float64)
}

// New creates an optimizer by name ("adam", "sgd", "rmsprop" or "adagrad")
// with default hyperparameters apart from the learning rate.
func New(name string, lr float64, params []model.NamedParameter) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg, params)
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg, params)
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		return NewRMSPropOptimizer(cfg, params)
	case "adagrad":
		cfg := DefaultAdaGradConfig()
		cfg.LearningRate = lr
		return NewAdaGradOptimizer(cfg, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func trainable(params []model.NamedParameter) ([]model.NamedParameter, error) {
	params = model.Trainable(params)
	if len(params) == 0 {
		return nil, fmt.Errorf("no trainable parameters provided")
	}
	return params, nil
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("no optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
