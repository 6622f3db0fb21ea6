package training

import (
	"math"

	"github.com/tsawler/go-ddp/checkpoints"
)

// State is the resumable progress of a run. Step counts completed optimizer
// updates and is identical on every rank. BestMetric is the lowest validation
// loss seen so far and only ever decreases.
type State struct {
	Step       int
	BestMetric float64
}

// NewState returns the state of a run that has not started.
func NewState() State {
	return State{BestMetric: math.Inf(1)}
}

func (s State) checkpoint() checkpoints.TrainingState {
	return checkpoints.TrainingState{Step: s.Step, BestMetric: s.BestMetric}
}

func stateFromCheckpoint(ts checkpoints.TrainingState) State {
	return State{Step: ts.Step, BestMetric: ts.BestMetric}
}
