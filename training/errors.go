package training

import (
	"github.com/pkg/errors"
)

// Stage names the part of a run that failed.
type Stage string

const (
	StageInitialization Stage = "initialization"
	StageCheckpoint     Stage = "checkpoint"
	StageStep           Stage = "step"
	StageEvaluation     Stage = "evaluation"
)

// ErrEmptyEvaluation is returned when no rank has any validation samples.
var ErrEmptyEvaluation = errors.New("validation set is empty on every rank")

// StageError attaches the failing stage to an error.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + " failed: " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}
