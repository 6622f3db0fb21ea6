// Package checkpoints persists training state: model weights keyed by
// canonical parameter name, optimizer and scheduler state, and the step and
// best metric needed to resume.
package checkpoints

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a checkpoint file does not exist.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrWrite is returned when a checkpoint could not be persisted.
	ErrWrite = errors.New("checkpoint write failed")
)

// Format defines the serialization format
type Format int

const (
	// FormatProto is the protobuf wire layout, stored with a .ckpt extension.
	FormatProto Format = iota
	// FormatJSON is an indented JSON document, stored with a .json extension.
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatProto:
		return "proto"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Ext returns the file extension for the format, without the dot.
func (f Format) Ext() string {
	if f == FormatJSON {
		return "json"
	}
	return "ckpt"
}

// ParseFormat accepts "proto", "ckpt", "json" or an empty string (proto).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "proto", "protobuf", "ckpt":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatProto, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint is one saved record.
type Checkpoint struct {
	Weights        []WeightTensor  `json:"weights"`
	TrainingState  TrainingState   `json:"training_state"`
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	SchedulerState *SchedulerState `json:"scheduler_state,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// WeightTensor is a model parameter stored under its canonical name.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState is the resumable progress. BestMetric is +Inf until the first
// evaluation improves on it.
type TrainingState struct {
	Step       int
	BestMetric float64
}

// NewTrainingState returns the state of a run that has not started.
func NewTrainingState() TrainingState {
	return TrainingState{BestMetric: math.Inf(1)}
}

// OptimizerState captures optimizer-specific state (momentum, moments, step count).
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents one optimizer state buffer.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// SchedulerState captures learning-rate scheduler bookkeeping.
type SchedulerState struct {
	Type   string             `json:"type"`
	Values map[string]float64 `json:"values"`
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	Milestone   string    `json:"milestone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

const (
	frameworkName    = "go-ddp"
	frameworkVersion = "1.0.0"
)

func (m *Metadata) fillDefaults(label string) {
	if m.Framework == "" {
		m.Framework = frameworkName
	}
	if m.Version == "" {
		m.Version = frameworkVersion
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Milestone == "" {
		m.Milestone = label
	}
}

// Weight returns the stored tensor with the given canonical name.
func (c *Checkpoint) Weight(name string) (WeightTensor, bool) {
	for _, w := range c.Weights {
		if w.Name == name {
			return w, true
		}
	}
	return WeightTensor{}, false
}
