// Package tracking records run hyperparameters and scalar series. Only the
// primary rank is expected to hold live trackers; other ranks use Nop.
package tracking

import (
	"sort"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Tracker receives the scalars a run emits, keyed by tag ("Loss/train",
// "Loss/val", "lr").
type Tracker interface {
	Init(runName string, hparams map[string]any) error
	Log(values map[string]float64, step int) error
	Close() error
}

// NewRunID returns a fresh identifier for a run.
func NewRunID() string {
	return uuid.NewString()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Init(string, map[string]any) error { return nil }
func (Nop) Log(map[string]float64, int) error { return nil }
func (Nop) Close() error                      { return nil }

// Multi fans out to every tracker and reports all of their errors.
type Multi []Tracker

func (m Multi) Init(runName string, hparams map[string]any) error {
	var err error
	for _, t := range m {
		err = multierr.Append(err, t.Init(runName, hparams))
	}
	return err
}

func (m Multi) Log(values map[string]float64, step int) error {
	var err error
	for _, t := range m {
		err = multierr.Append(err, t.Log(values, step))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, t := range m {
		err = multierr.Append(err, t.Close())
	}
	return err
}

func sortedTags(values map[string]float64) []string {
	tags := make([]string, 0, len(values))
	for k := range values {
		tags = append(tags, k)
	}
	sort.Strings(tags)
	return tags
}
