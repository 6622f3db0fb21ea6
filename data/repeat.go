package data

import (
	"github.com/pkg/errors"
)

// ErrEmpty is returned by Repeat when a fresh epoch yields no batches, which
// would otherwise make the restart loop spin forever.
var ErrEmpty = errors.New("data source produced no batches")

// Source is a stream of batches that never runs dry.
type Source interface {
	Next() (*Batch, error)
}

// Repeat turns a loader into an infinite, lazily restarted sequence: when
// an epoch ends, the next call silently begins the following epoch. Running
// out of data is not an error and never surfaces to the caller.
type Repeat struct {
	loader *Loader
	epoch  int
	it     *Iterator
}

// NewRepeat starts at epoch 0.
func NewRepeat(loader *Loader) *Repeat {
	return &Repeat{loader: loader}
}

// Epoch returns the epoch currently being iterated.
func (r *Repeat) Epoch() int {
	return r.epoch
}

// Next returns the next batch, restarting the loader when needed.
func (r *Repeat) Next() (*Batch, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if r.it == nil {
			r.it = r.loader.Epoch(r.epoch)
		}
		batch, ok, err := r.it.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return batch, nil
		}
		r.epoch++
		r.it = nil
	}
	return nil, ErrEmpty
}
