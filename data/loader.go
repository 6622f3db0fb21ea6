package data

import (
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-ddp/tensor"
)

// LoaderConfig configures batching and rank sharding.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	DropLast  bool
	Seed      int64

	// Rank and WorldSize shard the data across processes.
	Rank      int
	WorldSize int

	// SplitBatches treats BatchSize as the global batch: every global batch is
	// cut into WorldSize equal pieces and each rank takes its own piece. With it
	// off, samples are dealt round-robin to ranks and batched locally.
	SplitBatches bool

	// NumWorkers bounds concurrent sample loads while assembling a batch.
	NumWorkers int
}

// Batch represents a batch of data and labels
type Batch struct {
	Inputs  *tensor.Tensor
	Labels  []int
	Indices []int // dataset indices, for debugging and tests
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Loader provides batching, seeded shuffling and rank sharding.
type Loader struct {
	dataset Dataset
	config  LoaderConfig
}

// NewLoader creates a new Loader
func NewLoader(dataset Dataset, config LoaderConfig) (*Loader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.WorldSize <= 0 {
		config.WorldSize = 1
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", config.Rank, config.WorldSize)
	}
	if config.SplitBatches && config.BatchSize%config.WorldSize != 0 {
		return nil, fmt.Errorf("batch size %d is not divisible by world size %d", config.BatchSize, config.WorldSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	return &Loader{dataset: dataset, config: config}, nil
}

// Workers returns how many samples are loaded concurrently per batch.
func (l *Loader) Workers() int {
	return l.config.NumWorkers
}

// Len returns the number of batches this rank sees per epoch.
func (l *Loader) Len() int {
	return len(l.plan(0))
}

// Epoch returns a finite iterator over one pass of the data. The shuffle
// order depends only on the seed and the epoch number, so it is identical on
// every rank.
func (l *Loader) Epoch(epoch int) *Iterator {
	return &Iterator{loader: l, batches: l.plan(epoch)}
}

// plan computes the index batches this rank sees in the given epoch.
func (l *Loader) plan(epoch int) [][]int {
	n := l.dataset.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.config.Shuffle {
		rng := rand.New(rand.NewSource(l.config.Seed + int64(epoch)))
		rng.Shuffle(n, func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	cfg := l.config
	var batches [][]int
	if cfg.SplitBatches {
		for start := 0; start < n; start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, n)
			size := end - start
			if size < cfg.BatchSize && (cfg.DropLast || size < cfg.WorldSize) {
				break
			}
			// Spread a short final batch as evenly as possible.
			per, extra := size/cfg.WorldSize, size%cfg.WorldSize
			lo := start + cfg.Rank*per + min(cfg.Rank, extra)
			hi := lo + per
			if cfg.Rank < extra {
				hi++
			}
			batches = append(batches, order[lo:hi])
		}
		return batches
	}

	var mine []int
	for i := cfg.Rank; i < n; i += cfg.WorldSize {
		mine = append(mine, order[i])
	}
	for start := 0; start < len(mine); start += cfg.BatchSize {
		end := min(start+cfg.BatchSize, len(mine))
		if end-start < cfg.BatchSize && cfg.DropLast {
			break
		}
		batches = append(batches, mine[start:end])
	}
	return batches
}

// load assembles the samples at indices into a batch.
func (l *Loader) load(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	samples := make([]Sample, len(indices))
	var g errgroup.Group
	g.SetLimit(l.config.NumWorkers)
	for i, idx := range indices {
		g.Go(func() error {
			s, err := l.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %v", idx, err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := make([][]float64, len(samples))
	labels := make([]int, len(samples))
	for i, s := range samples {
		rows[i] = s.Input
		labels[i] = s.Label
	}
	inputs, err := tensor.FromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to stack batch: %v", err)
	}
	return &Batch{Inputs: inputs, Labels: labels, Indices: append([]int(nil), indices...)}, nil
}

// Iterator walks one epoch.
type Iterator struct {
	loader  *Loader
	batches [][]int
	pos     int
}

// Next returns the next batch. ok is false once the epoch is exhausted.
func (it *Iterator) Next() (batch *Batch, ok bool, err error) {
	if it.pos >= len(it.batches) {
		return nil, false, nil
	}
	indices := it.batches[it.pos]
	it.pos++
	batch, err = it.loader.load(indices)
	if err != nil {
		return nil, false, err
	}
	return batch, true, nil
}
