package data

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Prefetcher pulls batches from a Source in the background and hands them out
// in order. It only hides loading latency; it takes no part in coordination
// between ranks, so the sequence seen by Next is exactly the source's.
type Prefetcher struct {
	source Source
	depth  int

	batches chan prefetched
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mutex     sync.Mutex
	isRunning bool
	produced  atomic.Uint64
}

type prefetched struct {
	batch *Batch
	err   error
}

// PrefetcherStats provides statistics about the prefetcher
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
}

// NewPrefetcher creates a prefetcher holding up to depth ready batches.
func NewPrefetcher(source Source, depth int) (*Prefetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if depth <= 0 {
		depth = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		source:  source,
		depth:   depth,
		batches: make(chan prefetched, depth),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins background loading.
func (p *Prefetcher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return fmt.Errorf("prefetcher is already running")
	}
	p.wg.Add(1)
	go p.worker()
	p.isRunning = true
	return nil
}

// Stop cancels loading and waits for the worker to exit.
func (p *Prefetcher) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.isRunning {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.isRunning = false
}

// Next returns the next batch in source order.
func (p *Prefetcher) Next() (*Batch, error) {
	select {
	case item := <-p.batches:
		if item.err != nil {
			return nil, fmt.Errorf("prefetch failed: %v", item.err)
		}
		return item.batch, nil
	case <-p.ctx.Done():
		return nil, fmt.Errorf("prefetcher has been stopped")
	}
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return PrefetcherStats{
		IsRunning:       p.isRunning,
		BatchesProduced: p.produced.Load(),
		QueuedBatches:   len(p.batches),
		QueueCapacity:   cap(p.batches),
	}
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()

	for {
		batch, err := p.source.Next()
		if err == nil {
			p.produced.Add(1)
		}
		select {
		case p.batches <- prefetched{batch: batch, err: err}:
		case <-p.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
