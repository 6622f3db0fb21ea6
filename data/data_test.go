package data

import (
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexDataset(n int) Slice {
	s := make(Slice, n)
	for i := range s {
		s[i] = Sample{Input: []float64{float64(i), float64(-i)}, Label: i % 2}
	}
	return s
}

func TestSyntheticIsDeterministic(t *testing.T) {
	cfg := SyntheticConfig{Split: "train", NumSamples: 12, InputDim: 4, NumClasses: 3, Noise: 0.1, Seed: 3}
	a, err := NewSynthetic(cfg)
	require.NoError(t, err)
	b, err := NewSynthetic(cfg)
	require.NoError(t, err)
	require.Equal(t, 12, a.Len())
	for i := 0; i < a.Len(); i++ {
		sa, err := a.Get(i)
		require.NoError(t, err)
		sb, err := b.Get(i)
		require.NoError(t, err)
		assert.Equal(t, sa, sb)
		assert.Equal(t, i%3, sa.Label)
	}

	cfg.Split = "val"
	v, err := NewSynthetic(cfg)
	require.NoError(t, err)
	s0, _ := a.Get(0)
	v0, _ := v.Get(0)
	assert.NotEqual(t, s0.Input, v0.Input)

	_, err = a.Get(12)
	require.Error(t, err)
}

func TestLoaderBatchesAndDropLast(t *testing.T) {
	l, err := NewLoader(indexDataset(10), LoaderConfig{BatchSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())

	it := l.Epoch(0)
	var sizes []int
	for {
		b, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		sizes = append(sizes, b.Size())
		assert.Equal(t, []int{b.Size(), 2}, b.Inputs.Shape)
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)

	l, err = NewLoader(indexDataset(10), LoaderConfig{BatchSize: 4, DropLast: true})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
}

func TestSplitBatchesPartitionTheGlobalBatch(t *testing.T) {
	ds := indexDataset(16)
	global, err := NewLoader(ds, LoaderConfig{BatchSize: 8, Shuffle: true, Seed: 9, DropLast: true})
	require.NoError(t, err)

	for _, world := range []int{2, 4} {
		shards := make([]*Iterator, world)
		for r := 0; r < world; r++ {
			l, err := NewLoader(ds, LoaderConfig{BatchSize: 8, Shuffle: true, Seed: 9, DropLast: true, Rank: r, WorldSize: world, SplitBatches: true})
			require.NoError(t, err)
			shards[r] = l.Epoch(1)
		}
		git := global.Epoch(1)
		for {
			gb, ok, err := git.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			var joined []int
			for r := 0; r < world; r++ {
				b, ok, err := shards[r].Next()
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, 8/world, b.Size())
				joined = append(joined, b.Indices...)
			}
			assert.Equal(t, gb.Indices, joined)
		}
	}
}

func TestRoundRobinShardsCoverEverySampleOnce(t *testing.T) {
	ds := indexDataset(11)
	var seen []int
	for r := 0; r < 3; r++ {
		l, err := NewLoader(ds, LoaderConfig{BatchSize: 2, Rank: r, WorldSize: 3})
		require.NoError(t, err)
		it := l.Epoch(0)
		for {
			b, ok, err := it.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			seen = append(seen, b.Indices...)
		}
	}
	sort.Ints(seen)
	want := make([]int, 11)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, seen)
}

func TestLoaderRejectsBadConfig(t *testing.T) {
	_, err := NewLoader(indexDataset(4), LoaderConfig{BatchSize: 0})
	require.Error(t, err)
	_, err = NewLoader(indexDataset(4), LoaderConfig{BatchSize: 3, WorldSize: 2, SplitBatches: true})
	require.Error(t, err)
	_, err = NewLoader(indexDataset(4), LoaderConfig{BatchSize: 2, Rank: 2, WorldSize: 2})
	require.Error(t, err)
}

func TestRepeatRestartsTransparently(t *testing.T) {
	const size = 5
	l, err := NewLoader(indexDataset(size), LoaderConfig{BatchSize: 1})
	require.NoError(t, err)

	r := NewRepeat(l)
	var draws []*Batch
	for i := 0; i < size+1; i++ {
		b, err := r.Next()
		require.NoError(t, err)
		draws = append(draws, b)
	}
	assert.Equal(t, 1, r.Epoch())

	fresh, ok, err := l.Epoch(0).Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fresh.Indices, draws[size].Indices)
	assert.Equal(t, draws[0].Indices, draws[size].Indices)
}

func TestRepeatReshufflesPerEpoch(t *testing.T) {
	l, err := NewLoader(indexDataset(6), LoaderConfig{BatchSize: 6, Shuffle: true, Seed: 1})
	require.NoError(t, err)
	r := NewRepeat(l)
	first, err := r.Next()
	require.NoError(t, err)
	second, err := r.Next()
	require.NoError(t, err)

	fresh, _, err := l.Epoch(1).Next()
	require.NoError(t, err)
	assert.Equal(t, fresh.Indices, second.Indices)
	assert.ElementsMatch(t, first.Indices, second.Indices)
}

func TestRepeatOnEmptyDataset(t *testing.T) {
	l, err := NewLoader(Slice{}, LoaderConfig{BatchSize: 2})
	require.NoError(t, err)
	_, err = NewRepeat(l).Next()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPrefetcherPreservesOrder(t *testing.T) {
	l, err := NewLoader(indexDataset(7), LoaderConfig{BatchSize: 2})
	require.NoError(t, err)

	expected := NewRepeat(l)
	p, err := NewPrefetcher(NewRepeat(l), 3)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()
	require.Error(t, p.Start())

	for i := 0; i < 10; i++ {
		want, err := expected.Next()
		require.NoError(t, err)
		got, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, want.Indices, got.Indices)
	}
	assert.True(t, p.Stats().IsRunning)
	assert.Equal(t, 3, p.Stats().QueueCapacity)
}

func TestPrefetcherSurfacesSourceErrors(t *testing.T) {
	l, err := NewLoader(Slice{}, LoaderConfig{BatchSize: 2})
	require.NoError(t, err)
	p, err := NewPrefetcher(NewRepeat(l), 1)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer p.Stop()

	_, err = p.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrEmpty.Error())
}

// gatedDataset blocks each Get until want loads are in flight at once.
type gatedDataset struct {
	Slice
	want    int64
	arrived atomic.Int64
	active  atomic.Int64
	peak    atomic.Int64
}

func (d *gatedDataset) Get(idx int) (Sample, error) {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	d.arrived.Add(1)
	deadline := time.Now().Add(5 * time.Second)
	for d.arrived.Load() < d.want {
		if time.Now().After(deadline) {
			return Sample{}, errors.New("loads did not overlap")
		}
		time.Sleep(time.Millisecond)
	}
	return d.Slice.Get(idx)
}

func TestLoaderLoadsWithNumWorkers(t *testing.T) {
	ds := &gatedDataset{Slice: indexDataset(8), want: 4}
	l, err := NewLoader(ds, LoaderConfig{BatchSize: 8, NumWorkers: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, l.Workers())

	batch, ok, err := l.Epoch(0).Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, batch.Indices)
	assert.Equal(t, int64(4), ds.peak.Load())

	l, err = NewLoader(indexDataset(4), LoaderConfig{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Workers())
}
