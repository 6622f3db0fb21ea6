// Package data provides the dataset contract, a rank-aware batching loader,
// the infinitely restartable iterator used by the step loop and a prefetcher.
package data

import (
	"fmt"
	"math/rand"
)

// Sample is a single example.
type Sample struct {
	Input []float64
	Label int
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                    // Total number of samples
	Get(idx int) (Sample, error) // Returns a single sample
}

// SyntheticConfig configures the placeholder dataset.
type SyntheticConfig struct {
	Path       string // unused by the synthetic source, kept for real loaders
	Split      string // "train", "val" or "test"
	NumSamples int
	InputDim   int
	NumClasses int
	Noise      float64
	Seed       int64
}

// Synthetic is a placeholder dataset of Gaussian blobs, one blob per class.
// Replace it with a real dataset; only the Dataset interface matters to the
// trainer.
type Synthetic struct {
	config  SyntheticConfig
	samples []Sample
}

// NewSynthetic deterministically generates the split. Class centers depend
// only on the seed, so train and val share them; per-sample noise depends on
// the split as well.
func NewSynthetic(config SyntheticConfig) (*Synthetic, error) {
	if config.NumSamples < 0 || config.InputDim <= 0 || config.NumClasses <= 0 {
		return nil, fmt.Errorf("invalid synthetic dataset config: %+v", config)
	}
	if config.Split == "" {
		config.Split = "train"
	}

	centers := make([][]float64, config.NumClasses)
	crng := rand.New(rand.NewSource(config.Seed))
	for c := range centers {
		centers[c] = make([]float64, config.InputDim)
		for i := range centers[c] {
			centers[c][i] = crng.NormFloat64() * 2
		}
	}

	rng := rand.New(rand.NewSource(config.Seed + splitOffset(config.Split)))
	samples := make([]Sample, config.NumSamples)
	for i := range samples {
		label := i % config.NumClasses
		input := make([]float64, config.InputDim)
		for j := range input {
			input[j] = centers[label][j] + rng.NormFloat64()*config.Noise
		}
		samples[i] = Sample{Input: input, Label: label}
	}
	return &Synthetic{config: config, samples: samples}, nil
}

func splitOffset(split string) int64 {
	switch split {
	case "train":
		return 1
	case "val":
		return 2
	case "test":
		return 3
	default:
		var h int64 = 7
		for _, r := range split {
			h = h*31 + int64(r)
		}
		return h
	}
}

func (s *Synthetic) Len() int {
	return len(s.samples)
}

func (s *Synthetic) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(s.samples) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(s.samples))
	}
	return s.samples[idx], nil
}

// Slice is an in-memory dataset, handy for tests and small tables.
type Slice []Sample

func (s Slice) Len() int {
	return len(s)
}

func (s Slice) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(s) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(s))
	}
	return s[idx], nil
}
