package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// NewTensor wraps data with the given shape. The data slice is not copied.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float64, calculateNumElements(shape))}
}

// FromRows stacks equally sized rows into a 2-D tensor.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot build a tensor from zero rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(r), cols)
		}
		data = append(data, r...)
	}
	return &Tensor{Shape: []int{len(rows), cols}, Data: data}, nil
}

// Uniform fills a tensor with values drawn from U(-limit, limit) using rng.
func Uniform(rng *rand.Rand, limit float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * limit
	}
	return t
}

// XavierUniform initializes a [fanOut, fanIn] weight matrix.
func XavierUniform(rng *rand.Rand, fanOut, fanIn int) *Tensor {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return Uniform(rng, limit, fanOut, fanIn)
}
