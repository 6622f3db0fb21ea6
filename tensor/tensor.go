package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense, row-major float64 array. Training code works on the CPU
// only, so a tensor is just a shape and its backing data.
type Tensor struct {
	Shape []int
	Data  []float64
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// NumElems returns the number of elements described by the shape.
func (t *Tensor) NumElems() int {
	return calculateNumElements(t.Shape)
}

// Rows returns the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Cols returns the number of elements per leading-dimension row.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return len(t.Data) / t.Shape[0]
}

// Row returns a view of row i. Writes go through to the tensor.
func (t *Tensor) Row(i int) []float64 {
	cols := t.Cols()
	return t.Data[i*cols : (i+1)*cols]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: shape, Data: data}
}

// SameShape reports whether both shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AllFinite reports whether every value is neither NaN nor infinite.
func AllFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
