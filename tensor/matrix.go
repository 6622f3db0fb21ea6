package tensor

import (
	"fmt"
)

// MatMulTransB computes a·bᵀ for a [m,k] and b [n,k], producing [m,n].
// Weights are stored as [out,in], so a forward linear layer is x·Wᵀ.
func MatMulTransB(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	n, k2 := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)ᵀ", m, k, n, k2)
	}

	out := Zeros(m, n)
	for i := 0; i < m; i++ {
		ar := a.Data[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			br := b.Data[j*k : (j+1)*k]
			var sum float64
			for p := 0; p < k; p++ {
				sum += ar[p] * br[p]
			}
			out.Data[i*n+j] = sum
		}
	}
	return out, nil
}

// AddRowVector adds v to every row of t in place.
func AddRowVector(t *Tensor, v []float64) error {
	cols := t.Cols()
	if cols != len(v) {
		return fmt.Errorf("row vector length %d does not match %d columns", len(v), cols)
	}
	for i := 0; i < t.Rows(); i++ {
		row := t.Data[i*cols : (i+1)*cols]
		for j := range row {
			row[j] += v[j]
		}
	}
	return nil
}

// ArgMaxRows returns the column index of the maximum of each row.
func ArgMaxRows(t *Tensor) []int {
	out := make([]int, t.Rows())
	for i := range out {
		row := t.Row(i)
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}
