package tensor

import (
	"fmt"
)

// MatMul computes the 2D matrix product of [M, K] and [K, N] tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("MatMul only supports Float32 tensors, got %s", t1.DType)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("MatMul inner dimension mismatch: %v vs %v", t1.Shape, t2.Shape)
	}

	m, k, n := t1.Shape[0], t1.Shape[1], t2.Shape[1]

	result, err := Zeros([]int{m, n}, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	out := result.Data.([]float32)

	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			rowOut := out[i*n : (i+1)*n]
			rowB := b[p*n : (p+1)*n]
			for j := 0; j < n; j++ {
				rowOut[j] += av * rowB[j]
			}
		}
	}

	return result, nil
}

// Transpose2D returns the transpose of a 2D tensor.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose2D requires a 2D tensor, got %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("Transpose2D only supports Float32 tensors, got %s", t.DType)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows}, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = in[i*cols+j]
		}
	}

	return result, nil
}
