package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("dtype mismatch: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("device mismatch: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

// checkShapesCompatible returns the broadcast result shape. Supported forms:
// identical shapes, either side a scalar [1], or a trailing-dimension vector
// [N] against [B, N] (bias addition).
func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if shapesEqual(shape1, shape2) {
		return shape1, nil
	}
	if calculateNumElements(shape1) == 1 {
		return shape2, nil
	}
	if calculateNumElements(shape2) == 1 {
		return shape1, nil
	}
	if len(shape1) == 2 && len(shape2) == 1 && shape1[1] == shape2[0] {
		return shape1, nil
	}
	if len(shape2) == 2 && len(shape1) == 1 && shape2[1] == shape1[0] {
		return shape2, nil
	}
	return nil, fmt.Errorf("incompatible shapes: %v vs %v", shape1, shape2)
}

// broadcastIndex maps a flat index in the result shape to the flat index in
// the (possibly smaller) operand shape.
func broadcastIndex(i int, resultShape, operandShape []int) int {
	operandElems := calculateNumElements(operandShape)
	if operandElems == 1 {
		return 0
	}
	resultElems := calculateNumElements(resultShape)
	if operandElems == resultElems {
		return i
	}
	// trailing-vector broadcast: [B, N] indexed by [N]
	return i % operandElems
}

func binaryOp(t1, t2 *Tensor, f func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("elementwise ops only support Float32 tensors, got %s", t1.DType)
	}

	outShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	d1 := t1.Data.([]float32)
	d2 := t2.Data.([]float32)
	out := result.Data.([]float32)
	for i := range out {
		out[i] = f(d1[broadcastIndex(i, outShape, t1.Shape)], d2[broadcastIndex(i, outShape, t2.Shape)])
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp(t1, t2, func(a, b float32) float32 { return a / b })
}

func unaryOp(t *Tensor, f func(a float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("elementwise ops only support Float32 tensors, got %s", t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)
	for i := range out {
		out[i] = f(in[i])
	}

	return result, nil
}

func ReLU(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(a float32) float32 {
		if a > 0 {
			return a
		}
		return 0
	})
}

func LeakyReLU(t *Tensor, negativeSlope float64) (*Tensor, error) {
	slope := float32(negativeSlope)
	return unaryOp(t, func(a float32) float32 {
		if a > 0 {
			return a
		}
		return slope * a
	})
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(a float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(a))))
	})
}

func Tanh(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(a float32) float32 {
		return float32(math.Tanh(float64(a)))
	})
}

func Exp(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(a float32) float32 {
		return float32(math.Exp(float64(a)))
	})
}

func Log(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(a float32) float32 {
		return float32(math.Log(float64(a)))
	})
}

func Sqrt(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(a float32) float32 {
		return float32(math.Sqrt(float64(a)))
	})
}

func Abs(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(a float32) float32 {
		if a < 0 {
			return -a
		}
		return a
	})
}

func Neg(t *Tensor) (*Tensor, error) {
	return unaryOp(t, func(a float32) float32 { return -a })
}

// Scale multiplies every element by a constant.
func Scale(t *Tensor, s float64) (*Tensor, error) {
	f := float32(s)
	return unaryOp(t, func(a float32) float32 { return a * f })
}
