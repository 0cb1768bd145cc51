package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// rng drives Random and RandomNormal so latent and data draws can be made
// reproducible alongside weight initialization.
var rng = rand.New(rand.NewSource(1))

// Seed resets the package random source.
func Seed(seed int64) {
	rng = rand.New(rand.NewSource(seed))
}

func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	t := &Tensor{
		Shape:    append([]int{}, shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shape),
	}

	if data != nil {
		if err := t.setData(data); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return fmt.Errorf("expected []float32 data for Float32 tensor, got %T", data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d doesn't match tensor elements %d", len(d), t.NumElems)
		}
		t.Data = d
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return fmt.Errorf("expected []int32 data for Int32 tensor, got %T", data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length %d doesn't match tensor elements %d", len(d), t.NumElems)
		}
		t.Data = d
	default:
		return fmt.Errorf("unsupported dtype for data assignment: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, dtype, device, nil)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case Float32:
		t.Data = make([]float32, t.NumElems)
	case Int32:
		t.Data = make([]int32, t.NumElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return t, nil
}

func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	t, err := Zeros(shape, dtype, device)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		for i := range data {
			data[i] = 1.0
		}
	case Int32:
		data := t.Data.([]int32)
		for i := range data {
			data[i] = 1
		}
	}

	return t, nil
}

// Random creates a tensor with uniform values in [-1, 1).
func Random(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	if dtype != Float32 {
		return nil, fmt.Errorf("Random only supports Float32 tensors, got %s", dtype)
	}

	t, err := Zeros(shape, dtype, device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	for i := range data {
		data[i] = rng.Float32()*2.0 - 1.0
	}

	return t, nil
}

// RandomNormal creates a tensor with normally distributed values.
func RandomNormal(shape []int, mean, std float32, dtype DType, device DeviceType) (*Tensor, error) {
	if dtype != Float32 {
		return nil, fmt.Errorf("RandomNormal only supports Float32 tensors, got %s", dtype)
	}

	t, err := Zeros(shape, dtype, device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	for i := range data {
		data[i] = mean + std*float32(rng.NormFloat64())
	}

	return t, nil
}

func Full(shape []int, value float64, dtype DType, device DeviceType) (*Tensor, error) {
	t, err := Zeros(shape, dtype, device)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		v := float32(value)
		for i := range data {
			data[i] = v
		}
	case Int32:
		data := t.Data.([]int32)
		v := int32(math.Round(value))
		for i := range data {
			data[i] = v
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Full: %s", dtype)
	}

	return t, nil
}

// FromScalar wraps a single value as a [1] tensor. Errors are impossible for
// the supported dtypes, so it panics on misuse.
func FromScalar(value float64, dtype DType, device DeviceType) *Tensor {
	t, err := Full([]int{1}, value, dtype, device)
	if err != nil {
		panic(fmt.Sprintf("FromScalar failed: %v", err))
	}
	return t
}
