package tensor

import (
	"fmt"
	"math"
)

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor with %d elements to shape %v", t.NumElems, newShape)
	}

	return &Tensor{
		Shape:        append([]int{}, newShape...),
		Strides:      calculateStrides(newShape),
		DType:        t.DType,
		Device:       t.Device,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

// Reshape as a free function, for symmetry with the other operations.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	return t.Reshape(newShape)
}

// Clone returns a deep copy of the tensor data. The copy is a leaf: it has no
// creator and does not require gradients.
func (t *Tensor) Clone() (*Tensor, error) {
	result, err := NewTensor(t.Shape, t.DType, t.Device, nil)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		copy(dst, src)
		result.Data = dst
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, len(src))
		copy(dst, src)
		result.Data = dst
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return result, nil
}

// Detach returns a tensor sharing this tensor's data but severed from the
// autograd graph: no creator, no gradient requirement.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int{}, t.Shape...),
		Strides:  calculateStrides(t.Shape),
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// SetData replaces the tensor's backing data in place.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

// Item extracts the value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}
	switch t.DType {
	case Float32:
		return float64(t.Data.([]float32)[0]), nil
	case Int32:
		return float64(t.Data.([]int32)[0]), nil
	default:
		return 0, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

func (t *Tensor) Size() []int {
	return append([]int{}, t.Shape...)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType {
		return false, nil
	}
	if !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		a := t.Data.([]float32)
		b := other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	case Int32:
		a := t.Data.([]int32)
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}

	return true, nil
}

// HasNonFinite reports whether any element is NaN or infinite.
func (t *Tensor) HasNonFinite() bool {
	if t.DType != Float32 {
		return false
	}
	for _, v := range t.Data.([]float32) {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// ZeroGrad clears accumulated gradients on the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}

// accumulateGrad adds g into t's gradient, initializing it on first use.
func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		cloned, err := g.Clone()
		if err != nil {
			panic(fmt.Sprintf("gradient clone failed: %v", err))
		}
		t.grad = cloned
		return
	}

	sum, err := Add(t.grad, g)
	if err != nil {
		panic(fmt.Sprintf("gradient accumulation failed: %v", err))
	}
	t.grad = sum
}
