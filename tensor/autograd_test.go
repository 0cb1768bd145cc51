package tensor

import (
	"math"
	"testing"
)

func leaf(t *testing.T, shape []int, data []float32) *Tensor {
	t.Helper()
	tensor, err := NewTensor(shape, Float32, CPU, data)
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	tensor.SetRequiresGrad(true)
	return tensor
}

func checkGrad(t *testing.T, name string, got *Tensor, expected []float32) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s has no gradient", name)
	}
	data := got.Data.([]float32)
	if len(data) != len(expected) {
		t.Fatalf("%s gradient has %d elements, expected %d", name, len(data), len(expected))
	}
	for i := range expected {
		if math.Abs(float64(data[i]-expected[i])) > 1e-5 {
			t.Errorf("%s gradient element %d: expected %f, got %f", name, i, expected[i], data[i])
		}
	}
}

func TestMeanBackward(t *testing.T) {
	x := leaf(t, []int{2, 2}, []float32{1, 2, 3, 4})

	loss := MeanAutograd(x)
	if err := Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	checkGrad(t, "x", x.Grad(), []float32{0.25, 0.25, 0.25, 0.25})
}

func TestAddBackwardWithBiasBroadcast(t *testing.T) {
	x := leaf(t, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	bias := leaf(t, []int{3}, []float32{0.1, 0.2, 0.3})

	loss := MeanAutograd(AddAutograd(x, bias))
	if err := Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	sixth := float32(1.0 / 6.0)
	checkGrad(t, "x", x.Grad(), []float32{sixth, sixth, sixth, sixth, sixth, sixth})
	// Each bias element feeds two rows.
	third := float32(1.0 / 3.0)
	checkGrad(t, "bias", bias.Grad(), []float32{third, third, third})
}

func TestMatMulBackward(t *testing.T) {
	a := leaf(t, []int{2, 2}, []float32{1, 2, 3, 4})
	b := leaf(t, []int{2, 2}, []float32{5, 6, 7, 8})

	loss := MeanAutograd(MatMulAutograd(a, b))
	if err := Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	// gradOut is 0.25 everywhere; gradA = gradOut * B^T, gradB = A^T * gradOut.
	checkGrad(t, "a", a.Grad(), []float32{2.75, 3.75, 2.75, 3.75})
	checkGrad(t, "b", b.Grad(), []float32{1.0, 1.0, 1.5, 1.5})
}

func TestGatherChunkForwardAndBackward(t *testing.T) {
	x := leaf(t, []int{2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	labels, err := NewTensor([]int{2}, Int32, CPU, []int32{1, 0})
	if err != nil {
		t.Fatalf("failed to create labels: %v", err)
	}

	out := GatherChunkAutograd(x, labels, 2)
	if out.Shape[0] != 2 || out.Shape[1] != 2 {
		t.Fatalf("expected shape [2 2], got %v", out.Shape)
	}
	outData := out.Data.([]float32)
	expected := []float32{3, 4, 5, 6}
	for i, v := range expected {
		if outData[i] != v {
			t.Errorf("gathered element %d: expected %f, got %f", i, v, outData[i])
		}
	}

	loss := MeanAutograd(out)
	if err := Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	// Gradient scatters back to the selected chunks only.
	checkGrad(t, "x", x.Grad(), []float32{0, 0, 0.25, 0.25, 0.25, 0.25, 0, 0})
	if labels.Grad() != nil {
		t.Error("labels must not receive a gradient")
	}
}

func TestGatherChunkLabelOutOfRange(t *testing.T) {
	x := leaf(t, []int{1, 4}, []float32{1, 2, 3, 4})
	labels, _ := NewTensor([]int{1}, Int32, CPU, []int32{5})

	defer func() {
		if recover() == nil {
			t.Error("expected a panic for an out-of-range label")
		}
	}()
	GatherChunkAutograd(x, labels, 2)
}

func TestConcatBackward(t *testing.T) {
	a := leaf(t, []int{1, 2}, []float32{1, 2})
	b := leaf(t, []int{1, 1}, []float32{3})

	out := ConcatAutograd(a, b)
	outData := out.Data.([]float32)
	for i, v := range []float32{1, 2, 3} {
		if outData[i] != v {
			t.Errorf("concat element %d: expected %f, got %f", i, v, outData[i])
		}
	}

	loss := MeanAutograd(out)
	if err := Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	third := float32(1.0 / 3.0)
	checkGrad(t, "a", a.Grad(), []float32{third, third})
	checkGrad(t, "b", b.Grad(), []float32{third})
}

func TestBCEWithLogitsValueAndGradient(t *testing.T) {
	// At logit 0, BCE is log(2) regardless of target.
	logits := leaf(t, []int{2, 1}, []float32{0, 0})

	loss := BCEWithLogitsAutograd(logits, 1)
	value, err := loss.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if math.Abs(value-math.Log(2)) > 1e-6 {
		t.Errorf("expected log(2), got %f", value)
	}

	if err := Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	// d/dz = (sigmoid(z) - target)/N = (0.5 - 1)/2 per element.
	checkGrad(t, "logits", logits.Grad(), []float32{-0.25, -0.25})
}

func TestBCEWithLogitsLargeLogitsStable(t *testing.T) {
	logits := leaf(t, []int{2, 1}, []float32{100, -100})

	loss := BCEWithLogitsAutograd(logits, 0)
	value, err := loss.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		t.Fatalf("loss blew up: %f", value)
	}
	// One saturated-wrong logit contributes ~100, the correct one ~0;
	// the mean is ~50.
	if math.Abs(value-50) > 1 {
		t.Errorf("expected roughly 50, got %f", value)
	}
}

func TestTanhBackward(t *testing.T) {
	x := leaf(t, []int{1}, []float32{0.5})

	loss := MeanAutograd(TanhAutograd(x))
	if err := Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	y := math.Tanh(0.5)
	checkGrad(t, "x", x.Grad(), []float32{float32(1 - y*y)})
}

func TestNoGradBlocksGraph(t *testing.T) {
	x := leaf(t, []int{2}, []float32{1, 2})

	var out *Tensor
	NoGrad(func() {
		out = AddAutograd(x, x)
	})

	if out.RequiresGrad() {
		t.Error("output built under NoGrad requires grad")
	}
	if out.Creator() != nil {
		t.Error("output built under NoGrad has a creator")
	}
	if !GradEnabled() {
		t.Error("grad mode was not restored after NoGrad")
	}
}

func TestBackwardClearsIntermediateGrads(t *testing.T) {
	x := leaf(t, []int{3}, []float32{-1, 0.5, 2})

	h := ReLUAutograd(x)
	loss := MeanAutograd(h)
	if err := Backward(loss); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	if h.Grad() != nil {
		t.Error("intermediate tensor kept its gradient")
	}
	checkGrad(t, "x", x.Grad(), []float32{0, 1.0 / 3.0, 1.0 / 3.0})
}

func TestGradAccumulatesAcrossBackwardPasses(t *testing.T) {
	x := leaf(t, []int{2}, []float32{1, 2})

	if err := Backward(MeanAutograd(x)); err != nil {
		t.Fatalf("first backward failed: %v", err)
	}
	if err := Backward(MeanAutograd(x)); err != nil {
		t.Fatalf("second backward failed: %v", err)
	}

	checkGrad(t, "x", x.Grad(), []float32{1, 1})

	ZeroGrad([]*Tensor{x})
	if x.Grad() != nil {
		t.Error("ZeroGrad left a gradient behind")
	}
}

func TestBackwardRejectsNonScalar(t *testing.T) {
	x := leaf(t, []int{2}, []float32{1, 2})
	out := AddAutograd(x, x)

	if err := Backward(out); err == nil {
		t.Error("expected an error for a non-scalar loss")
	}
}
