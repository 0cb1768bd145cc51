package tensor

import (
	"math"
	"testing"
)

func TestAddBasic(t *testing.T) {
	a, err := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	b, err := NewTensor([]int{2, 2}, Float32, CPU, []float32{10, 20, 30, 40})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}

	result, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	expected := []float32{11, 22, 33, 44}
	data := result.Data.([]float32)
	for i, v := range expected {
		if data[i] != v {
			t.Errorf("element %d: expected %f, got %f", i, v, data[i])
		}
	}
}

func TestAddBroadcastRowVector(t *testing.T) {
	a, err := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	bias, err := NewTensor([]int{3}, Float32, CPU, []float32{10, 20, 30})
	if err != nil {
		t.Fatalf("failed to create bias: %v", err)
	}

	result, err := Add(a, bias)
	if err != nil {
		t.Fatalf("broadcast Add failed: %v", err)
	}

	expected := []float32{11, 22, 33, 14, 25, 36}
	data := result.Data.([]float32)
	for i, v := range expected {
		if data[i] != v {
			t.Errorf("element %d: expected %f, got %f", i, v, data[i])
		}
	}
}

func TestAddShapeMismatch(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})

	if _, err := Add(a, b); err == nil {
		t.Error("expected an error for incompatible shapes")
	}
}

func TestMulAndDiv(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{2, 4, 8})
	b, _ := NewTensor([]int{3}, Float32, CPU, []float32{2, 2, 2})

	prod, err := Mul(a, b)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	quot, err := Div(a, b)
	if err != nil {
		t.Fatalf("Div failed: %v", err)
	}

	prodData := prod.Data.([]float32)
	quotData := quot.Data.([]float32)
	expectedProd := []float32{4, 8, 16}
	expectedQuot := []float32{1, 2, 4}
	for i := range expectedProd {
		if prodData[i] != expectedProd[i] {
			t.Errorf("product %d: expected %f, got %f", i, expectedProd[i], prodData[i])
		}
		if quotData[i] != expectedQuot[i] {
			t.Errorf("quotient %d: expected %f, got %f", i, expectedQuot[i], quotData[i])
		}
	}
}

func TestLeakyReLU(t *testing.T) {
	a, _ := NewTensor([]int{4}, Float32, CPU, []float32{-2, -0.5, 0, 3})

	result, err := LeakyReLU(a, 0.2)
	if err != nil {
		t.Fatalf("LeakyReLU failed: %v", err)
	}

	expected := []float32{-0.4, -0.1, 0, 3}
	data := result.Data.([]float32)
	for i, v := range expected {
		if math.Abs(float64(data[i]-v)) > 1e-6 {
			t.Errorf("element %d: expected %f, got %f", i, v, data[i])
		}
	}
}

func TestMatMul(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, Float32, CPU, []float32{7, 8, 9, 10, 11, 12})

	result, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}

	expected := []float32{58, 64, 139, 154}
	data := result.Data.([]float32)
	for i, v := range expected {
		if data[i] != v {
			t.Errorf("element %d: expected %f, got %f", i, v, data[i])
		}
	}
}

func TestHasNonFinite(t *testing.T) {
	clean, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})
	if clean.HasNonFinite() {
		t.Error("clean tensor reported non-finite values")
	}

	withNaN, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, float32(math.NaN()), 3})
	if !withNaN.HasNonFinite() {
		t.Error("NaN went undetected")
	}

	withInf, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, float32(math.Inf(1)), 3})
	if !withInf.HasNonFinite() {
		t.Error("Inf went undetected")
	}
}

func TestItem(t *testing.T) {
	scalar, _ := NewTensor([]int{1}, Float32, CPU, []float32{42})
	v, err := scalar.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %f", v)
	}

	vec, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	if _, err := vec.Item(); err == nil {
		t.Error("expected an error for a non-scalar tensor")
	}
}

func TestDetachSharesData(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	a.SetRequiresGrad(true)

	d := a.Detach()
	if d.RequiresGrad() {
		t.Error("detached tensor still requires grad")
	}
	if d.Creator() != nil {
		t.Error("detached tensor kept its creator")
	}

	data := d.Data.([]float32)
	data[0] = 99
	if a.Data.([]float32)[0] != 99 {
		t.Error("detach should share the underlying data")
	}
}

func TestSeedMakesDrawsReproducible(t *testing.T) {
	Seed(42)
	a, err := RandomNormal([]int{3, 4}, 0, 1, Float32, CPU)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	u1, err := Random([]int{3, 4}, Float32, CPU)
	if err != nil {
		t.Fatalf("Random failed: %v", err)
	}

	Seed(42)
	b, err := RandomNormal([]int{3, 4}, 0, 1, Float32, CPU)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	u2, err := Random([]int{3, 4}, Float32, CPU)
	if err != nil {
		t.Fatalf("Random failed: %v", err)
	}

	aData := a.Data.([]float32)
	bData := b.Data.([]float32)
	for i := range aData {
		if aData[i] != bData[i] {
			t.Fatalf("normal draw %d differs after reseeding: %f vs %f", i, aData[i], bData[i])
		}
	}
	u1Data := u1.Data.([]float32)
	u2Data := u2.Data.([]float32)
	for i := range u1Data {
		if u1Data[i] != u2Data[i] {
			t.Fatalf("uniform draw %d differs after reseeding: %f vs %f", i, u1Data[i], u2Data[i])
		}
	}
}
