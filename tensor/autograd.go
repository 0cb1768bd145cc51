package tensor

import (
	"fmt"
	"math"
)

// reduceGradientToShape reduces a gradient tensor to match the target shape
// when broadcasting occurred during the forward pass.
func reduceGradientToShape(grad *Tensor, targetShape []int) *Tensor {
	if shapesEqual(grad.Shape, targetShape) {
		cloned, err := grad.Clone()
		if err != nil {
			panic(fmt.Sprintf("gradient clone failed: %v", err))
		}
		return cloned
	}

	// broadcast from scalar
	if calculateNumElements(targetShape) == 1 {
		return sumAllElements(grad)
	}

	// broadcast from trailing vector: [B, N] gradient reduced to [N]
	if len(targetShape) == 1 && len(grad.Shape) == 2 && grad.Shape[1] == targetShape[0] {
		rows, cols := grad.Shape[0], grad.Shape[1]
		result, err := Zeros(targetShape, grad.DType, grad.Device)
		if err != nil {
			panic(fmt.Sprintf("gradient reduction failed: %v", err))
		}
		in := grad.Data.([]float32)
		out := result.Data.([]float32)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[j] += in[i*cols+j]
			}
		}
		return result
	}

	panic(fmt.Sprintf("cannot reduce gradient of shape %v to %v", grad.Shape, targetShape))
}

func sumAllElements(t *Tensor) *Tensor {
	data := t.Data.([]float32)
	sum := float32(0)
	for _, v := range data {
		sum += v
	}
	result, err := NewTensor([]int{1}, t.DType, t.Device, []float32{sum})
	if err != nil {
		panic(fmt.Sprintf("sum reduction failed: %v", err))
	}
	return result
}

func anyRequiresGrad(tensors []*Tensor) bool {
	for _, t := range tensors {
		if t.requiresGrad {
			return true
		}
	}
	return false
}

// finishForward attaches the op to the result when tracking is active.
func finishForward(op Operation, inputs []*Tensor, result *Tensor) *Tensor {
	if gradEnabled && anyRequiresGrad(inputs) {
		result.requiresGrad = true
		result.creator = op
	}
	return result
}

// AddOp implements addition with broadcasting.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Add forward failed: %v", err))
	}
	return finishForward(op, inputs, result)
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{
		reduceGradientToShape(gradOut, op.inputs[0].Shape),
		reduceGradientToShape(gradOut, op.inputs[1].Shape),
	}
}

// SubOp implements subtraction with broadcasting.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Sub(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Sub forward failed: %v", err))
	}
	return finishForward(op, inputs, result)
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	negated, err := Neg(gradOut)
	if err != nil {
		panic(fmt.Sprintf("Sub backward failed: %v", err))
	}
	return []*Tensor{
		reduceGradientToShape(gradOut, op.inputs[0].Shape),
		reduceGradientToShape(negated, op.inputs[1].Shape),
	}
}

// MulOp implements elementwise multiplication with broadcasting.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Mul(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Mul forward failed: %v", err))
	}
	return finishForward(op, inputs, result)
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := Mul(gradOut, op.inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Mul backward failed: %v", err))
	}
	gradB, err := Mul(gradOut, op.inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Mul backward failed: %v", err))
	}
	return []*Tensor{
		reduceGradientToShape(gradA, op.inputs[0].Shape),
		reduceGradientToShape(gradB, op.inputs[1].Shape),
	}
}

// MatMulOp implements 2D matrix multiplication.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("MatMul forward failed: %v", err))
	}
	return finishForward(op, inputs, result)
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	bT, err := Transpose2D(b)
	if err != nil {
		panic(fmt.Sprintf("MatMul backward failed: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("MatMul backward failed: %v", err))
	}

	aT, err := Transpose2D(a)
	if err != nil {
		panic(fmt.Sprintf("MatMul backward failed: %v", err))
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		panic(fmt.Sprintf("MatMul backward failed: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

// ReLUOp implements the rectified linear activation.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := ReLU(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("ReLU forward failed: %v", err))
	}
	return finishForward(op, inputs, result)
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32, op.inputs[0].Device)
	if err != nil {
		panic(fmt.Sprintf("ReLU backward failed: %v", err))
	}
	out := grad.Data.([]float32)
	for i := range in {
		if in[i] > 0 {
			out[i] = g[i]
		}
	}
	return []*Tensor{grad}
}

// LeakyReLUOp implements the leaky rectified linear activation.
type LeakyReLUOp struct {
	Slope  float64
	inputs []*Tensor
}

func (op *LeakyReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *LeakyReLUOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := LeakyReLU(inputs[0], op.Slope)
	if err != nil {
		panic(fmt.Sprintf("LeakyReLU forward failed: %v", err))
	}
	return finishForward(op, inputs, result)
}

func (op *LeakyReLUOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)
	slope := float32(op.Slope)

	grad, err := Zeros(op.inputs[0].Shape, Float32, op.inputs[0].Device)
	if err != nil {
		panic(fmt.Sprintf("LeakyReLU backward failed: %v", err))
	}
	out := grad.Data.([]float32)
	for i := range in {
		if in[i] > 0 {
			out[i] = g[i]
		} else {
			out[i] = slope * g[i]
		}
	}
	return []*Tensor{grad}
}

// TanhOp implements the hyperbolic tangent activation.
type TanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *TanhOp) Inputs() []*Tensor { return op.inputs }

func (op *TanhOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Tanh(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Tanh forward failed: %v", err))
	}
	op.output = result
	return finishForward(op, inputs, result)
}

func (op *TanhOp) Backward(gradOut *Tensor) []*Tensor {
	// d tanh(x)/dx = 1 - tanh(x)^2
	y := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32, op.inputs[0].Device)
	if err != nil {
		panic(fmt.Sprintf("Tanh backward failed: %v", err))
	}
	out := grad.Data.([]float32)
	for i := range y {
		out[i] = g[i] * (1 - y[i]*y[i])
	}
	return []*Tensor{grad}
}

// SigmoidOp implements the logistic activation.
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Sigmoid(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Sigmoid forward failed: %v", err))
	}
	op.output = result
	return finishForward(op, inputs, result)
}

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	// dσ(x)/dx = σ(x)(1 - σ(x))
	y := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32, op.inputs[0].Device)
	if err != nil {
		panic(fmt.Sprintf("Sigmoid backward failed: %v", err))
	}
	out := grad.Data.([]float32)
	for i := range y {
		out[i] = g[i] * y[i] * (1 - y[i])
	}
	return []*Tensor{grad}
}

// AbsOp implements elementwise absolute value.
type AbsOp struct {
	inputs []*Tensor
}

func (op *AbsOp) Inputs() []*Tensor { return op.inputs }

func (op *AbsOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Abs(inputs[0])
	if err != nil {
		panic(fmt.Sprintf("Abs forward failed: %v", err))
	}
	return finishForward(op, inputs, result)
}

func (op *AbsOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0].Data.([]float32)
	g := gradOut.Data.([]float32)

	grad, err := Zeros(op.inputs[0].Shape, Float32, op.inputs[0].Device)
	if err != nil {
		panic(fmt.Sprintf("Abs backward failed: %v", err))
	}
	out := grad.Data.([]float32)
	for i := range in {
		switch {
		case in[i] > 0:
			out[i] = g[i]
		case in[i] < 0:
			out[i] = -g[i]
		}
	}
	return []*Tensor{grad}
}

// MeanOp reduces a tensor to its scalar mean.
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	sum := sumAllElements(inputs[0])
	result, err := Scale(sum, 1.0/float64(inputs[0].NumElems))
	if err != nil {
		panic(fmt.Sprintf("Mean forward failed: %v", err))
	}
	return finishForward(op, inputs, result)
}

func (op *MeanOp) Backward(gradOut *Tensor) []*Tensor {
	in := op.inputs[0]
	g := gradOut.Data.([]float32)[0] / float32(in.NumElems)

	grad, err := Full(in.Shape, float64(g), Float32, in.Device)
	if err != nil {
		panic(fmt.Sprintf("Mean backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// ScaleOp multiplies by a constant factor.
type ScaleOp struct {
	Factor float64
	inputs []*Tensor
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Scale(inputs[0], op.Factor)
	if err != nil {
		panic(fmt.Sprintf("Scale forward failed: %v", err))
	}
	return finishForward(op, inputs, result)
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Scale(gradOut, op.Factor)
	if err != nil {
		panic(fmt.Sprintf("Scale backward failed: %v", err))
	}
	return []*Tensor{grad}
}

// ConcatOp joins two 2D tensors along the feature dimension.
type ConcatOp struct {
	inputs []*Tensor
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	a, b := inputs[0], inputs[1]
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[0] != b.Shape[0] {
		panic(fmt.Sprintf("Concat requires 2D tensors with matching rows, got %v and %v", a.Shape, b.Shape))
	}

	rows, na, nb := a.Shape[0], a.Shape[1], b.Shape[1]
	result, err := Zeros([]int{rows, na + nb}, Float32, a.Device)
	if err != nil {
		panic(fmt.Sprintf("Concat forward failed: %v", err))
	}

	da := a.Data.([]float32)
	db := b.Data.([]float32)
	out := result.Data.([]float32)
	for i := 0; i < rows; i++ {
		copy(out[i*(na+nb):i*(na+nb)+na], da[i*na:(i+1)*na])
		copy(out[i*(na+nb)+na:(i+1)*(na+nb)], db[i*nb:(i+1)*nb])
	}

	return finishForward(op, inputs, result)
}

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	rows, na, nb := a.Shape[0], a.Shape[1], b.Shape[1]

	gradA, err := Zeros(a.Shape, Float32, a.Device)
	if err != nil {
		panic(fmt.Sprintf("Concat backward failed: %v", err))
	}
	gradB, err := Zeros(b.Shape, Float32, b.Device)
	if err != nil {
		panic(fmt.Sprintf("Concat backward failed: %v", err))
	}

	g := gradOut.Data.([]float32)
	ga := gradA.Data.([]float32)
	gb := gradB.Data.([]float32)
	for i := 0; i < rows; i++ {
		copy(ga[i*na:(i+1)*na], g[i*(na+nb):i*(na+nb)+na])
		copy(gb[i*nb:(i+1)*nb], g[i*(na+nb)+na:(i+1)*(na+nb)])
	}

	return []*Tensor{gradA, gradB}
}

// GatherChunkOp selects one fixed-size chunk per row, indexed by an integer
// label: input [B, C*K] with labels [B] yields [B, K]. This is how the
// per-domain output heads of conditional networks are read out. The label
// input is not differentiable.
type GatherChunkOp struct {
	ChunkSize int
	inputs    []*Tensor
}

func (op *GatherChunkOp) Inputs() []*Tensor { return op.inputs }

func (op *GatherChunkOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	x, labels := inputs[0], inputs[1]
	if len(x.Shape) != 2 {
		panic(fmt.Sprintf("GatherChunk requires a 2D input, got %v", x.Shape))
	}
	if x.Shape[1]%op.ChunkSize != 0 {
		panic(fmt.Sprintf("GatherChunk: width %d not divisible by chunk size %d", x.Shape[1], op.ChunkSize))
	}

	rows := x.Shape[0]
	numChunks := x.Shape[1] / op.ChunkSize
	idx, err := labels.GetInt32Data()
	if err != nil {
		panic(fmt.Sprintf("GatherChunk labels: %v", err))
	}
	if len(idx) != rows {
		panic(fmt.Sprintf("GatherChunk: %d labels for %d rows", len(idx), rows))
	}

	result, rErr := Zeros([]int{rows, op.ChunkSize}, Float32, x.Device)
	if rErr != nil {
		panic(fmt.Sprintf("GatherChunk forward failed: %v", rErr))
	}

	in := x.Data.([]float32)
	out := result.Data.([]float32)
	for i := 0; i < rows; i++ {
		c := int(idx[i])
		if c < 0 || c >= numChunks {
			panic(fmt.Sprintf("GatherChunk: label %d out of range [0, %d)", c, numChunks))
		}
		offset := i*x.Shape[1] + c*op.ChunkSize
		copy(out[i*op.ChunkSize:(i+1)*op.ChunkSize], in[offset:offset+op.ChunkSize])
	}

	return finishForward(op, inputs, result)
}

func (op *GatherChunkOp) Backward(gradOut *Tensor) []*Tensor {
	x, labels := op.inputs[0], op.inputs[1]
	rows := x.Shape[0]
	idx, _ := labels.GetInt32Data()

	grad, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		panic(fmt.Sprintf("GatherChunk backward failed: %v", err))
	}

	g := gradOut.Data.([]float32)
	out := grad.Data.([]float32)
	for i := 0; i < rows; i++ {
		offset := i*x.Shape[1] + int(idx[i])*op.ChunkSize
		copy(out[offset:offset+op.ChunkSize], g[i*op.ChunkSize:(i+1)*op.ChunkSize])
	}

	return []*Tensor{grad, nil}
}

// BCEWithLogitsOp computes the mean binary cross-entropy between raw logits
// and a constant target (1 for "real", 0 for "fake"), numerically stable for
// unnormalized inputs.
type BCEWithLogitsOp struct {
	Target float64
	inputs []*Tensor
}

func (op *BCEWithLogitsOp) Inputs() []*Tensor { return op.inputs }

func (op *BCEWithLogitsOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	x := inputs[0]
	data, err := x.GetFloat32Data()
	if err != nil {
		panic(fmt.Sprintf("BCEWithLogits forward failed: %v", err))
	}

	t := op.Target
	var sum float64
	for _, v := range data {
		z := float64(v)
		// max(z, 0) - z*t + log(1 + exp(-|z|))
		sum += math.Max(z, 0) - z*t + math.Log1p(math.Exp(-math.Abs(z)))
	}
	mean := float32(sum / float64(len(data)))

	result, rErr := NewTensor([]int{1}, Float32, x.Device, []float32{mean})
	if rErr != nil {
		panic(fmt.Sprintf("BCEWithLogits forward failed: %v", rErr))
	}
	return finishForward(op, inputs, result)
}

func (op *BCEWithLogitsOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	data := x.Data.([]float32)
	g := gradOut.Data.([]float32)[0] / float32(x.NumElems)
	t := float32(op.Target)

	grad, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		panic(fmt.Sprintf("BCEWithLogits backward failed: %v", err))
	}
	out := grad.Data.([]float32)
	for i, v := range data {
		sig := float32(1.0 / (1.0 + math.Exp(-float64(v))))
		out[i] = g * (sig - t)
	}
	return []*Tensor{grad}
}

// High-level autograd entry points.

func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

func ReLUAutograd(a *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(a)
}

func LeakyReLUAutograd(a *Tensor, slope float64) *Tensor {
	op := &LeakyReLUOp{Slope: slope}
	return op.Forward(a)
}

func TanhAutograd(a *Tensor) *Tensor {
	op := &TanhOp{}
	return op.Forward(a)
}

func SigmoidAutograd(a *Tensor) *Tensor {
	op := &SigmoidOp{}
	return op.Forward(a)
}

func AbsAutograd(a *Tensor) *Tensor {
	op := &AbsOp{}
	return op.Forward(a)
}

func MeanAutograd(a *Tensor) *Tensor {
	op := &MeanOp{}
	return op.Forward(a)
}

func ScaleAutograd(a *Tensor, factor float64) *Tensor {
	op := &ScaleOp{Factor: factor}
	return op.Forward(a)
}

func ConcatAutograd(a, b *Tensor) *Tensor {
	op := &ConcatOp{}
	return op.Forward(a, b)
}

func GatherChunkAutograd(x, labels *Tensor, chunkSize int) *Tensor {
	op := &GatherChunkOp{ChunkSize: chunkSize}
	return op.Forward(x, labels)
}

func BCEWithLogitsAutograd(logits *Tensor, target float64) *Tensor {
	op := &BCEWithLogitsOp{Target: target}
	return op.Forward(logits)
}
