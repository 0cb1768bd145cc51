package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-stargan/tensor"
)

func gradParam(t *testing.T) *tensor.Tensor {
	t.Helper()
	p, err := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{1, 1})
	require.NoError(t, err)
	p.SetRequiresGrad(true)
	return p
}

func TestScalerScalesLoss(t *testing.T) {
	gs := NewGradScaler(true)
	loss, err := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{2})
	require.NoError(t, err)

	scaled := gs.Scale(loss)
	v, err := scaled.Item()
	require.NoError(t, err)
	assert.Equal(t, 2*65536.0, v)
}

func TestScalerSkipsStepOnOverflow(t *testing.T) {
	gs := NewGradScaler(true)
	p := gradParam(t)
	opt := NewAdam([]*tensor.Tensor{p}, 0.1, 0.9, 0.999, 1e-8, 0)

	// A huge forward factor drives the scaled gradient past float32 range.
	loss := gs.Scale(tensor.MeanAutograd(tensor.ScaleAutograd(p, 1e38)))
	require.NoError(t, tensor.Backward(loss))

	stepped, err := gs.StepAll(opt)
	require.NoError(t, err)
	assert.False(t, stepped, "overflowed phase must be skipped")

	data, err := p.GetFloat32Data()
	require.NoError(t, err)
	assert.Equal(t, float32(1), data[0], "skipped step must not move parameters")

	before := gs.GetScale()
	gs.Update()
	assert.Equal(t, before/2, gs.GetScale(), "overflow must halve the scale")
}

func TestScalerGrowsAfterCleanInterval(t *testing.T) {
	gs := NewGradScaler(true)
	gs.growthInterval = 2

	p := gradParam(t)
	opt := NewAdam([]*tensor.Tensor{p}, 0.01, 0.9, 0.999, 1e-8, 0)

	initial := gs.GetScale()
	for i := 0; i < 2; i++ {
		opt.ZeroGrad()
		loss := gs.Scale(tensor.MeanAutograd(p))
		require.NoError(t, tensor.Backward(loss))

		stepped, err := gs.StepAll(opt)
		require.NoError(t, err)
		assert.True(t, stepped)
		gs.Update()
	}

	assert.Equal(t, initial*2, gs.GetScale())
}

func TestScalerUnscalesBeforeStep(t *testing.T) {
	gs := NewGradScaler(true)
	p := gradParam(t)
	opt := NewAdam([]*tensor.Tensor{p}, 0.1, 0.9, 0.999, 1e-8, 0)

	loss := gs.Scale(tensor.MeanAutograd(p))
	require.NoError(t, tensor.Backward(loss))

	stepped, err := gs.StepAll(opt)
	require.NoError(t, err)
	require.True(t, stepped)

	// Unscaled gradient is 0.5 per element, so Adam moves both elements
	// down by roughly the learning rate.
	data, err := p.GetFloat32Data()
	require.NoError(t, err)
	assert.InDelta(t, 0.9, float64(data[0]), 0.02)
}

func TestScalerDisabledPassthrough(t *testing.T) {
	gs := NewGradScaler(false)
	p := gradParam(t)
	opt := NewAdam([]*tensor.Tensor{p}, 0.1, 0.9, 0.999, 1e-8, 0)

	loss, err := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{3})
	require.NoError(t, err)
	assert.Same(t, loss, gs.Scale(loss), "disabled scaler must not wrap the loss")

	require.NoError(t, tensor.Backward(tensor.MeanAutograd(p)))
	stepped, err := gs.StepAll(opt)
	require.NoError(t, err)
	assert.True(t, stepped)

	gs.Update()
	assert.Equal(t, 65536.0, gs.GetScale(), "disabled scaler must not adjust its scale")
}
