package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-stargan/tensor"
)

type lossFixture struct {
	cfg   *Config
	nets  *Ensemble
	xReal *tensor.Tensor
	yOrg  *tensor.Tensor
	yTrg  *tensor.Tensor
	zTrg  *tensor.Tensor
	zTrg2 *tensor.Tensor
	xRef  *tensor.Tensor
	xRef2 *tensor.Tensor
}

func newLossFixture(t *testing.T) *lossFixture {
	t.Helper()
	cfg := tinyConfig()
	nets, _, err := BuildNetworks(cfg)
	require.NoError(t, err)

	batch := 2
	f := &lossFixture{cfg: cfg, nets: nets}

	f.xReal, err = tensor.Random([]int{batch, cfg.ImgDim()}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	f.xRef, err = tensor.Random([]int{batch, cfg.ImgDim()}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	f.xRef2, err = tensor.Random([]int{batch, cfg.ImgDim()}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	f.zTrg, err = tensor.RandomNormal([]int{batch, cfg.LatentDim}, 0, 1, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	f.zTrg2, err = tensor.RandomNormal([]int{batch, cfg.LatentDim}, 0, 1, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	f.yOrg, err = constantLabels(batch, 0)
	require.NoError(t, err)
	f.yTrg, err = constantLabels(batch, 1)
	require.NoError(t, err)

	return f
}

func hasGrads(net Network) bool {
	for _, p := range net.Parameters() {
		if p.Grad() != nil {
			return true
		}
	}
	return false
}

func TestStyleSourceValidation(t *testing.T) {
	var unset StyleSource
	assert.Error(t, unset.Validate())

	assert.Error(t, LatentStyle(nil).Validate())
	assert.Error(t, ReferenceStyle(nil).Validate())

	z, err := tensor.RandomNormal([]int{2, 4}, 0, 1, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	assert.NoError(t, LatentStyle(z).Validate())
	assert.True(t, LatentStyle(z).IsLatent())
	assert.False(t, ReferenceStyle(z).IsLatent())
}

func TestDiscriminatorLossLatent(t *testing.T) {
	f := newLossFixture(t)

	loss, breakdown, err := ComputeDiscriminatorLoss(f.nets, 0,
		f.xReal, f.yOrg, f.yTrg, LatentStyle(f.zTrg), nil)
	require.NoError(t, err)
	require.NotNil(t, loss)

	value, err := loss.Item()
	require.NoError(t, err)
	assert.False(t, math.IsNaN(value) || math.IsInf(value, 0))
	assert.InDelta(t, breakdown.Real+breakdown.Fake, value, 1e-4)
	assert.Equal(t, 0.0, breakdown.Reg)

	require.NoError(t, tensor.Backward(loss))
	assert.True(t, hasGrads(f.nets.Discriminator), "discriminator must receive gradients")
	assert.False(t, hasGrads(f.nets.Generator), "generator must stay out of the discriminator phase")
	assert.False(t, hasGrads(f.nets.MappingNetwork), "mapping network must stay out of the discriminator phase")
}

func TestDiscriminatorLossReference(t *testing.T) {
	f := newLossFixture(t)

	loss, _, err := ComputeDiscriminatorLoss(f.nets, 0,
		f.xReal, f.yOrg, f.yTrg, ReferenceStyle(f.xRef), nil)
	require.NoError(t, err)

	require.NoError(t, tensor.Backward(loss))
	assert.True(t, hasGrads(f.nets.Discriminator))
	assert.False(t, hasGrads(f.nets.StyleEncoder), "style encoder must stay out of the discriminator phase")
}

func TestDiscriminatorLossWithPenalty(t *testing.T) {
	f := newLossFixture(t)

	loss, breakdown, err := ComputeDiscriminatorLoss(f.nets, 1.0,
		f.xReal, f.yOrg, f.yTrg, LatentStyle(f.zTrg), nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, breakdown.Reg, 0.0, "R1 penalty is a squared norm")
	value, err := loss.Item()
	require.NoError(t, err)
	assert.InDelta(t, breakdown.Real+breakdown.Fake+breakdown.Reg, value, 1e-4)

	for _, p := range f.nets.Discriminator.Parameters() {
		assert.True(t, p.RequiresGrad(), "penalty must restore parameter grad flags")
	}
}

func TestDiscriminatorLossRejectsUnsetStyle(t *testing.T) {
	f := newLossFixture(t)

	var unset StyleSource
	_, _, err := ComputeDiscriminatorLoss(f.nets, 0, f.xReal, f.yOrg, f.yTrg, unset, nil)
	assert.Error(t, err)
}

func TestGeneratorLossComposition(t *testing.T) {
	f := newLossFixture(t)
	weights := GLossWeights{LambdaSty: 1, LambdaDS: 1, LambdaCyc: 1}

	loss, breakdown, err := ComputeGeneratorLoss(f.nets, weights,
		f.xReal, f.yOrg, f.yTrg, f.zTrg, f.zTrg2, f.xRef, nil)
	require.NoError(t, err)

	value, err := loss.Item()
	require.NoError(t, err)
	assert.False(t, math.IsNaN(value) || math.IsInf(value, 0))

	// The diversity term is subtracted from the composition.
	expected := breakdown.Adv + breakdown.Sty - breakdown.DS + breakdown.Cyc
	assert.InDelta(t, expected, value, 1e-4)

	assert.GreaterOrEqual(t, breakdown.Sty, 0.0)
	assert.GreaterOrEqual(t, breakdown.DS, 0.0)
	assert.GreaterOrEqual(t, breakdown.Cyc, 0.0)

	require.NoError(t, tensor.Backward(loss))
	assert.True(t, hasGrads(f.nets.Generator))
	assert.True(t, hasGrads(f.nets.MappingNetwork))
	assert.True(t, hasGrads(f.nets.StyleEncoder))
}

func TestGeneratorLossStyleTargetComesFromReference(t *testing.T) {
	f := newLossFixture(t)
	weights := GLossWeights{LambdaSty: 1, LambdaDS: 1, LambdaCyc: 1}

	_, breakdown, err := ComputeGeneratorLoss(f.nets, weights,
		f.xReal, f.yOrg, f.yTrg, f.zTrg, f.zTrg2, f.xRef, nil)
	require.NoError(t, err)

	// Recompute the style term by hand: the target is the style the encoder
	// extracts from the reference image, not the injected latent-synthesized
	// code.
	var fromRef, fromInjected float64
	tensor.NoGrad(func() {
		sTrg, err := f.nets.MappingNetwork.MapLatent(f.zTrg, f.yTrg)
		require.NoError(t, err)
		xFake, err := f.nets.Generator.Generate(f.xReal, sTrg, nil)
		require.NoError(t, err)
		sPred, err := f.nets.StyleEncoder.EncodeStyle(xFake, f.yTrg)
		require.NoError(t, err)
		sRef, err := f.nets.StyleEncoder.EncodeStyle(f.xRef, f.yTrg)
		require.NoError(t, err)

		fromRef, err = MeanAbsDiff(sPred, sRef).Item()
		require.NoError(t, err)
		fromInjected, err = MeanAbsDiff(sPred, sTrg).Item()
		require.NoError(t, err)
	})

	assert.InDelta(t, fromRef, breakdown.Sty, 1e-5)
	assert.Greater(t, math.Abs(fromInjected-breakdown.Sty), 1e-6,
		"style term must not target the injected code")
}

func TestGeneratorLossRequiresInputs(t *testing.T) {
	f := newLossFixture(t)
	weights := GLossWeights{LambdaSty: 1, LambdaDS: 1, LambdaCyc: 1}

	_, _, err := ComputeGeneratorLoss(f.nets, weights,
		f.xReal, f.yOrg, f.yTrg, nil, f.zTrg2, f.xRef, nil)
	assert.Error(t, err)

	_, _, err = ComputeGeneratorLoss(f.nets, weights,
		f.xReal, f.yOrg, f.yTrg, f.zTrg, nil, f.xRef, nil)
	assert.Error(t, err)

	_, _, err = ComputeGeneratorLoss(f.nets, weights,
		f.xReal, f.yOrg, f.yTrg, f.zTrg, f.zTrg2, nil, nil)
	assert.Error(t, err)
}

func TestGeneratorLossZeroDiversityWeight(t *testing.T) {
	f := newLossFixture(t)
	weights := GLossWeights{LambdaSty: 1, LambdaDS: 0, LambdaCyc: 1}

	loss, breakdown, err := ComputeGeneratorLoss(f.nets, weights,
		f.xReal, f.yOrg, f.yTrg, f.zTrg, f.zTrg2, f.xRef, nil)
	require.NoError(t, err)

	value, err := loss.Item()
	require.NoError(t, err)
	// The diversity value is still reported even when its weight is zero.
	assert.Greater(t, breakdown.DS, 0.0)
	assert.InDelta(t, breakdown.Adv+breakdown.Sty+breakdown.Cyc, value, 1e-4)
}

func TestR1PenaltyNonNegative(t *testing.T) {
	f := newLossFixture(t)

	penalty, err := R1Penalty(f.nets.Discriminator, f.xReal, f.yOrg)
	require.NoError(t, err)

	value, err := penalty.Item()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, value, 0.0)
}

func TestMeanAbsDiff(t *testing.T) {
	a, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU, []float32{0, 4, 3, 0})
	require.NoError(t, err)

	d := MeanAbsDiff(a, b)
	value, err := d.Item()
	require.NoError(t, err)
	assert.InDelta(t, (1+2+0+4)/4.0, value, 1e-6)
}
