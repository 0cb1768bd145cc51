package training

import (
	"fmt"

	"github.com/tsawler/go-stargan/tensor"
)

// StyleSource says where the discriminator loss's fake-generation style
// comes from: synthesized from a latent vector by the mapping network, or
// extracted from a reference image by the style encoder. Exactly one of the
// two; the zero value is invalid and rejected up front.
type styleKind int

const (
	styleFromLatent styleKind = iota + 1
	styleFromReference
)

type StyleSource struct {
	kind styleKind
	z    *tensor.Tensor // latent vector, [batch, latent_dim]
	x    *tensor.Tensor // reference image, [batch, img_dim]
}

// LatentStyle builds a style source backed by a latent vector.
func LatentStyle(z *tensor.Tensor) StyleSource {
	return StyleSource{kind: styleFromLatent, z: z}
}

// ReferenceStyle builds a style source backed by a reference image.
func ReferenceStyle(x *tensor.Tensor) StyleSource {
	return StyleSource{kind: styleFromReference, x: x}
}

// IsLatent reports whether the style comes from the mapping network.
func (s StyleSource) IsLatent() bool {
	return s.kind == styleFromLatent
}

// Validate rejects unset or malformed style sources.
func (s StyleSource) Validate() error {
	switch s.kind {
	case styleFromLatent:
		if s.z == nil {
			return fmt.Errorf("latent style source has no latent vector")
		}
	case styleFromReference:
		if s.x == nil {
			return fmt.Errorf("reference style source has no reference image")
		}
	default:
		return fmt.Errorf("style source is unset")
	}
	return nil
}

// synthesize produces the style code for target labels y.
func (s StyleSource) synthesize(nets *Ensemble, y *tensor.Tensor) (*tensor.Tensor, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.kind == styleFromLatent {
		return nets.MappingNetwork.MapLatent(s.z, y)
	}
	return nets.StyleEncoder.EncodeStyle(s.x, y)
}

// AdvLoss is the non-saturating adversarial loss: binary cross entropy of
// raw discriminator logits against a constant target (1 for real, 0 for
// fake).
func AdvLoss(logits *tensor.Tensor, target float64) *tensor.Tensor {
	return tensor.BCEWithLogitsAutograd(logits, target)
}

// MeanAbsDiff is the L1 reconstruction distance used by the style, diversity
// and cycle terms.
func MeanAbsDiff(a, b *tensor.Tensor) *tensor.Tensor {
	return tensor.MeanAutograd(tensor.AbsAutograd(tensor.SubAutograd(a, b)))
}

// DLossBreakdown reports the discriminator loss terms for logging.
type DLossBreakdown struct {
	Real float64
	Fake float64
	Reg  float64
}

// GLossBreakdown reports the generator-phase loss terms for logging.
type GLossBreakdown struct {
	Adv float64
	Sty float64
	DS  float64
	Cyc float64
}

// GLossWeights are the generator-phase loss weights. LambdaDS is passed per
// step because it decays over training.
type GLossWeights struct {
	LambdaSty float64
	LambdaDS  float64
	LambdaCyc float64
}

// R1Penalty computes the zero-centered gradient penalty on real images:
// 0.5 * E[ ||d D(x,y) / d x||^2 ]. The discriminator's parameters are
// frozen for the duration so the extra backward pass touches only the
// input. The result is a plain scalar; it enters the loss as a recorded
// value, not as a differentiable term.
func R1Penalty(d Discriminator, x, y *tensor.Tensor) (*tensor.Tensor, error) {
	xVar, err := x.Detach().Clone()
	if err != nil {
		return nil, fmt.Errorf("cloning penalty input failed: %v", err)
	}
	xVar.SetRequiresGrad(true)

	params := d.Parameters()
	saved := make([]bool, len(params))
	for i, p := range params {
		saved[i] = p.RequiresGrad()
		p.SetRequiresGrad(false)
	}
	defer func() {
		for i, p := range params {
			p.SetRequiresGrad(saved[i])
		}
	}()

	out, err := d.Discriminate(xVar, y)
	if err != nil {
		return nil, fmt.Errorf("penalty forward failed: %v", err)
	}

	batch := out.Shape[0]
	total := tensor.ScaleAutograd(tensor.MeanAutograd(out), float64(batch))
	if err := tensor.Backward(total); err != nil {
		return nil, fmt.Errorf("penalty backward failed: %v", err)
	}

	grad := xVar.Grad()
	if grad == nil {
		return nil, fmt.Errorf("penalty input received no gradient")
	}
	gradData, err := grad.GetFloat32Data()
	if err != nil {
		return nil, fmt.Errorf("reading penalty gradient failed: %v", err)
	}

	features := len(gradData) / batch
	var acc float64
	for b := 0; b < batch; b++ {
		var norm float64
		for j := 0; j < features; j++ {
			g := float64(gradData[b*features+j])
			norm += g * g
		}
		acc += norm
	}
	value := 0.5 * acc / float64(batch)

	return tensor.FromScalar(value, x.DType, x.Device), nil
}

// ComputeDiscriminatorLoss runs one discriminator forward pass: score real
// images against their true domain, generate fakes without tracking
// generator gradients, score the fakes against the target domain, and
// optionally add the R1 penalty on the real batch.
func ComputeDiscriminatorLoss(nets *Ensemble, lambdaReg float64, xReal, yOrg, yTrg *tensor.Tensor, src StyleSource, masks *tensor.Tensor) (*tensor.Tensor, *DLossBreakdown, error) {
	if err := src.Validate(); err != nil {
		return nil, nil, err
	}

	breakdown := &DLossBreakdown{}

	logitsReal, err := nets.Discriminator.Discriminate(xReal, yOrg)
	if err != nil {
		return nil, nil, fmt.Errorf("discriminating real batch failed: %v", err)
	}
	lossReal := AdvLoss(logitsReal, 1)

	var reg *tensor.Tensor
	if lambdaReg > 0 {
		reg, err = R1Penalty(nets.Discriminator, xReal, yOrg)
		if err != nil {
			return nil, nil, fmt.Errorf("computing gradient penalty failed: %v", err)
		}
	}

	// Fake generation never trains the generator side here.
	var xFake *tensor.Tensor
	tensor.NoGrad(func() {
		var style *tensor.Tensor
		style, err = src.synthesize(nets, yTrg)
		if err != nil {
			return
		}
		xFake, err = nets.Generator.Generate(xReal, style, masks)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("generating fake batch failed: %v", err)
	}
	xFake = xFake.Detach()

	logitsFake, err := nets.Discriminator.Discriminate(xFake, yTrg)
	if err != nil {
		return nil, nil, fmt.Errorf("discriminating fake batch failed: %v", err)
	}
	lossFake := AdvLoss(logitsFake, 0)

	total := tensor.AddAutograd(lossReal, lossFake)
	if reg != nil {
		total = tensor.AddAutograd(total, tensor.ScaleAutograd(reg, lambdaReg))
		breakdown.Reg, _ = reg.Item()
	}

	breakdown.Real, _ = lossReal.Item()
	breakdown.Fake, _ = lossFake.Item()

	return total, breakdown, nil
}

// ComputeGeneratorLoss runs the generator-phase forward pass. Both target
// styles are synthesized from the latent pair by the mapping network; the
// reference image supplies the style-reconstruction target. The composition
// is
//
//	adv + lambda_sty*sty - lambda_ds*ds + lambda_cyc*cyc
//
// where the diversity term is subtracted: the generator is pushed to make
// the two styled outputs differ.
func ComputeGeneratorLoss(nets *Ensemble, weights GLossWeights, xReal, yOrg, yTrg, zTrg, zTrg2, xRef, masks *tensor.Tensor) (*tensor.Tensor, *GLossBreakdown, error) {
	if zTrg == nil || zTrg2 == nil {
		return nil, nil, fmt.Errorf("generator loss requires two latent vectors")
	}
	if xRef == nil {
		return nil, nil, fmt.Errorf("generator loss requires a reference image for the style target")
	}

	// Adversarial term: fool the discriminator at the target domain.
	sTrg, err := nets.MappingNetwork.MapLatent(zTrg, yTrg)
	if err != nil {
		return nil, nil, fmt.Errorf("synthesizing target style failed: %v", err)
	}
	xFake, err := nets.Generator.Generate(xReal, sTrg, masks)
	if err != nil {
		return nil, nil, fmt.Errorf("generating styled batch failed: %v", err)
	}
	logits, err := nets.Discriminator.Discriminate(xFake, yTrg)
	if err != nil {
		return nil, nil, fmt.Errorf("discriminating styled batch failed: %v", err)
	}
	adv := AdvLoss(logits, 1)

	// Style reconstruction: the style read back from the fake must match the
	// style the encoder extracts from the reference image, not the injected
	// code.
	sPred, err := nets.StyleEncoder.EncodeStyle(xFake, yTrg)
	if err != nil {
		return nil, nil, fmt.Errorf("re-encoding styled batch failed: %v", err)
	}
	sRef, err := nets.StyleEncoder.EncodeStyle(xRef, yTrg)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding reference style failed: %v", err)
	}
	sty := MeanAbsDiff(sPred, sRef)

	// Diversity: a second style for the same targets must yield a visibly
	// different output. The second branch is detached so only the first
	// output is pushed away.
	sTrg2, err := nets.MappingNetwork.MapLatent(zTrg2, yTrg)
	if err != nil {
		return nil, nil, fmt.Errorf("synthesizing second style failed: %v", err)
	}
	xFake2, err := nets.Generator.Generate(xReal, sTrg2, masks)
	if err != nil {
		return nil, nil, fmt.Errorf("generating second styled batch failed: %v", err)
	}
	ds := MeanAbsDiff(xFake, xFake2.Detach())

	// Cycle consistency: translate back with the source's own style. Masks
	// are recomputed from the intermediate fake.
	var masksFake *tensor.Tensor
	if nets.Auxiliary != nil {
		masksFake, err = nets.Auxiliary.Heatmap(xFake)
		if err != nil {
			return nil, nil, fmt.Errorf("extracting cycle heatmap failed: %v", err)
		}
	}
	sOrg, err := nets.StyleEncoder.EncodeStyle(xReal, yOrg)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding source style failed: %v", err)
	}
	xRec, err := nets.Generator.Generate(xFake, sOrg, masksFake)
	if err != nil {
		return nil, nil, fmt.Errorf("reconstructing source batch failed: %v", err)
	}
	cyc := MeanAbsDiff(xRec, xReal)

	total := tensor.AddAutograd(adv, tensor.ScaleAutograd(sty, weights.LambdaSty))
	total = tensor.SubAutograd(total, tensor.ScaleAutograd(ds, weights.LambdaDS))
	total = tensor.AddAutograd(total, tensor.ScaleAutograd(cyc, weights.LambdaCyc))

	breakdown := &GLossBreakdown{}
	breakdown.Adv, _ = adv.Item()
	breakdown.Sty, _ = sty.Item()
	breakdown.DS, _ = ds.Item()
	breakdown.Cyc, _ = cyc.Item()

	return total, breakdown, nil
}
