package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-stargan/tensor"
)

// Role names the networks of the ensemble. The mapping from role to module is
// explicit everywhere: initialization, optimization, EMA tracking and
// checkpointing all iterate the same fixed ordering.
type Role string

const (
	RoleGenerator      Role = "generator"
	RoleDiscriminator  Role = "discriminator"
	RoleMappingNetwork Role = "mapping_network"
	RoleStyleEncoder   Role = "style_encoder"
	RoleAuxiliary      Role = "auxiliary"
)

// TrainableRoles is the fixed optimizer-step ordering for the generator
// ensemble phase; the discriminator steps alone in its own phase. The order
// is mathematically irrelevant (parameter sets are disjoint) but fixed for
// reproducibility.
var TrainableRoles = []Role{RoleGenerator, RoleDiscriminator, RoleMappingNetwork, RoleStyleEncoder}

// Network is the common surface of every trainable module in the ensemble.
type Network interface {
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// Generator translates an image to a styled image.
type Generator interface {
	Network
	Generate(x, style, masks *tensor.Tensor) (*tensor.Tensor, error)
}

// Discriminator scores an image's realness under a domain label. The output
// is one raw logit per sample, shape [batch, 1].
type Discriminator interface {
	Network
	Discriminate(x, y *tensor.Tensor) (*tensor.Tensor, error)
}

// MappingNetwork converts (latent vector, target label) to a style code.
type MappingNetwork interface {
	Network
	MapLatent(z, y *tensor.Tensor) (*tensor.Tensor, error)
}

// StyleEncoder extracts a style code from an image conditioned on a label.
type StyleEncoder interface {
	Network
	EncodeStyle(x, y *tensor.Tensor) (*tensor.Tensor, error)
}

// HeatmapExtractor computes structural masks from an image. It is frozen: it
// has no trainable parameters exposed and its output never carries gradients.
type HeatmapExtractor interface {
	Heatmap(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Ensemble is the explicit role-to-module mapping of the live networks.
// Auxiliary is nil when the heatmap weight w_hpf is zero; that is a valid
// "no conditioning" mode, not an error.
type Ensemble struct {
	Generator      Generator
	Discriminator  Discriminator
	MappingNetwork MappingNetwork
	StyleEncoder   StyleEncoder
	Auxiliary      HeatmapExtractor
}

// Trainable returns the live trainable networks in fixed role order.
func (e *Ensemble) Trainable() map[Role]Network {
	return map[Role]Network{
		RoleGenerator:      e.Generator,
		RoleDiscriminator:  e.Discriminator,
		RoleMappingNetwork: e.MappingNetwork,
		RoleStyleEncoder:   e.StyleEncoder,
	}
}

// ShadowEnsemble is the EMA copy of the ensemble: the same roles minus the
// discriminator and the frozen auxiliary. Its parameters are a smoothed
// trailing average of the live parameters and never receive gradients.
type ShadowEnsemble struct {
	Generator      Generator
	MappingNetwork MappingNetwork
	StyleEncoder   StyleEncoder
}

// BuildNetworks constructs the live ensemble and its EMA shadow from the
// configuration. Shadows start as exact copies of the live parameters with
// gradient tracking disabled.
func BuildNetworks(cfg *Config) (*Ensemble, *ShadowEnsemble, error) {
	dim := cfg.ImgDim()

	gen, err := newMLPGenerator(dim, cfg.StyleDim, cfg.HiddenDim, cfg.WHpf)
	if err != nil {
		return nil, nil, fmt.Errorf("building generator: %v", err)
	}
	disc, err := newMLPDiscriminator(dim, cfg.HiddenDim, cfg.NumDomains)
	if err != nil {
		return nil, nil, fmt.Errorf("building discriminator: %v", err)
	}
	mapping, err := newMLPMapping(cfg.LatentDim, cfg.HiddenDim, cfg.NumDomains, cfg.StyleDim)
	if err != nil {
		return nil, nil, fmt.Errorf("building mapping network: %v", err)
	}
	styleEnc, err := newMLPStyleEncoder(dim, cfg.HiddenDim, cfg.NumDomains, cfg.StyleDim)
	if err != nil {
		return nil, nil, fmt.Errorf("building style encoder: %v", err)
	}

	nets := &Ensemble{
		Generator:      gen,
		Discriminator:  disc,
		MappingNetwork: mapping,
		StyleEncoder:   styleEnc,
	}

	if cfg.WHpf > 0 {
		aux, err := newFrozenHeatmapNet(dim)
		if err != nil {
			return nil, nil, fmt.Errorf("building auxiliary heatmap network: %v", err)
		}
		nets.Auxiliary = aux
	}

	genEMA, err := newMLPGenerator(dim, cfg.StyleDim, cfg.HiddenDim, cfg.WHpf)
	if err != nil {
		return nil, nil, fmt.Errorf("building EMA generator: %v", err)
	}
	mappingEMA, err := newMLPMapping(cfg.LatentDim, cfg.HiddenDim, cfg.NumDomains, cfg.StyleDim)
	if err != nil {
		return nil, nil, fmt.Errorf("building EMA mapping network: %v", err)
	}
	styleEncEMA, err := newMLPStyleEncoder(dim, cfg.HiddenDim, cfg.NumDomains, cfg.StyleDim)
	if err != nil {
		return nil, nil, fmt.Errorf("building EMA style encoder: %v", err)
	}

	netsEMA := &ShadowEnsemble{
		Generator:      genEMA,
		MappingNetwork: mappingEMA,
		StyleEncoder:   styleEncEMA,
	}

	shadowPairs := []struct {
		live, shadow Network
	}{
		{nets.Generator, netsEMA.Generator},
		{nets.MappingNetwork, netsEMA.MappingNetwork},
		{nets.StyleEncoder, netsEMA.StyleEncoder},
	}
	for _, pair := range shadowPairs {
		if err := CopyParams(pair.live, pair.shadow); err != nil {
			return nil, nil, fmt.Errorf("initializing EMA shadow: %v", err)
		}
		for _, p := range pair.shadow.Parameters() {
			p.SetRequiresGrad(false)
		}
		pair.shadow.Eval()
	}

	return nets, netsEMA, nil
}

// CopyParams copies parameter values from src into dst. Shapes must match
// pairwise in iteration order.
func CopyParams(src, dst Network) error {
	srcParams := src.Parameters()
	dstParams := dst.Parameters()
	if len(srcParams) != len(dstParams) {
		return fmt.Errorf("parameter count mismatch: %d vs %d", len(srcParams), len(dstParams))
	}

	for i := range srcParams {
		s, err := srcParams[i].GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		d, err := dstParams[i].GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		if len(s) != len(d) {
			return fmt.Errorf("parameter %d size mismatch: %d vs %d", i, len(s), len(d))
		}
		copy(d, s)
	}

	return nil
}

// ApplyHeInit re-initializes a network's parameters with variance-scaling
// (He) initialization: weights ~ N(0, sqrt(2/fan_in)), biases zero. Applied
// to the live trainable roles only, never to EMA shadows or the frozen
// auxiliary.
func ApplyHeInit(net Network) {
	for _, p := range net.Parameters() {
		data, err := p.GetFloat32Data()
		if err != nil {
			continue
		}
		if p.Dim() == 2 {
			std := math.Sqrt(2.0 / float64(p.Shape[0]))
			for i := range data {
				data[i] = float32(globalRng.NormFloat64() * std)
			}
		} else {
			for i := range data {
				data[i] = 0
			}
		}
	}
}

// ParamCount returns the number of scalar parameters in a network.
func ParamCount(net Network) int {
	total := 0
	for _, p := range net.Parameters() {
		total += p.Numel()
	}
	return total
}

// mlpGenerator is the reference generator: an MLP over flattened image
// vectors, conditioned by concatenating the style code to the input. Real
// convolutional generators plug in behind the same interface.
type mlpGenerator struct {
	trunk *Sequential
	wHpf  float64
}

func newMLPGenerator(dim, styleDim, hiddenDim int, wHpf float64) (*mlpGenerator, error) {
	in, err := NewLinear(dim+styleDim, hiddenDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}
	mid, err := NewLinear(hiddenDim, hiddenDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}
	out, err := NewLinear(hiddenDim, dim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}

	return &mlpGenerator{
		trunk: NewSequential(in, NewLeakyReLU(0.2), mid, NewLeakyReLU(0.2), out, NewTanh()),
		wHpf:  wHpf,
	}, nil
}

func (g *mlpGenerator) Generate(x, style, masks *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || style == nil {
		return nil, fmt.Errorf("generator requires both an image and a style code")
	}

	h := tensor.ConcatAutograd(x, style)
	out, err := g.trunk.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("generator forward failed: %v", err)
	}

	// High-pass conditioning: reinject masked source structure.
	if masks != nil && g.wHpf > 0 {
		masked := tensor.MulAutograd(masks, x)
		out = tensor.AddAutograd(out, tensor.ScaleAutograd(masked, g.wHpf))
	}

	return out, nil
}

func (g *mlpGenerator) Parameters() []*tensor.Tensor { return g.trunk.Parameters() }
func (g *mlpGenerator) Train()                       { g.trunk.Train() }
func (g *mlpGenerator) Eval()                        { g.trunk.Eval() }
func (g *mlpGenerator) IsTraining() bool             { return g.trunk.IsTraining() }

// mlpDiscriminator scores realness with one output head per domain; the
// label picks the head.
type mlpDiscriminator struct {
	trunk *Sequential
}

func newMLPDiscriminator(dim, hiddenDim, numDomains int) (*mlpDiscriminator, error) {
	in, err := NewLinear(dim, hiddenDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}
	mid, err := NewLinear(hiddenDim, hiddenDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}
	out, err := NewLinear(hiddenDim, numDomains, true, tensor.CPU)
	if err != nil {
		return nil, err
	}

	return &mlpDiscriminator{
		trunk: NewSequential(in, NewLeakyReLU(0.2), mid, NewLeakyReLU(0.2), out),
	}, nil
}

func (d *mlpDiscriminator) Discriminate(x, y *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := d.trunk.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("discriminator forward failed: %v", err)
	}
	return tensor.GatherChunkAutograd(out, y, 1), nil
}

func (d *mlpDiscriminator) Parameters() []*tensor.Tensor { return d.trunk.Parameters() }
func (d *mlpDiscriminator) Train()                       { d.trunk.Train() }
func (d *mlpDiscriminator) Eval()                        { d.trunk.Eval() }
func (d *mlpDiscriminator) IsTraining() bool             { return d.trunk.IsTraining() }

// mlpMapping synthesizes a style code from a latent vector, one head per
// domain.
type mlpMapping struct {
	trunk    *Sequential
	styleDim int
}

func newMLPMapping(latentDim, hiddenDim, numDomains, styleDim int) (*mlpMapping, error) {
	in, err := NewLinear(latentDim, hiddenDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}
	mid, err := NewLinear(hiddenDim, hiddenDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}
	out, err := NewLinear(hiddenDim, numDomains*styleDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}

	return &mlpMapping{
		trunk:    NewSequential(in, NewReLU(), mid, NewReLU(), out),
		styleDim: styleDim,
	}, nil
}

func (m *mlpMapping) MapLatent(z, y *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := m.trunk.Forward(z)
	if err != nil {
		return nil, fmt.Errorf("mapping network forward failed: %v", err)
	}
	return tensor.GatherChunkAutograd(out, y, m.styleDim), nil
}

func (m *mlpMapping) Parameters() []*tensor.Tensor { return m.trunk.Parameters() }
func (m *mlpMapping) Train()                       { m.trunk.Train() }
func (m *mlpMapping) Eval()                        { m.trunk.Eval() }
func (m *mlpMapping) IsTraining() bool             { return m.trunk.IsTraining() }

// mlpStyleEncoder extracts a style code from an image, one head per domain.
type mlpStyleEncoder struct {
	trunk    *Sequential
	styleDim int
}

func newMLPStyleEncoder(dim, hiddenDim, numDomains, styleDim int) (*mlpStyleEncoder, error) {
	in, err := NewLinear(dim, hiddenDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}
	mid, err := NewLinear(hiddenDim, hiddenDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}
	out, err := NewLinear(hiddenDim, numDomains*styleDim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}

	return &mlpStyleEncoder{
		trunk:    NewSequential(in, NewLeakyReLU(0.2), mid, NewLeakyReLU(0.2), out),
		styleDim: styleDim,
	}, nil
}

func (s *mlpStyleEncoder) EncodeStyle(x, y *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := s.trunk.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("style encoder forward failed: %v", err)
	}
	return tensor.GatherChunkAutograd(out, y, s.styleDim), nil
}

func (s *mlpStyleEncoder) Parameters() []*tensor.Tensor { return s.trunk.Parameters() }
func (s *mlpStyleEncoder) Train()                       { s.trunk.Train() }
func (s *mlpStyleEncoder) Eval()                        { s.trunk.Eval() }
func (s *mlpStyleEncoder) IsTraining() bool             { return s.trunk.IsTraining() }

// frozenHeatmapNet is the frozen auxiliary: a fixed random projection whose
// sigmoid output acts as a structural mask. It exposes no trainable
// parameters and always computes without gradient tracking.
type frozenHeatmapNet struct {
	proj *Linear
}

func newFrozenHeatmapNet(dim int) (*frozenHeatmapNet, error) {
	proj, err := NewLinear(dim, dim, true, tensor.CPU)
	if err != nil {
		return nil, err
	}
	for _, p := range proj.Parameters() {
		p.SetRequiresGrad(false)
	}
	proj.Eval()
	return &frozenHeatmapNet{proj: proj}, nil
}

func (f *frozenHeatmapNet) Heatmap(x *tensor.Tensor) (*tensor.Tensor, error) {
	var out *tensor.Tensor
	var err error
	tensor.NoGrad(func() {
		var h *tensor.Tensor
		h, err = f.proj.Forward(x.Detach())
		if err != nil {
			return
		}
		out, err = tensor.Sigmoid(h)
	})
	if err != nil {
		return nil, fmt.Errorf("heatmap extraction failed: %v", err)
	}
	return out, nil
}
