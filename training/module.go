package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-stargan/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed seeds every random stream a run draws from: weight
// initialization, loader shuffling, synthetic data, and latent sampling.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
	tensor.Seed(seed)
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer with Xavier/Glorot uniform weights.
func NewLinear(inputSize, outputSize int, bias bool, device tensor.DeviceType) (*Linear, error) {
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, device, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasData := make([]float32, outputSize)
		biasT, err := tensor.NewTensor([]int{outputSize}, tensor.Float32, device, biasData)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear expects a 2D input, got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("Linear input width %d doesn't match weight fan-in %d", input.Shape[1], l.weight.Shape[0])
	}

	out := tensor.MatMulAutograd(input, l.weight)
	if l.bias != nil {
		out = tensor.AddAutograd(out, l.bias)
	}
	return out, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Train() {
	l.training = true
}

func (l *Linear) Eval() {
	l.training = false
}

func (l *Linear) IsTraining() bool {
	return l.training
}

// ReLU activation layer
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

func (r *ReLU) Parameters() []*tensor.Tensor {
	return nil
}

func (r *ReLU) Train() {
	r.training = true
}

func (r *ReLU) Eval() {
	r.training = false
}

func (r *ReLU) IsTraining() bool {
	return r.training
}

// LeakyReLUModule activation layer
type LeakyReLUModule struct {
	slope    float64
	training bool
}

func NewLeakyReLU(negativeSlope float64) *LeakyReLUModule {
	return &LeakyReLUModule{slope: negativeSlope, training: true}
}

func (l *LeakyReLUModule) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LeakyReLUAutograd(input, l.slope), nil
}

func (l *LeakyReLUModule) Parameters() []*tensor.Tensor {
	return nil
}

func (l *LeakyReLUModule) Train() {
	l.training = true
}

func (l *LeakyReLUModule) Eval() {
	l.training = false
}

func (l *LeakyReLUModule) IsTraining() bool {
	return l.training
}

// TanhModule activation layer
type TanhModule struct {
	training bool
}

func NewTanh() *TanhModule {
	return &TanhModule{training: true}
}

func (t *TanhModule) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.TanhAutograd(input), nil
}

func (t *TanhModule) Parameters() []*tensor.Tensor {
	return nil
}

func (t *TanhModule) Train() {
	t.training = true
}

func (t *TanhModule) Eval() {
	t.training = false
}

func (t *TanhModule) IsTraining() bool {
	return t.training
}

// Sequential chains modules together
type Sequential struct {
	modules []Module
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	current := input
	for i, module := range s.modules {
		output, err := module.Forward(current)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
		current = output
	}
	return current, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	for _, module := range s.modules {
		if !module.IsTraining() {
			return false
		}
	}
	return true
}

func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}
