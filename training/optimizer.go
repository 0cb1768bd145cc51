package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-stargan/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	Parameters() []*tensor.Tensor
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor]*tensor.Tensor // First moment estimates
	v           map[*tensor.Tensor]*tensor.Tensor // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		step:        0,
		m:           make(map[*tensor.Tensor]*tensor.Tensor),
		v:           make(map[*tensor.Tensor]*tensor.Tensor),
	}

	// Initialize moment estimates
	for _, param := range parameters {
		if param.RequiresGrad() {
			m, _ := tensor.Zeros(param.Shape, param.DType, param.Device)
			v, _ := tensor.Zeros(param.Shape, param.DType, param.Device)
			adam.m[param] = m
			adam.v[param] = v
		}
	}

	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		grad := param.Grad()

		// Apply weight decay
		if adam.weightDecay > 0 {
			// grad = grad + weight_decay * param.data
			weightDecayTerm, err := tensor.Mul(param, tensor.FromScalar(adam.weightDecay, param.DType, param.Device))
			if err != nil {
				return fmt.Errorf("weight decay multiplication failed: %v", err)
			}
			grad, err = tensor.Add(grad, weightDecayTerm)
			if err != nil {
				return fmt.Errorf("weight decay addition failed: %v", err)
			}
		}

		m := adam.m[param]
		v := adam.v[param]
		if m == nil || v == nil {
			mNew, err := tensor.Zeros(param.Shape, param.DType, param.Device)
			if err != nil {
				return fmt.Errorf("first moment initialization failed: %v", err)
			}
			vNew, err := tensor.Zeros(param.Shape, param.DType, param.Device)
			if err != nil {
				return fmt.Errorf("second moment initialization failed: %v", err)
			}
			m = mNew
			v = vNew
			adam.m[param] = m
			adam.v[param] = v
		}

		// Update first moment estimate: m = beta1 * m + (1 - beta1) * grad
		beta1Term, err := tensor.Mul(m, tensor.FromScalar(adam.beta1, param.DType, param.Device))
		if err != nil {
			return fmt.Errorf("first moment beta1 term failed: %v", err)
		}

		gradTerm, err := tensor.Mul(grad, tensor.FromScalar(1.0-adam.beta1, param.DType, param.Device))
		if err != nil {
			return fmt.Errorf("first moment grad term failed: %v", err)
		}

		newM, err := tensor.Add(beta1Term, gradTerm)
		if err != nil {
			return fmt.Errorf("first moment update failed: %v", err)
		}

		// Update second moment estimate: v = beta2 * v + (1 - beta2) * grad^2
		beta2Term, err := tensor.Mul(v, tensor.FromScalar(adam.beta2, param.DType, param.Device))
		if err != nil {
			return fmt.Errorf("second moment beta2 term failed: %v", err)
		}

		gradSquared, err := tensor.Mul(grad, grad)
		if err != nil {
			return fmt.Errorf("gradient squaring failed: %v", err)
		}

		gradSquaredTerm, err := tensor.Mul(gradSquared, tensor.FromScalar(1.0-adam.beta2, param.DType, param.Device))
		if err != nil {
			return fmt.Errorf("second moment grad squared term failed: %v", err)
		}

		newV, err := tensor.Add(beta2Term, gradSquaredTerm)
		if err != nil {
			return fmt.Errorf("second moment update failed: %v", err)
		}

		// Update moment estimates in-place
		if err := m.SetData(newM.Data); err != nil {
			return fmt.Errorf("first moment data update failed: %v", err)
		}
		if err := v.SetData(newV.Data); err != nil {
			return fmt.Errorf("second moment data update failed: %v", err)
		}

		// Bias-corrected estimates
		mHat, err := tensor.Mul(newM, tensor.FromScalar(1.0/bias1, param.DType, param.Device))
		if err != nil {
			return fmt.Errorf("first moment bias correction failed: %v", err)
		}

		vHat, err := tensor.Mul(newV, tensor.FromScalar(1.0/bias2, param.DType, param.Device))
		if err != nil {
			return fmt.Errorf("second moment bias correction failed: %v", err)
		}

		// Compute update: lr * m_hat / (sqrt(v_hat) + eps)
		vHatSqrt, err := tensor.Sqrt(vHat)
		if err != nil {
			return fmt.Errorf("second moment sqrt failed: %v", err)
		}

		denominator, err := tensor.Add(vHatSqrt, tensor.FromScalar(adam.eps, param.DType, param.Device))
		if err != nil {
			return fmt.Errorf("denominator computation failed: %v", err)
		}

		update, err := tensor.Div(mHat, denominator)
		if err != nil {
			return fmt.Errorf("update division failed: %v", err)
		}

		lrUpdate, err := tensor.Mul(update, tensor.FromScalar(adam.lr, param.DType, param.Device))
		if err != nil {
			return fmt.Errorf("learning rate scaling failed: %v", err)
		}

		// Update parameters: param.data = param.data - lr_update
		newData, err := tensor.Sub(param, lrUpdate)
		if err != nil {
			return fmt.Errorf("parameter update failed: %v", err)
		}

		if err := param.SetData(newData.Data); err != nil {
			return fmt.Errorf("parameter data update failed: %v", err)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// Parameters returns the parameter set this optimizer updates.
func (adam *Adam) Parameters() []*tensor.Tensor {
	return adam.parameters
}

// StepCount returns the number of optimization steps taken so far.
func (adam *Adam) StepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

// moments returns the first and second moment buffers for a parameter,
// allocating zeroed buffers on first use. Used by checkpoint capture.
func (adam *Adam) moments(param *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	m := adam.m[param]
	v := adam.v[param]
	if m == nil || v == nil {
		var err error
		m, err = tensor.Zeros(param.Shape, param.DType, param.Device)
		if err != nil {
			return nil, nil, fmt.Errorf("first moment initialization failed: %v", err)
		}
		v, err = tensor.Zeros(param.Shape, param.DType, param.Device)
		if err != nil {
			return nil, nil, fmt.Errorf("second moment initialization failed: %v", err)
		}
		adam.m[param] = m
		adam.v[param] = v
	}
	return m, v, nil
}

// setStepCount overwrites the internal step counter. Used by checkpoint
// restore so bias correction resumes where it left off.
func (adam *Adam) setStepCount(step int64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.step = step
}
