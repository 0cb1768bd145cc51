package training

import (
	"fmt"

	"github.com/tsawler/go-stargan/tensor"
)

// GradScaler implements loss scaling for mixed-precision training. The loss
// is multiplied by a large scale factor before backpropagation so small
// gradients survive reduced precision; gradients are unscaled before the
// optimizer step. When any unscaled gradient is non-finite the step is
// skipped and the scale is halved; after a run of clean steps the scale
// doubles again.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	goodSteps      int
	foundNonFinite bool
	enabled        bool
}

// NewGradScaler creates a scaler with the standard defaults. A disabled
// scaler is a no-op passthrough: Scale returns the loss unchanged and Step
// always runs the optimizer.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		scale:          65536.0,
		growthFactor:   2.0,
		backoffFactor:  0.5,
		growthInterval: 2000,
		enabled:        enabled,
	}
}

// Scale multiplies the loss by the current scale factor.
func (gs *GradScaler) Scale(loss *tensor.Tensor) *tensor.Tensor {
	if !gs.enabled {
		return loss
	}
	return tensor.ScaleAutograd(loss, gs.scale)
}

// Step unscales the gradients of the optimizer's parameters in place, then
// runs the optimizer step unless any gradient came out non-finite. It
// reports whether the step was applied.
func (gs *GradScaler) Step(opt Optimizer) (bool, error) {
	return gs.StepAll(opt)
}

// StepAll treats several optimizers as one phase: every gradient is
// unscaled first, overflow is checked across the whole set, and only a
// fully finite phase steps any of them. A partial phase would desynchronize
// the networks it spans.
func (gs *GradScaler) StepAll(opts ...Optimizer) (bool, error) {
	if !gs.enabled {
		for _, opt := range opts {
			if err := opt.Step(); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	inv := float32(1.0 / gs.scale)
	overflow := false
	for _, opt := range opts {
		for _, param := range opt.Parameters() {
			grad := param.Grad()
			if grad == nil {
				continue
			}
			data, err := grad.GetFloat32Data()
			if err != nil {
				return false, fmt.Errorf("unscaling gradient failed: %v", err)
			}
			for i := range data {
				data[i] *= inv
			}
			if grad.HasNonFinite() {
				overflow = true
			}
		}
	}

	if overflow {
		gs.foundNonFinite = true
		return false, nil
	}

	for _, opt := range opts {
		if err := opt.Step(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Update adjusts the scale factor after a step: backoff on overflow, growth
// after a full interval of clean steps. Call once per optimization phase,
// after Step.
func (gs *GradScaler) Update() {
	if !gs.enabled {
		return
	}

	if gs.foundNonFinite {
		gs.scale *= gs.backoffFactor
		if gs.scale < 1.0 {
			gs.scale = 1.0
		}
		gs.goodSteps = 0
	} else {
		gs.goodSteps++
		if gs.goodSteps >= gs.growthInterval {
			gs.scale *= gs.growthFactor
			gs.goodSteps = 0
		}
	}

	gs.foundNonFinite = false
}

// GetScale returns the current scale factor.
func (gs *GradScaler) GetScale() float64 {
	return gs.scale
}

// Enabled reports whether loss scaling is active.
func (gs *GradScaler) Enabled() bool {
	return gs.enabled
}
