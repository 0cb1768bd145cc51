package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinearDecayMonotone(t *testing.T) {
	decay := NewLinearDecay(2.0, 10)

	prev := decay.ValueAfter(0)
	assert.Equal(t, 2.0, prev)

	for step := 1; step <= 15; step++ {
		v := decay.ValueAfter(step)
		assert.LessOrEqual(t, v, prev, "decay must never increase")
		assert.GreaterOrEqual(t, v, 0.0, "decay must never go negative")
		prev = v
	}
}

func TestLinearDecayClampsAtZero(t *testing.T) {
	decay := NewLinearDecay(1.0, 4)

	assert.Equal(t, 0.0, decay.ValueAfter(4))
	assert.Equal(t, 0.0, decay.ValueAfter(100))
}

func TestLinearDecayStepSize(t *testing.T) {
	decay := NewLinearDecay(1.0, 4)
	assert.InDelta(t, 0.25, decay.StepSize(), 1e-12)

	constant := NewLinearDecay(1.0, 0)
	assert.Equal(t, 0.0, constant.StepSize())
	assert.Equal(t, 1.0, constant.ValueAfter(50))
}
