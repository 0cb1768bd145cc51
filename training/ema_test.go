package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-stargan/tensor"
)

func constantNet(t *testing.T, value float32) *Sequential {
	t.Helper()
	layer, err := NewLinear(2, 2, true, tensor.CPU)
	require.NoError(t, err)

	net := NewSequential(layer)
	for _, p := range net.Parameters() {
		data, err := p.GetFloat32Data()
		require.NoError(t, err)
		for i := range data {
			data[i] = value
		}
	}
	return net
}

func TestMovingAverageConverges(t *testing.T) {
	live := constantNet(t, 1.0)
	shadow := constantNet(t, 0.0)

	// shadow = 0.5*shadow + 0.5*live, repeatedly.
	for i := 0; i < 10; i++ {
		require.NoError(t, MovingAverage(live, shadow, 0.5))
	}

	for _, p := range shadow.Parameters() {
		data, err := p.GetFloat32Data()
		require.NoError(t, err)
		for _, v := range data {
			assert.InDelta(t, 1.0, float64(v), 1e-3, "shadow should converge toward live")
		}
	}
}

func TestMovingAverageSingleStep(t *testing.T) {
	live := constantNet(t, 1.0)
	shadow := constantNet(t, 0.0)

	require.NoError(t, MovingAverage(live, shadow, 0.999))

	for _, p := range shadow.Parameters() {
		data, err := p.GetFloat32Data()
		require.NoError(t, err)
		for _, v := range data {
			assert.InDelta(t, 0.001, float64(v), 1e-6)
		}
	}
}

func TestMovingAverageDoesNotTouchLive(t *testing.T) {
	live := constantNet(t, 3.0)
	shadow := constantNet(t, 0.0)

	require.NoError(t, MovingAverage(live, shadow, 0.9))

	for _, p := range live.Parameters() {
		data, err := p.GetFloat32Data()
		require.NoError(t, err)
		for _, v := range data {
			assert.Equal(t, float32(3.0), v)
		}
	}
}

func TestMovingAverageRejectsBadBeta(t *testing.T) {
	live := constantNet(t, 1.0)
	shadow := constantNet(t, 0.0)

	assert.Error(t, MovingAverage(live, shadow, 0))
	assert.Error(t, MovingAverage(live, shadow, 1))
	assert.Error(t, MovingAverage(live, shadow, 1.5))
}

func TestMovingAverageRejectsMismatchedNets(t *testing.T) {
	live := constantNet(t, 1.0)

	layer, err := NewLinear(2, 2, false, tensor.CPU)
	require.NoError(t, err)
	shadow := NewSequential(layer)

	assert.Error(t, MovingAverage(live, shadow, 0.999))
}
