package training

import (
	"fmt"
)

// MovingAverage folds the live network's parameters into its shadow:
// shadow = beta*shadow + (1-beta)*live, elementwise. The update is a plain
// data write; no gradients are involved and the shadow stays frozen.
func MovingAverage(live, shadow Network, beta float64) error {
	if beta <= 0 || beta >= 1 {
		return fmt.Errorf("ema beta must be in (0, 1), got %g", beta)
	}

	liveParams := live.Parameters()
	shadowParams := shadow.Parameters()
	if len(liveParams) != len(shadowParams) {
		return fmt.Errorf("parameter count mismatch: live %d, shadow %d", len(liveParams), len(shadowParams))
	}

	b := float32(beta)
	for i := range liveParams {
		src, err := liveParams[i].GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		dst, err := shadowParams[i].GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		if len(src) != len(dst) {
			return fmt.Errorf("parameter %d size mismatch: live %d, shadow %d", i, len(src), len(dst))
		}
		for j := range dst {
			dst[j] = b*dst[j] + (1-b)*src[j]
		}
	}

	return nil
}
