package training

// LinearDecay walks a weight from its initial value down to zero over a
// fixed number of steps, clamping at exactly zero afterwards. Used for the
// diversity-loss weight, which anneals away over the first portion of
// training.
type LinearDecay struct {
	Initial float64
	Steps   int
}

// NewLinearDecay creates a decay schedule over the given number of steps. A
// non-positive step count yields a constant schedule.
func NewLinearDecay(initial float64, steps int) *LinearDecay {
	return &LinearDecay{
		Initial: initial,
		Steps:   steps,
	}
}

// ValueAfter returns the weight after stepsTaken update steps.
func (ld *LinearDecay) ValueAfter(stepsTaken int) float64 {
	if ld.Steps <= 0 {
		return ld.Initial
	}
	value := ld.Initial - ld.Initial*float64(stepsTaken)/float64(ld.Steps)
	if value < 0 {
		return 0
	}
	return value
}

// StepSize is the per-step decrement.
func (ld *LinearDecay) StepSize() float64 {
	if ld.Steps <= 0 {
		return 0
	}
	return ld.Initial / float64(ld.Steps)
}
