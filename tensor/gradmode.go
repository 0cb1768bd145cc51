package tensor

// Gradient tracking is process-global, mirroring the single control thread
// that drives training. Operations executed while tracking is disabled do not
// join the autograd graph.
var gradEnabled = true

func GradEnabled() bool {
	return gradEnabled
}

func SetGradEnabled(enabled bool) {
	gradEnabled = enabled
}

// NoGrad runs fn with gradient tracking disabled, restoring the previous
// mode afterwards.
func NoGrad(fn func()) {
	prev := gradEnabled
	gradEnabled = false
	defer func() { gradEnabled = prev }()
	fn()
}
