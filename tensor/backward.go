package tensor

import (
	"fmt"
)

// Backward runs reverse-mode differentiation from a scalar loss, accumulating
// gradients into every reachable tensor that requires them.
func Backward(loss *Tensor) error {
	if loss.NumElems != 1 {
		return fmt.Errorf("Backward requires a scalar tensor, got shape %v", loss.Shape)
	}
	seed, err := Ones(loss.Shape, loss.DType, loss.Device)
	if err != nil {
		return fmt.Errorf("failed to create seed gradient: %v", err)
	}
	return BackwardWithGrad(loss, seed)
}

// BackwardWithGrad is Backward with an explicit output gradient.
func BackwardWithGrad(t *Tensor, grad *Tensor) error {
	if !shapesEqual(t.Shape, grad.Shape) {
		return fmt.Errorf("gradient shape %v doesn't match tensor shape %v", grad.Shape, t.Shape)
	}
	if t.creator == nil && !t.requiresGrad {
		return fmt.Errorf("tensor is not part of an autograd graph")
	}

	// Topological order over the creator graph; each node appears after
	// everything it depends on.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(t)

	t.accumulateGrad(grad)

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || node.grad == nil {
			continue
		}

		inputGrads := node.creator.Backward(node.grad)
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}

		for j, in := range inputs {
			if inputGrads[j] == nil {
				continue
			}
			if in.requiresGrad || in.creator != nil {
				in.accumulateGrad(inputGrads[j])
			}
		}

		// Intermediate gradients are only needed while propagating; leaves
		// keep theirs for the optimizer.
		if node.creator != nil {
			node.grad = nil
		}
	}

	return nil
}
