package training

import (
	"fmt"

	"github.com/tsawler/go-stargan/checkpoints"
)

// networkCollection adapts a Network to the checkpoint Collection interface.
// Parameters are recorded positionally; the architecture itself is implied
// by the configuration, not serialized.
type networkCollection struct {
	name string
	net  Network
}

// NetworkCollection registers a network's parameters under a role name.
func NetworkCollection(name string, net Network) checkpoints.Collection {
	return &networkCollection{name: name, net: net}
}

func (nc *networkCollection) Name() string { return nc.name }

func (nc *networkCollection) Capture() (*checkpoints.CollectionState, error) {
	state := &checkpoints.CollectionState{Kind: "network"}

	for i, p := range nc.net.Parameters() {
		data, err := p.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %v", i, err)
		}
		record := checkpoints.TensorRecord{
			Name:  fmt.Sprintf("param_%d", i),
			Shape: append([]int{}, p.Shape...),
			Data:  append([]float32{}, data...),
		}
		state.Tensors = append(state.Tensors, record)
	}

	return state, nil
}

func (nc *networkCollection) Restore(state *checkpoints.CollectionState) error {
	params := nc.net.Parameters()
	if len(state.Tensors) != len(params) {
		return fmt.Errorf("parameter count mismatch: checkpoint %d, network %d", len(state.Tensors), len(params))
	}

	for i, record := range state.Tensors {
		p := params[i]
		if !shapesMatch(record.Shape, p.Shape) {
			return fmt.Errorf("parameter %d shape mismatch: checkpoint %v, network %v", i, record.Shape, p.Shape)
		}
		data, err := p.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		if len(record.Data) != len(data) {
			return fmt.Errorf("parameter %d size mismatch: checkpoint %d, network %d", i, len(record.Data), len(data))
		}
		copy(data, record.Data)
	}

	return nil
}

// optimizerCollection adapts an Adam optimizer to the Collection interface:
// both moment buffers per parameter plus the step counter and learning
// rate.
type optimizerCollection struct {
	name string
	opt  *Adam
}

// OptimizerCollection registers an optimizer's internal state under a role
// name.
func OptimizerCollection(name string, opt *Adam) checkpoints.Collection {
	return &optimizerCollection{name: name, opt: opt}
}

func (oc *optimizerCollection) Name() string { return oc.name }

func (oc *optimizerCollection) Capture() (*checkpoints.CollectionState, error) {
	state := &checkpoints.CollectionState{
		Kind: "optimizer",
		Scalars: map[string]float64{
			"step": float64(oc.opt.StepCount()),
			"lr":   oc.opt.GetLR(),
		},
	}

	for i, p := range oc.opt.Parameters() {
		m, v, err := oc.opt.moments(p)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %v", i, err)
		}

		mData, err := m.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %d first moment: %v", i, err)
		}
		vData, err := v.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %d second moment: %v", i, err)
		}

		state.Tensors = append(state.Tensors,
			checkpoints.TensorRecord{
				Name:  fmt.Sprintf("m_%d", i),
				Shape: append([]int{}, p.Shape...),
				Data:  append([]float32{}, mData...),
			},
			checkpoints.TensorRecord{
				Name:  fmt.Sprintf("v_%d", i),
				Shape: append([]int{}, p.Shape...),
				Data:  append([]float32{}, vData...),
			},
		)
	}

	return state, nil
}

func (oc *optimizerCollection) Restore(state *checkpoints.CollectionState) error {
	params := oc.opt.Parameters()
	if len(state.Tensors) != 2*len(params) {
		return fmt.Errorf("moment record count mismatch: checkpoint %d, optimizer %d", len(state.Tensors), 2*len(params))
	}

	for i, p := range params {
		m, v, err := oc.opt.moments(p)
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}

		mRecord := state.Tensors[2*i]
		vRecord := state.Tensors[2*i+1]

		mData, err := m.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d first moment: %v", i, err)
		}
		vData, err := v.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d second moment: %v", i, err)
		}

		if len(mRecord.Data) != len(mData) || len(vRecord.Data) != len(vData) {
			return fmt.Errorf("parameter %d moment size mismatch", i)
		}
		copy(mData, mRecord.Data)
		copy(vData, vRecord.Data)
	}

	if step, ok := state.Scalars["step"]; ok {
		oc.opt.setStepCount(int64(step))
	}
	if lr, ok := state.Scalars["lr"]; ok {
		oc.opt.SetLR(lr)
	}

	return nil
}

func shapesMatch(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
