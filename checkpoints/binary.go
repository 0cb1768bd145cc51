package checkpoints

import (
	"fmt"
	"os"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// The binary format is a protobuf Struct encoding of the snapshot. It carries
// the same schema as the JSON format in a considerably denser wire form.

func saveBinary(snapshot *Snapshot, path string) error {
	st, err := structpb.NewStruct(snapshotToMap(snapshot))
	if err != nil {
		return fmt.Errorf("failed to build checkpoint struct: %v", err)
	}

	data, err := proto.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %v", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}

	return nil
}

func loadBinary(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %v", err)
	}

	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %v", err)
	}

	return snapshotFromMap(st.AsMap())
}

func snapshotToMap(s *Snapshot) map[string]interface{} {
	collections := make(map[string]interface{}, len(s.Collections))
	for name, cs := range s.Collections {
		tensors := make([]interface{}, len(cs.Tensors))
		for i, tr := range cs.Tensors {
			shape := make([]interface{}, len(tr.Shape))
			for j, d := range tr.Shape {
				shape[j] = float64(d)
			}
			values := make([]interface{}, len(tr.Data))
			for j, v := range tr.Data {
				values[j] = float64(v)
			}
			tensors[i] = map[string]interface{}{
				"name":  tr.Name,
				"shape": shape,
				"data":  values,
			}
		}

		scalars := make(map[string]interface{}, len(cs.Scalars))
		for k, v := range cs.Scalars {
			scalars[k] = v
		}

		collections[name] = map[string]interface{}{
			"kind":    cs.Kind,
			"scalars": scalars,
			"tensors": tensors,
		}
	}

	return map[string]interface{}{
		"step":        float64(s.Step),
		"framework":   s.Framework,
		"version":     s.Version,
		"created_at":  s.CreatedAt.Format(time.RFC3339Nano),
		"collections": collections,
	}
}

func snapshotFromMap(m map[string]interface{}) (*Snapshot, error) {
	snapshot := &Snapshot{
		Collections: make(map[string]*CollectionState),
	}

	step, ok := m["step"].(float64)
	if !ok {
		return nil, fmt.Errorf("checkpoint is missing a step field")
	}
	snapshot.Step = int(step)
	snapshot.Framework, _ = m["framework"].(string)
	snapshot.Version, _ = m["version"].(string)
	if ts, ok := m["created_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			snapshot.CreatedAt = parsed
		}
	}

	collections, ok := m["collections"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("checkpoint is missing collections")
	}

	for name, raw := range collections {
		cm, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("collection %q has an invalid schema", name)
		}

		state := &CollectionState{
			Scalars: make(map[string]float64),
		}
		state.Kind, _ = cm["kind"].(string)

		if scalars, ok := cm["scalars"].(map[string]interface{}); ok {
			for k, v := range scalars {
				f, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("collection %q scalar %q is not numeric", name, k)
				}
				state.Scalars[k] = f
			}
		}

		tensors, ok := cm["tensors"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("collection %q is missing tensors", name)
		}
		for i, rawTensor := range tensors {
			tm, ok := rawTensor.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("collection %q tensor %d has an invalid schema", name, i)
			}

			record := TensorRecord{}
			record.Name, _ = tm["name"].(string)

			shape, ok := tm["shape"].([]interface{})
			if !ok {
				return nil, fmt.Errorf("tensor %q is missing its shape", record.Name)
			}
			record.Shape = make([]int, len(shape))
			for j, d := range shape {
				f, ok := d.(float64)
				if !ok {
					return nil, fmt.Errorf("tensor %q has a non-numeric shape entry", record.Name)
				}
				record.Shape[j] = int(f)
			}

			values, ok := tm["data"].([]interface{})
			if !ok {
				return nil, fmt.Errorf("tensor %q is missing its data", record.Name)
			}
			record.Data = make([]float32, len(values))
			for j, v := range values {
				f, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("tensor %q has a non-numeric data entry", record.Name)
				}
				record.Data[j] = float32(f)
			}

			state.Tensors = append(state.Tensors, record)
		}

		snapshot.Collections[name] = state
	}

	return snapshot, nil
}
