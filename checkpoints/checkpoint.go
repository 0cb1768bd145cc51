package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// TensorRecord is one named parameter or state tensor with its data.
type TensorRecord struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// CollectionState is the serializable state of one registered collection:
// either a network's parameters or an optimizer's internal buffers.
type CollectionState struct {
	Kind    string             `json:"kind"` // "network" or "optimizer"
	Scalars map[string]float64 `json:"scalars,omitempty"`
	Tensors []TensorRecord     `json:"tensors"`
}

// Collection is anything that can dump and reload its state: networks and
// optimizers register themselves under a role name.
type Collection interface {
	Name() string
	Capture() (*CollectionState, error)
	Restore(*CollectionState) error
}

// Snapshot is a step-indexed, on-disk record of every registered collection.
// Snapshots are created at save points and never mutated in place.
type Snapshot struct {
	Step        int                         `json:"step"`
	Framework   string                      `json:"framework"`
	Version     string                      `json:"version"`
	CreatedAt   time.Time                   `json:"created_at"`
	Collections map[string]*CollectionState `json:"collections"`
}

// CheckpointIO persists and restores a group of named collections using a
// path template with a step placeholder, e.g. "ckpt/%06d_nets.ckpt".
type CheckpointIO struct {
	template    string
	format      CheckpointFormat
	collections []Collection
}

// NewCheckpointIO registers collections against a step-templated path.
func NewCheckpointIO(template string, format CheckpointFormat, collections ...Collection) (*CheckpointIO, error) {
	if !strings.Contains(template, "%") {
		return nil, fmt.Errorf("checkpoint path template %q has no step placeholder", template)
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("no collections registered for %q", template)
	}

	seen := make(map[string]bool)
	for _, c := range collections {
		if seen[c.Name()] {
			return nil, fmt.Errorf("duplicate collection name %q", c.Name())
		}
		seen[c.Name()] = true
	}

	return &CheckpointIO{
		template:    template,
		format:      format,
		collections: collections,
	}, nil
}

// Path returns the on-disk location for a step.
func (cio *CheckpointIO) Path(step int) string {
	return fmt.Sprintf(cio.template, step)
}

// Save serializes all registered collections keyed by step.
func (cio *CheckpointIO) Save(step int) error {
	snapshot := &Snapshot{
		Step:        step,
		Framework:   "go-stargan",
		Version:     "1.0.0",
		CreatedAt:   time.Now(),
		Collections: make(map[string]*CollectionState, len(cio.collections)),
	}

	for _, c := range cio.collections {
		state, err := c.Capture()
		if err != nil {
			return errors.Wrapf(err, "capturing collection %q", c.Name())
		}
		snapshot.Collections[c.Name()] = state
	}

	path := cio.Path(step)
	switch cio.format {
	case FormatJSON:
		return saveJSON(snapshot, path)
	case FormatBinary:
		return saveBinary(snapshot, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cio.format)
	}
}

// Load restores all registered collections from the snapshot at step. A
// missing file or a snapshot without a registered collection is an error.
func (cio *CheckpointIO) Load(step int) error {
	path := cio.Path(step)

	var snapshot *Snapshot
	var err error
	switch cio.format {
	case FormatJSON:
		snapshot, err = loadJSON(path)
	case FormatBinary:
		snapshot, err = loadBinary(path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cio.format)
	}
	if err != nil {
		return errors.Wrapf(err, "loading checkpoint %q", path)
	}

	for _, c := range cio.collections {
		state, ok := snapshot.Collections[c.Name()]
		if !ok {
			return fmt.Errorf("checkpoint %q has no collection %q", path, c.Name())
		}
		if err := c.Restore(state); err != nil {
			return errors.Wrapf(err, "restoring collection %q", c.Name())
		}
	}

	return nil
}

func saveJSON(snapshot *Snapshot, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(snapshot); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

func loadJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var snapshot Snapshot
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &snapshot, nil
}
