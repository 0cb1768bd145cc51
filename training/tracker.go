package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Tracker receives the scalar training signals each logging interval. The
// file-backed implementation writes a JSONL run log; a hosted experiment
// tracker plugs in behind the same interface.
type Tracker interface {
	Init(cfg *Config) error
	Log(values map[string]float64, step int) error
	Finish() error
}

// NoopTracker discards everything.
type NoopTracker struct{}

func (NoopTracker) Init(*Config) error                { return nil }
func (NoopTracker) Log(map[string]float64, int) error { return nil }
func (NoopTracker) Finish() error                     { return nil }

// FileTracker appends one JSON object per logging interval to a run log.
type FileTracker struct {
	path string
	file *os.File
	enc  *json.Encoder
}

// NewFileTracker logs to the given path, created on Init.
func NewFileTracker(path string) *FileTracker {
	return &FileTracker{path: path}
}

func (ft *FileTracker) Init(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(ft.path), 0755); err != nil {
		return fmt.Errorf("creating run log directory: %v", err)
	}

	file, err := os.OpenFile(ft.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening run log: %v", err)
	}
	ft.file = file
	ft.enc = json.NewEncoder(file)

	header := map[string]interface{}{
		"event":      "run_start",
		"time":       time.Now().Format(time.RFC3339),
		"img_size":   cfg.ImgSize,
		"domains":    cfg.NumDomains,
		"batch_size": cfg.BatchSize,
		"epochs":     cfg.NumEpochs,
	}
	if err := ft.enc.Encode(header); err != nil {
		return fmt.Errorf("writing run log header: %v", err)
	}

	return nil
}

func (ft *FileTracker) Log(values map[string]float64, step int) error {
	if ft.enc == nil {
		return fmt.Errorf("tracker is not initialized")
	}

	entry := make(map[string]interface{}, len(values)+2)
	for k, v := range values {
		entry[k] = v
	}
	entry["step"] = step
	entry["time"] = time.Now().Format(time.RFC3339)

	if err := ft.enc.Encode(entry); err != nil {
		return fmt.Errorf("writing run log entry: %v", err)
	}
	return nil
}

func (ft *FileTracker) Finish() error {
	if ft.file == nil {
		return nil
	}
	err := ft.file.Close()
	ft.file = nil
	ft.enc = nil
	if err != nil {
		return fmt.Errorf("closing run log: %v", err)
	}
	return nil
}
