// Package checkpoint persists training snapshots in the latest and best slots of an
// experiment directory.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cprnn-go/pkg/config"
	"cprnn-go/pkg/metrics"
	"cprnn-go/pkg/optim"
	"cprnn-go/pkg/tensorio"
	"cprnn-go/pkg/tokenizer"
)

// Version is bumped on incompatible layout changes.
const Version = 1

var (
	ErrMissing = errors.New("checkpoint: missing")
	ErrCorrupt = errors.New("checkpoint: corrupt")
)

type Slot string

const (
	Latest Slot = "model_latest"
	Best   Slot = "model_best"
)

func Path(dir string, slot Slot) string {
	return filepath.Join(dir, string(slot)+".json")
}

func Exists(dir string, slot Slot) bool {
	_, err := os.Stat(Path(dir, slot))
	return err == nil
}

// Record is one durable training snapshot.
type Record struct {
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
	RunID     string `json:"run_id,omitempty"`

	Epoch          int                        `json:"epoch"`
	OptimizerState optim.State                `json:"optimizer_state"`
	ModelState     map[string]tensorio.Matrix `json:"model_state"`
	RandomState    []byte                     `json:"random_state"`
	TrainMetrics   metrics.Metrics            `json:"train_metrics"`
	ValidMetrics   metrics.Metrics            `json:"valid_metrics"`
	TestMetrics    metrics.Metrics            `json:"test_metrics"`
	NumParams      int                        `json:"num_params"`
	Config         config.Config              `json:"config"`

	Tokenization string   `json:"tokenization,omitempty"`
	Vocab        []string `json:"vocab,omitempty"`
}

// Tokenizer rebuilds the vocabulary stored with the record.
func (r Record) Tokenizer() (*tokenizer.Tokenizer, error) {
	if len(r.Vocab) == 0 {
		return nil, fmt.Errorf("%w: no vocabulary stored", ErrCorrupt)
	}
	return tokenizer.FromSymbols(r.Tokenization, r.Vocab)
}

// Save overwrites the slot with rec.
func Save(dir string, slot Slot, rec Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(dir, slot), b, 0o644)
}

// Load reads a slot. A missing file is ErrMissing; anything unreadable or
// inconsistent is ErrCorrupt.
func Load(dir string, slot Slot) (Record, error) {
	return Read(Path(dir, slot))
}

// Read loads a checkpoint file by path with the same validation as Load.
func Read(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s", ErrMissing, path)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if rec.Version != Version {
		return Record{}, fmt.Errorf("%w: %s: version %d, want %d", ErrCorrupt, path, rec.Version, Version)
	}
	if rec.Epoch < 1 {
		return Record{}, fmt.Errorf("%w: %s: epoch %d", ErrCorrupt, path, rec.Epoch)
	}
	if len(rec.ModelState) == 0 {
		return Record{}, fmt.Errorf("%w: %s: empty model state", ErrCorrupt, path)
	}
	return rec, nil
}
