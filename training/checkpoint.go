package training

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/bfvos/bfvos/model"
)

// CheckpointSink persists parameter snapshots under a tag. The snapshot format
// is the sink's concern; a failed save is fatal to the training run.
type CheckpointSink interface {
	Save(ctx context.Context, tag string, state model.State) error
	// SaveConfig writes a human-readable sidecar record next to the snapshot
	// with the same tag.
	SaveConfig(ctx context.Context, tag string, cfg interface{}) error
}

// FileSink writes one JSON snapshot file per tag into a directory.
type FileSink struct {
	dir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint dir %q", dir)
	}
	return &FileSink{dir: dir}, nil
}

// Save writes the snapshot to <dir>/<tag>.json.
func (s *FileSink) Save(_ context.Context, tag string, state model.State) error {
	return writeJSON(filepath.Join(s.dir, tag+".json"), state)
}

// SaveConfig writes the sidecar to <dir>/<tag>.config.json.
func (s *FileSink) SaveConfig(_ context.Context, tag string, cfg interface{}) error {
	return writeJSON(filepath.Join(s.dir, tag+".config.json"), cfg)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %q", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}

// LoadState reads a snapshot previously written by FileSink, for resuming or
// seeding from pretrained weights. A snapshot that does not decode is an
// error; the caller treats it as fatal at startup.
func LoadState(path string) (model.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading state %q", path)
	}
	var state model.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "decoding state %q", path)
	}
	return state, nil
}
