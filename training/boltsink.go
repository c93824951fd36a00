package training

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/bfvos/bfvos/model"
)

var (
	checkpointBucket = []byte("checkpoints")
	configBucket     = []byte("configs")
)

// BoltSink stores snapshots in a single bbolt database file keyed by tag,
// an alternative to one file per checkpoint.
type BoltSink struct {
	db *bbolt.DB
}

// NewBoltSink opens (or creates) the database at path.
func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening checkpoint store %q", path)
	}
	return &BoltSink{db: db}, nil
}

// Save stores the snapshot under tag.
func (s *BoltSink) Save(_ context.Context, tag string, state model.State) error {
	return s.put(checkpointBucket, tag, state)
}

// SaveConfig stores the sidecar record under tag.
func (s *BoltSink) SaveConfig(_ context.Context, tag string, cfg interface{}) error {
	return s.put(configBucket, tag, cfg)
}

// Load returns the snapshot stored under tag.
func (s *BoltSink) Load(_ context.Context, tag string) (model.State, error) {
	var state model.State
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		if b == nil {
			return errors.Errorf("no checkpoint %q", tag)
		}
		v := b.Get([]byte(tag))
		if v == nil {
			return errors.Errorf("no checkpoint %q", tag)
		}
		return json.Unmarshal(v, &state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Close closes the database.
func (s *BoltSink) Close() error {
	return s.db.Close()
}

func (s *BoltSink) put(bucket []byte, tag string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %q", tag)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(tag), data)
	})
}
