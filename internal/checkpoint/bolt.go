package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/types"
)

var checkpointBucket = []byte("checkpoints/v1")

// BoltStore keeps checkpoints in a single bbolt file. Every Save is its own
// update transaction.
type BoltStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenBoltStore opens (or creates) the bolt file. A directory path gets
// checkpoints.db appended.
func OpenBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, "checkpoints.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("unable to create directory %s: %v", path, err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("unable to open boltdb file %v", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Checkpoint bolt store opened", zap.String("path", path))
	return &BoltStore{db: db, logger: logger}, nil
}

func (s *BoltStore) Load(_ context.Context, source string) (types.Position, bool, error) {
	var (
		pos   types.Position
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(checkpointBucket).Get([]byte(source))
		if v == nil {
			return nil
		}
		p, err := decode(v)
		if err != nil {
			return err
		}
		pos, found = p, true
		return nil
	})
	return pos, found, err
}

func (s *BoltStore) Save(_ context.Context, source string, pos types.Position) error {
	b, err := encode(source, pos)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put([]byte(source), b)
	})
}

func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
