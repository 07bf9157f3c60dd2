// Package checkpoint persists the last log position reflected in the target
// index, one record per configured source.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/types"
)

// Store is implemented by every checkpoint backend. Load reports false when
// no checkpoint has been saved for source yet. Save must be atomic: a reader
// observes either the previous or the new position, never a torn value.
type Store interface {
	Load(ctx context.Context, source string) (types.Position, bool, error)
	Save(ctx context.Context, source string, pos types.Position) error
	Close() error
}

type record struct {
	Source   string         `json:"source"`
	Position types.Position `json:"position"`
	Updated  time.Time      `json:"updated"`
}

func encode(source string, pos types.Position) ([]byte, error) {
	return json.Marshal(record{Source: source, Position: pos, Updated: time.Now().UTC()})
}

func decode(b []byte) (types.Position, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return types.Position{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return r.Position, nil
}

// New opens the backend selected by cfg.Type.
func New(ctx context.Context, cfg config.CheckpointConfig, logger *zap.Logger) (Store, error) {
	logger.Info("Opening checkpoint store", zap.String("type", cfg.Type))
	switch cfg.Type {
	case "file":
		return NewFileStore(cfg.Path, logger)
	case "bolt":
		return OpenBoltStore(cfg.Path, logger)
	case "redis":
		return NewRedisStore(ctx, cfg.Redis, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.Postgres, logger)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown checkpoint store %q", cfg.Type)
}
