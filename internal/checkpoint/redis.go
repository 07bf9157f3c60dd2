package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/types"
)

type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisStore(ctx context.Context, cfg config.RedisCheckpoint, logger *zap.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	logger.Info("Checkpoint redis store connected", zap.String("addr", cfg.Addr))
	return &RedisStore{rdb: rdb, prefix: cfg.Prefix, logger: logger}, nil
}

func (s *RedisStore) Load(ctx context.Context, source string) (types.Position, bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+source).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, err
	}
	pos, err := decode(b)
	if err != nil {
		return types.Position{}, false, err
	}
	return pos, true, nil
}

func (s *RedisStore) Save(ctx context.Context, source string, pos types.Position) error {
	b, err := encode(source, pos)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.prefix+source, b, 0).Err()
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
