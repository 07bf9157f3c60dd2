package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/types"
)

// PostgresStore upserts one row per source. The single statement upsert is
// atomic under PostgreSQL's row locking.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

func NewPostgresStore(ctx context.Context, cfg config.PostgresCheckpoint, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect checkpoint database: %w", err)
	}
	table := pgx.Identifier{cfg.Table}.Sanitize()
	ddl := "CREATE TABLE IF NOT EXISTS " + table + ` (
		source TEXT PRIMARY KEY,
		pos_t BIGINT NOT NULL,
		pos_i BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	logger.Info("Checkpoint postgres store ready", zap.String("table", cfg.Table))
	return &PostgresStore{pool: pool, table: table, logger: logger}, nil
}

func (s *PostgresStore) Load(ctx context.Context, source string) (types.Position, bool, error) {
	var t, i int64
	err := s.pool.QueryRow(ctx, "SELECT pos_t, pos_i FROM "+s.table+" WHERE source = $1", source).Scan(&t, &i)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, err
	}
	return types.Position{T: uint32(t), I: uint32(i)}, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, source string, pos types.Position) error {
	_, err := s.pool.Exec(ctx, "INSERT INTO "+s.table+` (source, pos_t, pos_i, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (source) DO UPDATE SET pos_t = EXCLUDED.pos_t, pos_i = EXCLUDED.pos_i, updated_at = now()`,
		source, int64(pos.T), int64(pos.I))
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
