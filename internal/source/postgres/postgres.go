// Package postgres reads a PostgreSQL logical replication slot through the
// pgoutput plugin and exposes it as a replication log.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/tailer"
	"github.com/mehmetymw/cdc2es/internal/types"
)

const standbyTimeout = 10 * time.Second

type Source struct {
	cfg    config.PostgresSource
	logger *zap.Logger
	acked  atomic.Uint64
}

func New(cfg config.PostgresSource, logger *zap.Logger) *Source {
	logger.Info("Creating PostgreSQL source",
		zap.String("publication", cfg.Publication),
		zap.String("slot", cfg.Slot),
		zap.String("table", cfg.Table))
	return &Source{cfg: cfg, logger: logger}
}

// Namespace is the replicated table as schema and table name.
func Namespace(table string) types.Namespace {
	schema, name, ok := strings.Cut(table, ".")
	if !ok {
		return types.Namespace{Database: "public", Collection: table}
	}
	return types.Namespace{Database: schema, Collection: name}
}

// Acknowledge lets the slot release WAL up to the transaction holding pos.
// Call it with positions that are durably checkpointed.
func (s *Source) Acknowledge(pos types.Position) {
	lsn := uint64(positionLSN(pos))
	for {
		cur := s.acked.Load()
		if lsn <= cur || s.acked.CompareAndSwap(cur, lsn) {
			return
		}
	}
}

// Head returns a position after every transaction committed so far.
func (s *Source) Head(ctx context.Context) (types.Position, error) {
	conn, err := pgx.Connect(ctx, s.cfg.DSN)
	if err != nil {
		return types.Position{}, classify(err)
	}
	defer conn.Close(context.Background())

	var text string
	if err := conn.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&text); err != nil {
		return types.Position{}, classify(err)
	}
	lsn, err := pglogrepl.ParseLSN(text)
	if err != nil {
		return types.Position{}, fmt.Errorf("parse wal lsn %q: %w", text, err)
	}
	return headPosition(lsn), nil
}

func (s *Source) setup(ctx context.Context, from types.Position) error {
	conn, err := pgx.Connect(ctx, s.cfg.DSN)
	if err != nil {
		return classify(err)
	}
	defer conn.Close(context.Background())

	if s.cfg.Publication != "" && s.cfg.CreatePublication {
		ns := Namespace(s.cfg.Table)
		table := pgx.Identifier{ns.Database, ns.Collection}.Sanitize()
		pub := pgx.Identifier{s.cfg.Publication}.Sanitize()
		if _, err := conn.Exec(ctx, "CREATE PUBLICATION "+pub+" FOR TABLE "+table); err != nil {
			s.logger.Debug("Publication not created (may already exist)",
				zap.String("publication", s.cfg.Publication), zap.Error(err))
		} else {
			s.logger.Info("Publication created", zap.String("publication", s.cfg.Publication))
		}
	}

	var confirmed *string
	err = conn.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		s.cfg.Slot).Scan(&confirmed)
	if errors.Is(err, pgx.ErrNoRows) {
		if !s.cfg.CreateSlot {
			return fmt.Errorf("replication slot %s does not exist: %w", s.cfg.Slot, types.ErrCheckpointStale)
		}
		if !from.IsZero() {
			return fmt.Errorf("replication slot %s is gone, history after %s is lost: %w", s.cfg.Slot, from, types.ErrCheckpointStale)
		}
		if _, err := conn.Exec(ctx, "SELECT pg_create_logical_replication_slot($1, 'pgoutput')", s.cfg.Slot); err != nil {
			return classify(err)
		}
		s.logger.Info("Replication slot created", zap.String("slot", s.cfg.Slot))
		return nil
	}
	if err != nil {
		return classify(err)
	}
	if confirmed != nil && !from.IsZero() {
		lsn, err := pglogrepl.ParseLSN(*confirmed)
		if err == nil && lsn > positionLSN(from) {
			return fmt.Errorf("slot %s confirmed %s beyond resume position %s: %w",
				s.cfg.Slot, lsn, positionLSN(from), types.ErrCheckpointStale)
		}
	}
	return nil
}

func (s *Source) Open(ctx context.Context, from types.Position, _ []types.Namespace) (tailer.Cursor, error) {
	if err := s.setup(ctx, from); err != nil {
		return nil, err
	}

	cfg, err := pgconn.ParseConfig(s.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"

	s.logger.Info("Connecting to PostgreSQL for replication",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database))
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, classify(err)
	}

	start := positionLSN(from)
	s.Acknowledge(from)
	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", s.cfg.Publication),
		},
	}
	if err := pglogrepl.StartReplication(ctx, conn, s.cfg.Slot, start, opts); err != nil {
		conn.Close(context.Background())
		return nil, classify(err)
	}
	s.logger.Info("Started PostgreSQL replication", zap.String("lsn", start.String()))

	return &cursor{
		src:      s,
		conn:     conn,
		decoder:  newDecoder(s.cfg.IDColumn),
		deadline: time.Now().Add(standbyTimeout),
	}, nil
}

type cursor struct {
	src      *Source
	conn     *pgconn.PgConn
	decoder  *decoder
	queue    []types.LogEntry
	deadline time.Time
}

func (c *cursor) status(ctx context.Context) error {
	lsn := pglogrepl.LSN(c.src.acked.Load())
	err := pglogrepl.SendStandbyStatusUpdate(ctx, c.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	})
	if err != nil {
		return classify(err)
	}
	c.deadline = time.Now().Add(standbyTimeout)
	return nil
}

func (c *cursor) Next(ctx context.Context) (types.LogEntry, error) {
	for len(c.queue) == 0 {
		if time.Now().After(c.deadline) {
			if err := c.status(ctx); err != nil {
				return types.LogEntry{}, err
			}
		}

		rctx, cancel := context.WithDeadline(ctx, c.deadline)
		raw, err := c.conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return types.LogEntry{}, ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return types.LogEntry{}, classify(err)
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return types.LogEntry{}, classify(pgconn.ErrorResponseToPgError(msg))
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return types.LogEntry{}, fmt.Errorf("parse keepalive: %w", err)
				}
				if pkm.ReplyRequested {
					c.deadline = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				x, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return types.LogEntry{}, fmt.Errorf("parse xlog data: %w", err)
				}
				entries, err := c.decoder.decode(x.WALData)
				if err != nil {
					return types.LogEntry{}, err
				}
				c.queue = append(c.queue, entries...)
			}
		}
	}
	e := c.queue[0]
	c.queue = c.queue[1:]
	return e, nil
}

func (c *cursor) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// classify maps driver errors onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000":
			return fmt.Errorf("%w: %v", types.ErrAuthentication, err)
		case "42704":
			return fmt.Errorf("%w: %v", types.ErrCheckpointStale, err)
		}
	}
	return fmt.Errorf("%w: %v", types.ErrTransientConnectivity, err)
}

var _ tailer.Driver = (*Source)(nil)
