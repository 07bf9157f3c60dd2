// Package tailer follows a source replication log from a checkpoint and
// yields the entries of the configured namespaces in log order.
package tailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/metrics"
	"github.com/mehmetymw/cdc2es/internal/types"
)

// Driver is the source database collaborator.
type Driver interface {
	// Open returns a cursor over entries strictly after from. It fails with
	// types.ErrCheckpointStale when from has been discarded from the log.
	Open(ctx context.Context, from types.Position, namespaces []types.Namespace) (Cursor, error)
	// Head returns the position of the newest entry in the log.
	Head(ctx context.Context) (types.Position, error)
}

type Cursor interface {
	// Next blocks until an entry is available or ctx is done.
	Next(ctx context.Context) (types.LogEntry, error)
	Close(ctx context.Context) error
}

type Options struct {
	Namespaces []types.Namespace
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type Tailer struct {
	driver  Driver
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	last types.Position
}

func New(driver Driver, opts Options, logger *zap.Logger, m *metrics.Metrics) *Tailer {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	return &Tailer{driver: driver, opts: opts, logger: logger, metrics: m}
}

// LastPosition is the position of the last entry read from the log,
// delivered or filtered out.
func (t *Tailer) LastPosition() types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Tailer) setLast(p types.Position) {
	t.mu.Lock()
	t.last = p
	t.mu.Unlock()
}

func (t *Tailer) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.opts.MinBackoff
	bo.MaxInterval = t.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Run streams entries after from into out until ctx is cancelled or a fatal
// error occurs. A zero from starts at the current head of the log. Transient
// failures reopen the cursor at the last read position; fatal ones
// (types.IsFatal) are returned. Run returns nil when ctx is cancelled.
func (t *Tailer) Run(ctx context.Context, from types.Position, out chan<- types.LogEntry) error {
	bo := t.newBackOff()
	if from.IsZero() {
		head, err := t.head(ctx, bo)
		if err != nil {
			return err
		}
		t.logger.Info("No checkpoint, starting at log head", zap.Stringer("position", head))
		from = head
	}
	t.setLast(from)

	for {
		err := t.stream(ctx, out, bo)
		if ctx.Err() != nil {
			t.logger.Info("Tailer stopped", zap.Stringer("last_position", t.LastPosition()))
			return nil
		}
		if types.IsFatal(err) {
			t.logger.Error("Tailer failed", zap.Error(err), zap.Stringer("last_position", t.LastPosition()))
			return err
		}
		wait := bo.NextBackOff()
		t.logger.Warn("Log cursor lost, reopening",
			zap.Error(err),
			zap.Duration("backoff", wait),
			zap.Stringer("resume_after", t.LastPosition()))
		t.metrics.Reconnect()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Tailer) head(ctx context.Context, bo *backoff.ExponentialBackOff) (types.Position, error) {
	for {
		head, err := t.driver.Head(ctx)
		if err == nil {
			bo.Reset()
			return head, nil
		}
		if types.IsFatal(err) {
			return types.Position{}, err
		}
		wait := bo.NextBackOff()
		t.logger.Warn("Reading log head failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return types.Position{}, ctx.Err()
		}
	}
}

func (t *Tailer) stream(ctx context.Context, out chan<- types.LogEntry, bo *backoff.ExponentialBackOff) error {
	from := t.LastPosition()
	t.logger.Info("Opening log cursor", zap.Stringer("after", from))
	cur, err := t.driver.Open(ctx, from, t.opts.Namespaces)
	if err != nil {
		return fmt.Errorf("open log cursor: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cur.Close(cctx); err != nil {
			t.logger.Debug("Closing log cursor failed", zap.Error(err))
		}
	}()

	for {
		e, err := cur.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		bo.Reset()
		last := t.LastPosition()
		if !e.Position.After(last) {
			t.logger.Debug("Skipping already delivered entry",
				zap.Stringer("position", e.Position),
				zap.Stringer("last", last))
			continue
		}
		if !t.matches(e) {
			t.metrics.Skipped()
			t.setLast(e.Position)
			continue
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.metrics.Tailed()
		t.setLast(e.Position)
	}
}

func (t *Tailer) matches(e types.LogEntry) bool {
	for _, ns := range t.opts.Namespaces {
		if e.Kind == types.EntryDropDatabase {
			if ns.Database == e.Namespace.Database {
				return true
			}
			continue
		}
		if ns == e.Namespace {
			return true
		}
	}
	return false
}
