// Package pipeline buffers index operations and flushes them to the target
// index in bulk, committing the checkpoint after every acknowledged flush.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/checkpoint"
	"github.com/mehmetymw/cdc2es/internal/metrics"
	"github.com/mehmetymw/cdc2es/internal/types"
)

type Options struct {
	Source        string
	BatchSize     int
	FlushInterval time.Duration
	QueueCapacity int
	FlushTimeout  time.Duration
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	// RetryCeiling is the number of consecutive flushes allowed to fail
	// with types.ErrTargetUnavailable before Run gives up.
	RetryCeiling int
	// Horizon is the source head when the run started.
	Horizon types.Position
}

type Writer struct {
	indexer types.Indexer
	store   checkpoint.Store
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	committed types.Position
	pending   int
	lastFlush time.Time
}

type WriterStatus struct {
	Committed types.Position
	Pending   int
	LastFlush time.Time
}

// NewWriter returns a writer whose checkpoint starts at committed.
func NewWriter(indexer types.Indexer, store checkpoint.Store, opts Options, committed types.Position, logger *zap.Logger, m *metrics.Metrics) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.QueueCapacity < opts.BatchSize {
		opts.QueueCapacity = opts.BatchSize * 4
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = 10
	}
	logger.Info("Creating batch writer",
		zap.String("source", opts.Source),
		zap.Int("batch_size", opts.BatchSize),
		zap.Duration("flush_interval", opts.FlushInterval),
		zap.Int("queue_capacity", opts.QueueCapacity),
		zap.Stringer("checkpoint", committed))
	return &Writer{indexer: indexer, store: store, opts: opts, logger: logger, metrics: m, committed: committed}
}

func (w *Writer) Status() WriterStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStatus{Committed: w.committed, Pending: w.pending, LastFlush: w.lastFlush}
}

func (w *Writer) setPending(n int) {
	w.mu.Lock()
	w.pending = n
	w.mu.Unlock()
	w.metrics.Pending(n)
}

type flushResult struct {
	batch *Batch
	err   error
}

// Run consumes changes until in is closed, then flushes what is buffered
// and returns. At most one flush is in flight; changes keep buffering while
// it runs, up to QueueCapacity, after which in is no longer read. A failed
// batch is kept and retried together with newer changes after a backoff.
// Run returns an error once the target stays unavailable for RetryCeiling
// flushes or a fatal error is reported. Cancelling ctx stops Run without a
// final flush, after any in-flight flush completes.
func (w *Writer) Run(ctx context.Context, in <-chan types.Change) error {
	flushCtx := context.WithoutCancel(ctx)
	buf := NewBatch(w.opts.Horizon)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.MinBackoff
	bo.MaxInterval = w.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var (
		inflight *Batch
		done     = make(chan flushResult, 1)
		deadline time.Time
		retryAt  time.Time
		due      bool
		closed   bool
		failures int
	)
	arm := func(at time.Time) {
		deadline = at
		timer.Reset(time.Until(at))
	}
	startFlush := func() {
		if inflight != nil || buf.Empty() || time.Now().Before(retryAt) {
			return
		}
		inflight, buf = buf, NewBatch(w.opts.Horizon)
		deadline, due = time.Time{}, false
		timer.Stop()
		w.setPending(0)
		b := inflight
		go func() { done <- flushResult{batch: b, err: w.Flush(flushCtx, b)} }()
	}

	for {
		if closed && inflight == nil {
			if buf.Empty() {
				w.logger.Info("Change channel closed, writer drained")
				return nil
			}
			w.logger.Info("Change channel closed, flushing final batch", zap.Int("operations", buf.Len()))
			err := w.Flush(flushCtx, buf)
			if err == nil {
				w.setPending(0)
			}
			return err
		}

		inCh := in
		if closed || buf.Items() >= w.opts.QueueCapacity {
			inCh = nil
		}
		var timerC <-chan time.Time
		if !deadline.IsZero() {
			timerC = timer.C
		}

		select {
		case c, ok := <-inCh:
			if !ok {
				closed = true
				in = nil
				continue
			}
			if buf.Empty() && deadline.IsZero() {
				arm(time.Now().Add(w.opts.FlushInterval))
			}
			buf.Add(c)
			w.setPending(buf.Len())
			if buf.Len() >= w.opts.BatchSize {
				w.logger.Debug("Batch size reached, flushing", zap.Int("batch_size", buf.Len()))
				due = true
				startFlush()
			}
		case <-timerC:
			deadline = time.Time{}
			due = true
			if !buf.Empty() {
				w.logger.Debug("Flush interval reached, flushing", zap.Int("batch_size", buf.Len()))
			}
			startFlush()
		case r := <-done:
			inflight = nil
			if r.err == nil {
				failures = 0
				retryAt = time.Time{}
				bo.Reset()
				if due || buf.Len() >= w.opts.BatchSize {
					startFlush()
				} else if !buf.Empty() && deadline.IsZero() {
					arm(time.Now().Add(w.opts.FlushInterval))
				}
				continue
			}
			if types.IsFatal(r.err) {
				return r.err
			}
			failures++
			if errors.Is(r.err, types.ErrTargetUnavailable) && failures >= w.opts.RetryCeiling {
				return fmt.Errorf("giving up after %d failed flushes: %w", failures, r.err)
			}
			r.batch.MarkAttempted()
			r.batch.Merge(buf)
			buf = r.batch
			w.setPending(buf.Len())
			wait := bo.NextBackOff()
			w.logger.Warn("Flush failed, batch will be retried",
				zap.Error(r.err),
				zap.Int("attempt", failures),
				zap.Duration("backoff", wait),
				zap.Int("operations", buf.Len()))
			retryAt = time.Now().Add(wait)
			due = false
			arm(retryAt)
		case <-ctx.Done():
			if inflight != nil {
				<-done
			}
			return ctx.Err()
		}
	}
}

// Flush sends the operations of b as one bulk mutation and, once the target
// acknowledged all of them, saves the batch high water as checkpoint. Any
// item failure leaves the checkpoint where it was.
func (w *Writer) Flush(ctx context.Context, b *Batch) error {
	ops := b.Ops()
	start := time.Now()
	if len(ops) > 0 {
		w.logger.Info("Flushing batch",
			zap.Int("operations", len(ops)),
			zap.Int("changes", b.Items()),
			zap.Stringer("high_water", b.HighWater()))

		actx, cancel := context.WithTimeout(ctx, w.opts.FlushTimeout)
		results, err := w.indexer.Apply(actx, ops)
		cancel()
		if err != nil {
			w.metrics.Flush("failed", time.Since(start))
			if types.IsFatal(err) {
				w.logger.Error("Bulk mutation failed permanently", zap.Error(err))
				return err
			}
			if !errors.Is(err, types.ErrTargetUnavailable) {
				err = fmt.Errorf("%w: %v", types.ErrTargetUnavailable, err)
			}
			w.logger.Error("Bulk mutation failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
			return err
		}

		failed := 0
		for _, r := range results {
			if r.Err == nil {
				continue
			}
			failed++
			w.logger.Warn("Index operation failed",
				zap.String("id", r.DocumentID),
				zap.Stringer("kind", r.Kind),
				zap.Int("status", r.Status),
				zap.Error(r.Err))
		}
		if failed > 0 {
			w.metrics.Flush("partial", time.Since(start))
			return fmt.Errorf("%d of %d operations failed: %w", failed, len(ops), types.ErrPartialBatchFailure)
		}
		for _, op := range ops {
			w.metrics.Operation(op.Kind.String())
		}
	}

	hw := b.HighWater()
	if hw.After(w.Status().Committed) {
		if err := w.store.Save(ctx, w.opts.Source, hw); err != nil {
			w.metrics.Flush("failed", time.Since(start))
			return fmt.Errorf("save checkpoint %s: %w: %v", hw, types.ErrTransientConnectivity, err)
		}
	}

	w.mu.Lock()
	w.committed = types.MaxPosition(w.committed, hw)
	w.lastFlush = time.Now()
	w.mu.Unlock()

	w.metrics.Flush("ok", time.Since(start))
	w.logger.Info("Batch processing completed",
		zap.Int("operations", len(ops)),
		zap.Stringer("checkpoint", hw),
		zap.Duration("duration", time.Since(start)))
	return nil
}
