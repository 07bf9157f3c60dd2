// Package coordinator owns the lifecycle of a sync: it loads the
// checkpoint, runs the tailer and pumps its entries through the assembler
// and translator into the batch writer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/cdc2es/internal/attachment"
	"github.com/mehmetymw/cdc2es/internal/checkpoint"
	"github.com/mehmetymw/cdc2es/internal/metrics"
	"github.com/mehmetymw/cdc2es/internal/pipeline"
	"github.com/mehmetymw/cdc2es/internal/tailer"
	"github.com/mehmetymw/cdc2es/internal/translate"
	"github.com/mehmetymw/cdc2es/internal/types"
)

type State string

const (
	Stopped  State = "STOPPED"
	Starting State = "STARTING"
	Running  State = "RUNNING"
	Stopping State = "STOPPING"
	Failed   State = "FAILED"
)

var ErrAlreadyStarted = errors.New("coordinator already started")

type Config struct {
	// Source keys the checkpoint.
	Source     string
	Namespaces []types.Namespace
	// Bucket enables GridFS reassembly of the bucket's files and chunks.
	Bucket      *attachment.Bucket
	Limits      attachment.Limits
	Translate   translate.Options
	Writer      pipeline.Options
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	AckInterval time.Duration
}

// Acknowledger is implemented by drivers that retain log history until the
// consumer confirms it is checkpointed.
type Acknowledger interface {
	Acknowledge(types.Position)
}

type Coordinator struct {
	cfg       Config
	driver    tailer.Driver
	indexer   types.Indexer
	store     checkpoint.Store
	fetcher   attachment.Fetcher
	extractor translate.Extractor
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	state       State
	err         error
	writer      *pipeline.Writer
	cancelTail  context.CancelFunc
	cancelWrite context.CancelFunc
	done        chan struct{}
}

func New(cfg Config, driver tailer.Driver, indexer types.Indexer, store checkpoint.Store,
	fetcher attachment.Fetcher, extractor translate.Extractor, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.AckInterval <= 0 {
		cfg.AckInterval = time.Second
	}
	if extractor == nil {
		extractor = translate.DefaultRegistry()
	}
	return &Coordinator{
		cfg:       cfg,
		driver:    driver,
		indexer:   indexer,
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		logger:    logger,
		metrics:   m,
		state:     Stopped,
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Status() types.Status {
	c.mu.Lock()
	st := types.Status{State: string(c.state)}
	if c.err != nil {
		st.Error = c.err.Error()
	}
	w := c.writer
	c.mu.Unlock()
	if w != nil {
		ws := w.Status()
		st.Checkpoint = ws.Committed.String()
		st.PendingBatch = ws.Pending
		st.LastFlush = ws.LastFlush
	}
	return st
}

func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	c.state = Failed
	c.err = err
	c.mu.Unlock()
	c.logger.Error("Coordinator failed", zap.Error(err))
	return err
}

// Start loads the checkpoint and launches the pipeline. It returns once the
// pipeline runs; failures after that are reported by Wait and State.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Stopped && c.state != Failed {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = Starting
	c.err = nil
	c.mu.Unlock()

	c.logger.Info("Starting coordinator", zap.String("source", c.cfg.Source))
	committed, found, err := c.store.Load(ctx, c.cfg.Source)
	if err != nil {
		return c.fail(fmt.Errorf("load checkpoint: %w", err))
	}
	head, err := c.driver.Head(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("read log head: %w", err))
	}
	from := committed
	if !found {
		c.logger.Info("No checkpoint found, starting at log head", zap.Stringer("head", head))
		from = head
	} else {
		c.logger.Info("Resuming from checkpoint", zap.Stringer("checkpoint", committed), zap.Stringer("head", head))
	}

	index := c.cfg.Translate.Index
	if ok, err := c.indexer.Exists(ctx, index); err != nil {
		c.logger.Warn("Could not check target index", zap.String("index", index), zap.Error(err))
	} else if !ok {
		c.logger.Warn("Target index does not exist yet", zap.String("index", index))
	}

	wopts := c.cfg.Writer
	wopts.Source = c.cfg.Source
	wopts.Horizon = head
	writer := pipeline.NewWriter(c.indexer, c.store, wopts, committed, c.logger, c.metrics)
	translator := translate.New(c.cfg.Translate, c.extractor, c.logger)
	var assembler *attachment.Assembler
	if c.cfg.Bucket != nil {
		assembler = attachment.New(*c.cfg.Bucket, c.cfg.Limits, c.fetcher, from, c.logger, c.metrics)
	}
	t := tailer.New(c.driver, tailer.Options{
		Namespaces: c.cfg.Namespaces,
		MinBackoff: c.cfg.MinBackoff,
		MaxBackoff: c.cfg.MaxBackoff,
	}, c.logger, c.metrics)

	tailCtx, cancelTail := context.WithCancel(context.Background())
	writeCtx, cancelWrite := context.WithCancel(context.Background())
	entries := make(chan types.LogEntry, wopts.BatchSize)
	changes := make(chan types.Change, wopts.BatchSize)
	writerDone := make(chan struct{})
	done := make(chan struct{})

	c.mu.Lock()
	c.writer = writer
	c.cancelTail = cancelTail
	c.cancelWrite = cancelWrite
	c.done = done
	c.state = Running
	c.mu.Unlock()

	p := &pump{
		translator: translator,
		assembler:  assembler,
		logger:     c.logger,
	}

	var g errgroup.Group
	g.Go(func() error {
		defer close(entries)
		return t.Run(tailCtx, from, entries)
	})
	g.Go(func() error {
		defer close(changes)
		return p.run(writeCtx, entries, changes, writerDone)
	})
	g.Go(func() error {
		defer close(writerDone)
		defer cancelTail()
		return writer.Run(writeCtx, changes)
	})
	if ack, ok := c.driver.(Acknowledger); ok {
		go c.acknowledge(ack, writer, writerDone)
	}

	go func() {
		err := g.Wait()
		cancelTail()
		cancelWrite()
		c.mu.Lock()
		if err != nil && !errors.Is(err, context.Canceled) {
			c.state = Failed
			c.err = err
		} else {
			c.state = Stopped
		}
		state := c.state
		c.mu.Unlock()
		if state == Failed {
			c.logger.Error("Coordinator failed", zap.Error(err), zap.Stringer("checkpoint", writer.Status().Committed))
		} else {
			c.logger.Info("Coordinator stopped", zap.Stringer("checkpoint", writer.Status().Committed))
		}
		close(done)
	}()

	c.logger.Info("Coordinator running", zap.Stringer("from", from))
	return nil
}

func (c *Coordinator) acknowledge(ack Acknowledger, w *pipeline.Writer, writerDone <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.AckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-writerDone:
			if p := w.Status().Committed; !p.IsZero() {
				ack.Acknowledge(p)
			}
			return
		}
		if p := w.Status().Committed; !p.IsZero() {
			ack.Acknowledge(p)
		}
	}
}

// Stop stops reading the log, flushes what is buffered and waits for the
// pipeline to finish. If ctx expires first the writer is cancelled after
// its in-flight flush completes.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Running {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.state = Stopping
	cancelTail, cancelWrite, done := c.cancelTail, c.cancelWrite, c.done
	c.mu.Unlock()

	c.logger.Info("Stopping coordinator")
	cancelTail()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Stop deadline reached, abandoning buffered changes")
		cancelWrite()
		<-done
	}
	return c.Wait()
}

// Wait blocks until the pipeline has finished and returns the error that
// failed it, if any.
func (c *Coordinator) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
