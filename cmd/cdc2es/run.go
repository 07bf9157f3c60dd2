package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/attachment"
	"github.com/mehmetymw/cdc2es/internal/checkpoint"
	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/coordinator"
	"github.com/mehmetymw/cdc2es/internal/metrics"
	"github.com/mehmetymw/cdc2es/internal/pipeline"
	"github.com/mehmetymw/cdc2es/internal/sink/elasticsearch"
	"github.com/mehmetymw/cdc2es/internal/sink/kafka"
	mongosrc "github.com/mehmetymw/cdc2es/internal/source/mongo"
	pgsrc "github.com/mehmetymw/cdc2es/internal/source/postgres"
	"github.com/mehmetymw/cdc2es/internal/tailer"
	"github.com/mehmetymw/cdc2es/internal/translate"
	"github.com/mehmetymw/cdc2es/internal/types"
)

func newRunCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start syncing with the given configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (default $CONFIG_PATH)")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = lvl
	return zapConfig.Build()
}

type source struct {
	driver     tailer.Driver
	fetcher    attachment.Fetcher
	namespaces []types.Namespace
	bucket     *attachment.Bucket
	close      func(context.Context) error
}

func openSource(ctx context.Context, cfg config.SourceConfig, logger *zap.Logger) (*source, error) {
	switch cfg.Type {
	case "mongo":
		src, err := mongosrc.Connect(ctx, cfg.Mongo, logger)
		if err != nil {
			return nil, err
		}
		s := &source{driver: src, close: src.Close}
		if !cfg.Mongo.GridFS {
			s.namespaces = []types.Namespace{{Database: cfg.Mongo.Database, Collection: cfg.Mongo.Collection}}
			return s, nil
		}
		b := attachment.BucketOf(cfg.Mongo.Database, cfg.Mongo.Collection)
		fs, err := src.GridFS(cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return nil, multierr.Append(err, src.Close(context.Background()))
		}
		s.bucket = &b
		s.fetcher = fs
		s.namespaces = b.Namespaces()
		return s, nil
	case "postgres":
		src := pgsrc.New(cfg.Postgres, logger)
		return &source{
			driver:     src,
			namespaces: []types.Namespace{pgsrc.Namespace(cfg.Postgres.Table)},
			close:      func(context.Context) error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Type)
}

func openIndexer(cfg config.TargetConfig, logger *zap.Logger) (types.Indexer, error) {
	switch cfg.Type {
	case "elasticsearch":
		return elasticsearch.New(cfg.Elasticsearch, logger)
	case "kafka":
		return kafka.New(cfg.Kafka, logger)
	}
	return nil, fmt.Errorf("unknown target type %q", cfg.Type)
}

func coordinatorConfig(cfg config.Config, src *source) coordinator.Config {
	return coordinator.Config{
		Source:     cfg.SourceID(),
		Namespaces: src.namespaces,
		Bucket:     src.bucket,
		Limits: attachment.Limits{
			MaxPending:     cfg.Attachments.MaxPending,
			MaxObjectBytes: cfg.Attachments.MaxObjectBytes,
			MaxChunks:      cfg.Attachments.MaxChunks,
			ChunkIndexSize: cfg.Attachments.ChunkIndexSize,
		},
		Translate: translate.Options{
			Index:         cfg.Target.Index,
			IncludeFields: cfg.Target.IncludeFields,
			ExcludeFields: cfg.Target.ExcludeFields,
		},
		Writer: pipeline.Options{
			BatchSize:     cfg.Batching.BatchSize,
			FlushInterval: cfg.Batching.FlushInterval(),
			QueueCapacity: cfg.Batching.QueueCapacity,
			FlushTimeout:  cfg.Batching.FlushTimeout(),
			MinBackoff:    cfg.Retry.MinBackoff(),
			MaxBackoff:    cfg.Retry.MaxBackoff(),
			RetryCeiling:  cfg.Retry.TargetRetryCeiling,
		},
		MinBackoff: cfg.Retry.MinBackoff(),
		MaxBackoff: cfg.Retry.MaxBackoff(),
	}
}

type statusReporter interface {
	Status() types.Status
}

func healthHandler(c statusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := c.Status()
		code := http.StatusOK
		switch coordinator.State(st.State) {
		case coordinator.Failed, coordinator.Stopped:
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(st)
	}
}

func run(ctx context.Context, cfg config.Config) (err error) {
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting cdc2es",
		zap.String("version", version),
		zap.String("source_type", cfg.Source.Type),
		zap.String("target_type", cfg.Target.Type),
		zap.String("index", cfg.Target.Index),
		zap.Int("batch_size", cfg.Batching.BatchSize))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := checkpoint.New(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	indexer, err := openIndexer(cfg.Target, logger)
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}
	defer func() { err = multierr.Append(err, indexer.Close()) }()

	src, err := openSource(ctx, cfg.Source, logger)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, src.close(cctx))
	}()

	coord := coordinator.New(coordinatorConfig(cfg, src), src.driver, indexer, store, src.fetcher, nil, logger, m)

	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler(coord))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(sigCtx); err != nil {
		return err
	}

	failed := make(chan error, 1)
	go func() { failed <- coord.Wait() }()

	select {
	case err := <-failed:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("Shutting down gracefully")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Batching.FlushTimeout()+10*time.Second)
	defer cancel()
	if err := coord.Stop(stopCtx); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
