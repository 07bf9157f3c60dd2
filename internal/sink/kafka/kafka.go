package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/types"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes index operations to a topic for a downstream indexer.
// Messages are keyed by index name so every change to an index, drops
// included, lands on one partition in log order.
type Sink struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

type Message struct {
	Op    string         `json:"op"`
	Index string         `json:"index"`
	ID    string         `json:"id,omitempty"`
	Body  map[string]any `json:"body,omitempty"`
}

func New(cfg config.KafkaTarget, logger *zap.Logger) (*Sink, error) {
	logger.Info("Creating Kafka sink",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug("Kafka writer log", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("Kafka writer error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}
	return newSink(writer, cfg.Topic, logger), nil
}

func newSink(w messageWriter, topic string, logger *zap.Logger) *Sink {
	return &Sink{writer: w, topic: topic, logger: logger}
}

func encode(op types.IndexOperation) (kafka.Message, error) {
	m := Message{Op: op.Kind.String(), Index: op.Index, ID: op.DocumentID, Body: op.Body}
	data, err := json.Marshal(m)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s %s: %w", op.Kind, op.DocumentID, err)
	}
	return kafka.Message{Key: []byte(op.Index), Value: data}, nil
}

func (s *Sink) Apply(ctx context.Context, ops []types.IndexOperation) ([]types.ItemResult, error) {
	msgs := make([]kafka.Message, len(ops))
	for i, op := range ops {
		m, err := encode(op)
		if err != nil {
			return nil, err
		}
		msgs[i] = m
	}

	start := time.Now()
	err := s.writer.WriteMessages(ctx, msgs...)
	duration := time.Since(start)

	results := make([]types.ItemResult, len(ops))
	for i, op := range ops {
		results[i] = types.ItemResult{DocumentID: op.DocumentID, Kind: op.Kind, Status: 200}
	}
	if err == nil {
		s.logger.Debug("Messages sent to Kafka",
			zap.Int("count", len(msgs)),
			zap.Duration("duration", duration))
		return results, nil
	}

	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) && len(werrs) == len(ops) {
		for i, e := range werrs {
			if e != nil {
				results[i].Status = 500
				results[i].Err = e
			}
		}
		s.logger.Warn("Kafka write partially failed",
			zap.Int("failed", werrs.Count()),
			zap.Int("count", len(msgs)))
		return results, nil
	}

	s.logger.Error("Failed to write messages to Kafka",
		zap.Error(err),
		zap.Duration("duration", duration))
	return nil, fmt.Errorf("write to %s: %w: %v", s.topic, types.ErrTargetUnavailable, err)
}

// Exists always reports true: topics are created by the broker.
func (s *Sink) Exists(context.Context, string) (bool, error) { return true, nil }

func (s *Sink) Close() error {
	s.logger.Info("Closing Kafka sink")
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}

var _ types.Indexer = (*Sink)(nil)
