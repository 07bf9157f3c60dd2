package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type SourceConfig struct {
	Type     string         `yaml:"type"`
	Mongo    MongoSource    `yaml:"mongo"`
	Postgres PostgresSource `yaml:"postgres"`
}

type MongoSource struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	// GridFS treats Collection as a bucket name: <collection>.files and
	// <collection>.chunks are tailed and reassembled.
	GridFS bool `yaml:"gridfs"`
}

type PostgresSource struct {
	DSN               string `yaml:"dsn"`
	Slot              string `yaml:"slot"`
	Publication       string `yaml:"publication"`
	CreatePublication bool   `yaml:"create_publication"`
	CreateSlot        bool   `yaml:"create_slot"`
	Table             string `yaml:"table"`
	IDColumn          string `yaml:"id_column"`
}

type ElasticsearchTarget struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

type KafkaTarget struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type TargetConfig struct {
	Type          string              `yaml:"type"`
	Index         string              `yaml:"index"`
	IncludeFields []string            `yaml:"include_fields"`
	ExcludeFields []string            `yaml:"exclude_fields"`
	Elasticsearch ElasticsearchTarget `yaml:"elasticsearch"`
	Kafka         KafkaTarget         `yaml:"kafka"`
}

type RedisCheckpoint struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresCheckpoint struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type CheckpointConfig struct {
	Type     string             `yaml:"type"`
	Path     string             `yaml:"path"`
	Redis    RedisCheckpoint    `yaml:"redis"`
	Postgres PostgresCheckpoint `yaml:"postgres"`
}

type Batching struct {
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMs int `yaml:"flush_interval_ms"`
	QueueCapacity   int `yaml:"queue_capacity"`
	FlushTimeoutMs  int `yaml:"flush_timeout_ms"`
}

func (b Batching) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalMs) * time.Millisecond
}

func (b Batching) FlushTimeout() time.Duration {
	return time.Duration(b.FlushTimeoutMs) * time.Millisecond
}

type Retry struct {
	MinBackoffMs       int `yaml:"min_backoff_ms"`
	MaxBackoffMs       int `yaml:"max_backoff_ms"`
	TargetRetryCeiling int `yaml:"target_retry_ceiling"`
}

func (r Retry) MinBackoff() time.Duration { return time.Duration(r.MinBackoffMs) * time.Millisecond }
func (r Retry) MaxBackoff() time.Duration { return time.Duration(r.MaxBackoffMs) * time.Millisecond }

type Attachments struct {
	MaxPending     int   `yaml:"max_pending"`
	MaxObjectBytes int64 `yaml:"max_object_bytes"`
	MaxChunks      int   `yaml:"max_chunks"`
	ChunkIndexSize int   `yaml:"chunk_index_size"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Source      SourceConfig     `yaml:"source"`
	Target      TargetConfig     `yaml:"target"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	Batching    Batching         `yaml:"batching"`
	Retry       Retry            `yaml:"retry"`
	Attachments Attachments      `yaml:"attachments"`
	HTTP        HTTPConfig       `yaml:"http"`
	Log         LogConfig        `yaml:"log"`
}

// LoadFromEnv reads the file named by CONFIG_PATH.
func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errors.New("CONFIG_PATH is not set")
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) ApplyDefaults() {
	if c.Source.Type == "" {
		c.Source.Type = "mongo"
	}
	if c.Target.Type == "" {
		c.Target.Type = "elasticsearch"
	}
	if c.Checkpoint.Type == "" {
		c.Checkpoint.Type = "file"
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "./data"
	}
	if c.Checkpoint.Redis.Prefix == "" {
		c.Checkpoint.Redis.Prefix = "cdc2es:checkpoint:"
	}
	if c.Checkpoint.Postgres.Table == "" {
		c.Checkpoint.Postgres.Table = "cdc2es_checkpoints"
	}
	if c.Source.Postgres.IDColumn == "" {
		c.Source.Postgres.IDColumn = "id"
	}
	if c.Batching.BatchSize <= 0 {
		c.Batching.BatchSize = 64
	}
	if c.Batching.FlushIntervalMs <= 0 {
		c.Batching.FlushIntervalMs = 500
	}
	if c.Batching.QueueCapacity <= 0 {
		c.Batching.QueueCapacity = c.Batching.BatchSize * 4
	}
	if c.Batching.FlushTimeoutMs <= 0 {
		c.Batching.FlushTimeoutMs = 30000
	}
	if c.Retry.MinBackoffMs <= 0 {
		c.Retry.MinBackoffMs = 100
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = 30000
	}
	if c.Retry.MaxBackoffMs < c.Retry.MinBackoffMs {
		c.Retry.MaxBackoffMs = c.Retry.MinBackoffMs
	}
	if c.Retry.TargetRetryCeiling <= 0 {
		c.Retry.TargetRetryCeiling = 10
	}
	if c.Attachments.MaxPending <= 0 {
		c.Attachments.MaxPending = 1000
	}
	if c.Attachments.MaxObjectBytes <= 0 {
		c.Attachments.MaxObjectBytes = 64 << 20
	}
	if c.Attachments.MaxChunks <= 0 {
		c.Attachments.MaxChunks = 4096
	}
	if c.Attachments.ChunkIndexSize <= 0 {
		c.Attachments.ChunkIndexSize = 100000
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c Config) Validate() error {
	if c.Target.Index == "" {
		return errors.New("target.index is required")
	}
	switch c.Source.Type {
	case "mongo":
		if c.Source.Mongo.URI == "" || c.Source.Mongo.Database == "" || c.Source.Mongo.Collection == "" {
			return errors.New("source.mongo requires uri, database and collection")
		}
	case "postgres":
		if c.Source.Postgres.DSN == "" || c.Source.Postgres.Slot == "" || c.Source.Postgres.Table == "" {
			return errors.New("source.postgres requires dsn, slot and table")
		}
	default:
		return fmt.Errorf("unknown source type %q", c.Source.Type)
	}
	switch c.Target.Type {
	case "elasticsearch":
		if len(c.Target.Elasticsearch.Addresses) == 0 {
			return errors.New("target.elasticsearch.addresses is required")
		}
	case "kafka":
		if len(c.Target.Kafka.Brokers) == 0 || c.Target.Kafka.Topic == "" {
			return errors.New("target.kafka requires brokers and topic")
		}
	default:
		return fmt.Errorf("unknown target type %q", c.Target.Type)
	}
	switch c.Checkpoint.Type {
	case "file", "bolt", "memory":
	case "redis":
		if c.Checkpoint.Redis.Addr == "" {
			return errors.New("checkpoint.redis.addr is required")
		}
	case "postgres":
		if c.Checkpoint.Postgres.DSN == "" {
			return errors.New("checkpoint.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown checkpoint type %q", c.Checkpoint.Type)
	}
	return nil
}

// SourceID keys the checkpoint of the configured source.
func (c Config) SourceID() string {
	switch c.Source.Type {
	case "postgres":
		return "postgres:" + c.Source.Postgres.Slot + ":" + c.Source.Postgres.Table
	default:
		return "mongo:" + c.Source.Mongo.Database + "." + c.Source.Mongo.Collection
	}
}
