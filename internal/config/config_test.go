package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
source:
  type: mongo
  mongo:
    uri: mongodb://localhost:27017
    database: testriver
    collection: person
target:
  index: personindex
  elasticsearch:
    addresses: ["http://localhost:9200"]
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "elasticsearch", c.Target.Type)
	assert.Equal(t, "file", c.Checkpoint.Type)
	assert.Equal(t, 64, c.Batching.BatchSize)
	assert.Equal(t, 256, c.Batching.QueueCapacity)
	assert.Equal(t, 500, c.Batching.FlushIntervalMs)
	assert.Equal(t, 10, c.Retry.TargetRetryCeiling)
	assert.Equal(t, 1000, c.Attachments.MaxPending)
	assert.Equal(t, "mongo:testriver.person", c.SourceID())
}

func TestValidateRejectsMissingIndex(t *testing.T) {
	_, err := Parse([]byte(`
source:
  mongo: {uri: "mongodb://x", database: d, collection: c}
target:
  elasticsearch: {addresses: ["http://x"]}
`))
	assert.ErrorContains(t, err, "target.index")
}

func TestValidateUnknownTypes(t *testing.T) {
	c := Config{}
	c.ApplyDefaults()
	c.Target.Index = "i"
	c.Source.Type = "oracle"
	assert.ErrorContains(t, c.Validate(), "unknown source type")
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	t.Setenv("CONFIG_PATH", path)

	c, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "personindex", c.Target.Index)

	t.Setenv("CONFIG_PATH", "")
	_, err = LoadFromEnv()
	assert.Error(t, err)
}
