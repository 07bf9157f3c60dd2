package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/config"
	"github.com/mehmetymw/cdc2es/internal/types"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "mongo:testriver.person")
	require.NoError(t, err)
	assert.False(t, ok, "fresh store must report no checkpoint")

	require.NoError(t, s.Save(ctx, "mongo:testriver.person", types.Position{T: 100, I: 1}))
	require.NoError(t, s.Save(ctx, "mongo:testriver.person", types.Position{T: 101, I: 4}))
	require.NoError(t, s.Save(ctx, "mongo:testriver.fs", types.Position{T: 7, I: 0}))

	pos, ok, err := s.Load(ctx, "mongo:testriver.person")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Position{T: 101, I: 4}, pos)

	pos, ok, err = s.Load(ctx, "mongo:testriver.fs")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Position{T: 7, I: 0}, pos)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	exerciseStore(t, s)

	// no temp files survive a save
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	reopened, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	pos, ok, err := reopened.Load(context.Background(), "mongo:testriver.person")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Position{T: 101, I: 4}, pos)
}

func TestFileStoreSyncsDirAfterRename(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)

	var synced []string
	s.syncDir = func(d string) error {
		_, err := os.Stat(s.path("mongo:testriver.person"))
		require.NoError(t, err, "dir must be synced after the checkpoint is renamed into place")
		synced = append(synced, d)
		return syncDir(d)
	}
	require.NoError(t, s.Save(context.Background(), "mongo:testriver.person", types.Position{T: 3, I: 1}))
	assert.Equal(t, []string{dir}, synced)
}

func TestFileStoreSyncFailureFailsSave(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	s.syncDir = func(string) error { return os.ErrPermission }

	err = s.Save(context.Background(), "mongo:testriver.person", types.Position{T: 3, I: 1})
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestFileStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.checkpoint"), []byte("{"), 0o644))

	_, _, err = s.Load(context.Background(), "x")
	assert.Error(t, err)
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	s, err := OpenBoltStore(path, zap.NewNop())
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	pos, ok, err := s.Load(context.Background(), "mongo:testriver.person")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Position{T: 101, I: 4}, pos)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err := NewRedisStore(context.Background(), config.RedisCheckpoint{Addr: mr.Addr(), Prefix: "cp:"}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)

	assert.True(t, mr.Exists("cp:mongo:testriver.person"))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)
	assert.Equal(t, 3, s.Saves())
}

func TestNewUnknownType(t *testing.T) {
	_, err := New(context.Background(), config.CheckpointConfig{Type: "etcd"}, zap.NewNop())
	assert.Error(t, err)
}
