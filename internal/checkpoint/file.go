package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdc2es/internal/types"
)

// FileStore keeps one JSON file per source under dir. Saves write a
// temporary file, fsync it, rename it over the previous checkpoint and
// fsync dir so the rename itself survives a crash.
type FileStore struct {
	dir     string
	logger  *zap.Logger
	syncDir func(dir string) error
}

func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	logger.Debug("Creating file checkpoint store", zap.String("dir", dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger, syncDir: syncDir}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (f *FileStore) path(source string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "\\", "_")
	return filepath.Join(f.dir, r.Replace(source)+".checkpoint")
}

func (f *FileStore) Load(_ context.Context, source string) (types.Position, bool, error) {
	b, err := os.ReadFile(f.path(source))
	if errors.Is(err, os.ErrNotExist) {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, err
	}
	pos, err := decode(b)
	if err != nil {
		return types.Position{}, false, err
	}
	return pos, true, nil
}

func (f *FileStore) Save(_ context.Context, source string, pos types.Position) error {
	b, err := encode(source, pos)
	if err != nil {
		return err
	}
	p := f.path(source)
	f.logger.Debug("Saving checkpoint to file",
		zap.String("path", p),
		zap.Stringer("position", pos))

	tmp, err := os.CreateTemp(f.dir, ".checkpoint-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return err
	}
	if err := f.syncDir(f.dir); err != nil {
		return fmt.Errorf("sync checkpoint dir: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
