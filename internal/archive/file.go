package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/marko911/racefeed/internal/platform/storage"
	"github.com/marko911/racefeed/pkg/race"
)

// FileBackend appends records to a single JSON lines file.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("archive: file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Name() string { return "file:" + b.path }

func (b *FileBackend) Append(_ context.Context, results []race.Result) error {
	data, err := encodeLines(results)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	return f.Close()
}

// LastRaceID scans the file for the highest archived race id.
func (b *FileBackend) LastRaceID(ctx context.Context) (int64, error) {
	last := int64(storage.NoRaceID)
	err := b.Each(ctx, func(r Record) error {
		if r.RaceID > last {
			last = r.RaceID
		}
		return nil
	})
	return last, err
}

// Each calls fn for every record in file order. A missing file is empty.
func (b *FileBackend) Each(ctx context.Context, fn func(Record) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if err := decodeLines(f, func(r Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(r)
	}); err != nil {
		return fmt.Errorf("read %s: %w", b.path, err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }
