package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

const tempPrefix = ".upload-"

type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

// Put streams data into a temp file and renames it under a fresh key, so readers never see partial blobs.
func (s *Storage) Put(_ context.Context, data io.Reader) (string, int64, error) {
	key := uuid.NewString()

	tmp, err := os.CreateTemp(s.basePath, tempPrefix+"*")
	if err != nil {
		return "", 0, domain.WrapError(domain.ErrStorageWrite, "create temp file", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	size, err := io.Copy(tmp, data)
	if err != nil {
		cleanup()
		return "", 0, domain.WrapError(domain.ErrStorageWrite, "write file", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", 0, domain.WrapError(domain.ErrStorageWrite, "sync file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, domain.WrapError(domain.ErrStorageWrite, "close file", err)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, domain.WrapError(domain.ErrStorageWrite, "rename file", err)
	}
	return key, size, nil
}

func (s *Storage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrBlobNotFound, "open file", fmt.Errorf("key=%s", key))
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete is idempotent: a missing key is not an error.
func (s *Storage) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *Storage) List(ctx context.Context) ([]domain.BlobInfo, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}

	out := make([]domain.BlobInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		out = append(out, domain.BlobInfo{
			Key:        entry.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return out, nil
}

func (s *Storage) path(key string) string {
	return filepath.Join(s.basePath, key)
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, tempPrefix) {
		return domain.WrapError(domain.ErrInvalidInput, "validate storage key", fmt.Errorf("invalid key %q", key))
	}
	return nil
}
