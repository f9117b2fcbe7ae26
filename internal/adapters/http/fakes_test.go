package httpadapter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/config"
	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

const knownID = "3f1c2b8e-6a4d-4c1e-9d2a-7b5e8f0a1c3d"

type ingestFake struct {
	err      error
	gotName  string
	gotMime  string
	gotBytes []byte
}

func (f *ingestFake) Upload(_ context.Context, name, mimeType string, body io.Reader) (*domain.UploadedFile, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStorageWrite, "save blob", err)
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", io.EOF)
	}
	f.gotName, f.gotMime, f.gotBytes = name, mimeType, raw
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	return &domain.UploadedFile{
		ID:           knownID,
		StorageKey:   "blob-1",
		OriginalName: name,
		MimeType:     mimeType,
		SizeBytes:    int64(len(raw)),
		DateUploaded: now,
		Status:       domain.StatusUploaded,
		UpdatedAt:    now,
	}, nil
}

type catalogFake struct {
	mu         sync.Mutex
	files      map[string]domain.UploadedFile
	blobs      map[string][]byte
	listErr    error
	lastFilter domain.ListFilter
}

func newCatalogFake() *catalogFake {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	return &catalogFake{
		files: map[string]domain.UploadedFile{
			knownID: {
				ID:           knownID,
				StorageKey:   "blob-1",
				OriginalName: "scan.png",
				MimeType:     "image/png",
				SizeBytes:    5,
				DateUploaded: now,
				Status:       domain.StatusProcessed,
				OCROutput:    "hello",
				UpdatedAt:    now,
			},
		},
		blobs: map[string][]byte{"blob-1": []byte("\x89PNG!")},
	}
}

func (c *catalogFake) List(_ context.Context, filter domain.ListFilter) ([]domain.UploadedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFilter = filter
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := make([]domain.UploadedFile, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f)
	}
	return out, nil
}

func (c *catalogFake) Get(_ context.Context, id string) (*domain.UploadedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrFileNotFound, "get", io.EOF)
	}
	return &f, nil
}

func (c *catalogFake) Open(ctx context.Context, id string) (*domain.UploadedFile, io.ReadCloser, error) {
	f, err := c.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return f, io.NopCloser(bytes.NewReader(c.blobs[f.StorageKey])), nil
}

func (c *catalogFake) Delete(_ context.Context, ids []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		if f, ok := c.files[id]; ok {
			delete(c.files, id)
			delete(c.blobs, f.StorageKey)
			deleted++
		}
	}
	if deleted == 0 {
		return 0, domain.WrapError(domain.ErrFileNotFound, "delete", io.EOF)
	}
	return deleted, nil
}

type exporterFake struct {
	rows int
}

func (e *exporterFake) Export(_ context.Context, files []domain.UploadedFile) ([]byte, error) {
	e.rows = len(files)
	return []byte("PK-xlsx"), nil
}

func newTestHandler(t *testing.T, cfg config.Config, ingest *ingestFake, catalog *catalogFake, opts ...RouterOption) http.Handler {
	t.Helper()
	if ingest == nil {
		ingest = &ingestFake{}
	}
	if catalog == nil {
		catalog = newCatalogFake()
	}
	handler, err := NewRouter(cfg, ingest, catalog, &exporterFake{}, opts...).Handler()
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return handler
}
