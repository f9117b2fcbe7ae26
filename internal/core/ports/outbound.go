package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

// FileRepository persists and reads upload metadata.
type FileRepository interface {
	Insert(ctx context.Context, file *domain.UploadedFile) error
	GetByID(ctx context.Context, id string) (*domain.UploadedFile, error)
	UpdateFields(ctx context.Context, id string, update domain.FileUpdate) error
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (*domain.UploadedFile, error)
	FindAll(ctx context.Context, filter domain.ListFilter) ([]domain.UploadedFile, error)
	FindStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.UploadedFile, error)
	DeleteMany(ctx context.Context, ids []string) ([]domain.UploadedFile, error)
	ExistingStorageKeys(ctx context.Context, keys []string) (map[string]bool, error)
}

// BlobStore stores uploaded content under generated keys.
type BlobStore interface {
	Put(ctx context.Context, data io.Reader) (string, int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]domain.BlobInfo, error)
}

// EnrichmentQueue schedules enrichment jobs.
type EnrichmentQueue interface {
	Enqueue(ctx context.Context, job domain.EnrichmentJob) error
}

// EnrichmentConsumer delivers queued jobs to a handler. A handler error requests redelivery.
type EnrichmentConsumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.EnrichmentJob) error) error
}

// OCRClient calls the remote text-extraction service.
type OCRClient interface {
	Recognize(ctx context.Context, payload domain.OCRPayload) (domain.OCRResult, error)
}

// TextLayerExtractor reads embedded text from documents that already carry it.
type TextLayerExtractor interface {
	Supports(mimeType string) bool
	ExtractText(ctx context.Context, content []byte) (string, error)
}

// EnrichmentObserver receives enrichment lifecycle signals (metrics).
type EnrichmentObserver interface {
	StartEnrichment()
	FinishEnrichment(outcome string, duration time.Duration)
	ObserveQueueLag(lag time.Duration)
}
