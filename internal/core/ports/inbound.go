package ports

import (
	"context"
	"io"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

// FileIngestor is the inbound contract for upload orchestration.
type FileIngestor interface {
	Upload(ctx context.Context, originalName, mimeType string, body io.Reader) (*domain.UploadedFile, error)
}

// FileCatalog is the inbound read/delete model for uploaded files.
type FileCatalog interface {
	List(ctx context.Context, filter domain.ListFilter) ([]domain.UploadedFile, error)
	Get(ctx context.Context, id string) (*domain.UploadedFile, error)
	Open(ctx context.Context, id string) (*domain.UploadedFile, io.ReadCloser, error)
	Delete(ctx context.Context, ids []string) (int, error)
}

// FileEnricher is the inbound contract for asynchronous OCR enrichment.
type FileEnricher interface {
	EnrichByID(ctx context.Context, fileID string) error
}

// CatalogExporter renders the catalog as a spreadsheet.
type CatalogExporter interface {
	Export(ctx context.Context, files []domain.UploadedFile) ([]byte, error)
}
