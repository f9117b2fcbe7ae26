package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
	"github.com/kirillkom/ocr-ingest/internal/core/ports"
)

const defaultMimeType = "application/octet-stream"

type IngestFileUseCase struct {
	repo  ports.FileRepository
	blobs ports.BlobStore
	queue ports.EnrichmentQueue
	now   func() time.Time
}

func NewIngestFileUseCase(
	repo ports.FileRepository,
	blobs ports.BlobStore,
	queue ports.EnrichmentQueue,
) *IngestFileUseCase {
	return &IngestFileUseCase{
		repo:  repo,
		blobs: blobs,
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Upload stores the blob, inserts the metadata record and schedules enrichment.
// The returned record is always in status uploaded; enrichment outcome is observed by polling.
func (uc *IngestFileUseCase) Upload(
	ctx context.Context,
	originalName, mimeType string,
	body io.Reader,
) (*domain.UploadedFile, error) {
	if strings.TrimSpace(originalName) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("filename is required"))
	}

	key, size, err := uc.blobs.Put(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("save blob: %w", err)
	}
	if size == 0 {
		uc.discardBlob(ctx, key)
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("file is empty"))
	}

	now := uc.now()
	file := &domain.UploadedFile{
		ID:           uuid.NewString(),
		StorageKey:   key,
		OriginalName: originalName,
		MimeType:     resolveMimeType(originalName, mimeType),
		SizeBytes:    size,
		DateUploaded: now,
		Status:       domain.StatusUploaded,
		UpdatedAt:    now,
	}

	if err := uc.repo.Insert(ctx, file); err != nil {
		uc.discardBlob(ctx, key)
		return nil, fmt.Errorf("create file metadata: %w", err)
	}

	job := domain.EnrichmentJob{FileID: file.ID, EnqueuedAt: now}
	if err := uc.queue.Enqueue(ctx, job); err != nil {
		// The reconciler picks up records left in uploaded.
		slog.Warn("enqueue_failed", "file_id", file.ID, "error", err)
	}

	return file, nil
}

// discardBlob compensates a failed ingestion so no orphan blob is left behind.
func (uc *IngestFileUseCase) discardBlob(ctx context.Context, key string) {
	if err := uc.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.Error("blob_compensation_failed", "storage_key", key, "error", err)
	}
}

func resolveMimeType(originalName, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != defaultMimeType {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(originalName))); byExt != "" {
		return byExt
	}
	if declared != "" {
		return declared
	}
	return defaultMimeType
}
