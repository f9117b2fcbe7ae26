package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
	"github.com/kirillkom/ocr-ingest/internal/core/ports"
)

type CatalogUseCase struct {
	repo  ports.FileRepository
	blobs ports.BlobStore
}

func NewCatalogUseCase(repo ports.FileRepository, blobs ports.BlobStore) *CatalogUseCase {
	return &CatalogUseCase{repo: repo, blobs: blobs}
}

func (uc *CatalogUseCase) List(ctx context.Context, filter domain.ListFilter) ([]domain.UploadedFile, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list files", fmt.Errorf("unknown status %q", filter.Status))
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list files", errors.New("limit and offset must be non-negative"))
	}
	files, err := uc.repo.FindAll(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

func (uc *CatalogUseCase) Get(ctx context.Context, id string) (*domain.UploadedFile, error) {
	file, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return file, nil
}

// Open returns the record together with its blob content. The caller closes the reader.
func (uc *CatalogUseCase) Open(ctx context.Context, id string) (*domain.UploadedFile, io.ReadCloser, error) {
	file, err := uc.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	reader, err := uc.blobs.Get(ctx, file.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	return file, reader, nil
}

// Delete removes the records with the given ids and then their blobs.
// It fails with ErrFileNotFound when none of the ids match.
func (uc *CatalogUseCase) Delete(ctx context.Context, ids []string) (int, error) {
	cleaned := normalizeIDs(ids)
	if len(cleaned) == 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "delete files", errors.New("fileIds must not be empty"))
	}

	deleted, err := uc.repo.DeleteMany(ctx, cleaned)
	if err != nil {
		return 0, fmt.Errorf("delete file metadata: %w", err)
	}
	if len(deleted) == 0 {
		return 0, domain.WrapError(domain.ErrFileNotFound, "delete files", fmt.Errorf("no files match %d ids", len(cleaned)))
	}

	for _, file := range deleted {
		if err := uc.blobs.Delete(ctx, file.StorageKey); err != nil {
			// Left for the orphan sweep.
			slog.Warn("blob_delete_failed", "file_id", file.ID, "storage_key", file.StorageKey, "error", err)
		}
	}
	return len(deleted), nil
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
