package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

type memoryRepo struct {
	mu        sync.Mutex
	files     map[string]*domain.UploadedFile
	order     []string
	insertErr error
	updateErr error
	claimErr  error
	updates   []domain.FileUpdate
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{files: make(map[string]*domain.UploadedFile)}
}

func (r *memoryRepo) Insert(_ context.Context, file *domain.UploadedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	copyFile := *file
	r.files[file.ID] = &copyFile
	r.order = append(r.order, file.ID)
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*domain.UploadedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	file, ok := r.files[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrFileNotFound, "get", fmt.Errorf("id=%s", id))
	}
	copyFile := *file
	return &copyFile, nil
}

func (r *memoryRepo) UpdateFields(_ context.Context, id string, update domain.FileUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	if r.updateErr != nil {
		return r.updateErr
	}
	file, ok := r.files[id]
	if !ok {
		return domain.WrapError(domain.ErrFileNotFound, "update", fmt.Errorf("id=%s", id))
	}
	if update.ClaimedAt != nil && (file.StartedAt == nil || !file.StartedAt.Equal(*update.ClaimedAt)) {
		return domain.WrapError(domain.ErrInvalidTransition, "update", fmt.Errorf("claim %s superseded", update.ClaimedAt.Format(time.RFC3339Nano)))
	}
	if update.Status != nil {
		if !domain.CanTransition(file.Status, *update.Status) {
			return domain.WrapError(domain.ErrInvalidTransition, "update", fmt.Errorf("%s -> %s", file.Status, *update.Status))
		}
		file.Status = *update.Status
	}
	if update.OCROutput != nil {
		file.OCROutput = *update.OCROutput
	}
	if update.OCRError != nil {
		file.OCRError = *update.OCRError
	}
	if update.StartedAt != nil {
		started := *update.StartedAt
		file.StartedAt = &started
	}
	if update.ClearStarted {
		file.StartedAt = nil
	}
	return nil
}

func (r *memoryRepo) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (*domain.UploadedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	file, ok := r.files[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrFileNotFound, "claim", fmt.Errorf("id=%s", id))
	}
	expired := file.Status == domain.StatusProcessing && file.StartedAt != nil && file.StartedAt.Before(now.Add(-lease))
	if file.Status != domain.StatusUploaded && !expired {
		return nil, domain.WrapError(domain.ErrInvalidTransition, "claim", fmt.Errorf("status=%s", file.Status))
	}
	file.Status = domain.StatusProcessing
	file.Attempts++
	started := now
	file.StartedAt = &started
	copyFile := *file
	return &copyFile, nil
}

func (r *memoryRepo) FindAll(_ context.Context, filter domain.ListFilter) ([]domain.UploadedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.UploadedFile, 0, len(r.order))
	for _, id := range r.order {
		if file, ok := r.files[id]; ok && (filter.Status == "" || file.Status == filter.Status) {
			out = append(out, *file)
		}
	}
	return out, nil
}

func (r *memoryRepo) FindStale(_ context.Context, olderThan time.Time, limit int) ([]domain.UploadedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UploadedFile
	for _, id := range r.order {
		file := r.files[id]
		if file == nil {
			continue
		}
		staleUpload := file.Status == domain.StatusUploaded && file.DateUploaded.Before(olderThan)
		staleLease := file.Status == domain.StatusProcessing && file.StartedAt != nil && file.StartedAt.Before(olderThan)
		if staleUpload || staleLease {
			out = append(out, *file)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) DeleteMany(_ context.Context, ids []string) ([]domain.UploadedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UploadedFile
	for _, id := range ids {
		if file, ok := r.files[id]; ok {
			out = append(out, *file)
			delete(r.files, id)
		}
	}
	return out, nil
}

func (r *memoryRepo) ExistingStorageKeys(_ context.Context, keys []string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool)
	for _, file := range r.files {
		for _, key := range keys {
			if file.StorageKey == key {
				out[key] = true
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) get(id string) domain.UploadedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.files[id]
}

type memoryBlobs struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	modified map[string]time.Time
	next     int
	putErr   error
	deleted  []string
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{blobs: make(map[string][]byte), modified: make(map[string]time.Time)}
}

func (b *memoryBlobs) Put(_ context.Context, data io.Reader) (string, int64, error) {
	if b.putErr != nil {
		return "", 0, b.putErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	key := fmt.Sprintf("blob-%d", b.next)
	b.blobs[key] = raw
	b.modified[key] = time.Now()
	return key, int64(len(raw)), nil
}

func (b *memoryBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.blobs[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrBlobNotFound, "get blob", errors.New(key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memoryBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	b.deleted = append(b.deleted, key)
	return nil
}

func (b *memoryBlobs) List(context.Context) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BlobInfo, 0, len(b.blobs))
	for key, raw := range b.blobs {
		out = append(out, domain.BlobInfo{Key: key, Size: int64(len(raw)), ModifiedAt: b.modified[key]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *memoryBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[key]
	return ok
}

type queueFake struct {
	mu   sync.Mutex
	jobs []domain.EnrichmentJob
	err  error
}

func (q *queueFake) Enqueue(_ context.Context, job domain.EnrichmentJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type ocrFake struct {
	result   domain.OCRResult
	err      error
	calls    int
	payloads []domain.OCRPayload
}

func (f *ocrFake) Recognize(_ context.Context, payload domain.OCRPayload) (domain.OCRResult, error) {
	f.calls++
	f.payloads = append(f.payloads, payload)
	if f.err != nil {
		return domain.OCRResult{}, f.err
	}
	return f.result, nil
}
