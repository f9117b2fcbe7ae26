package usecase

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

type reconcileObserverFake struct {
	requeued int
	orphans  int
}

func (o *reconcileObserverFake) RecordRequeued(n int)       { o.requeued += n }
func (o *reconcileObserverFake) RecordOrphansDeleted(n int) { o.orphans += n }

func TestRequeueStaleEnqueuesStuckRecords(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	queue := &queueFake{}
	observer := &reconcileObserverFake{}
	uc := NewReconcileUseCase(repo, blobs, queue, ReconcilePolicy{StaleAfter: time.Minute}, observer)
	uc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	count, err := uc.RequeueStale(context.Background())
	if err != nil {
		t.Fatalf("RequeueStale() error = %v", err)
	}
	if count != 1 || len(queue.jobs) != 1 || queue.jobs[0].FileID != file.ID {
		t.Fatalf("expected %s requeued, got %d %+v", file.ID, count, queue.jobs)
	}
	if observer.requeued != 1 {
		t.Fatalf("expected observer count 1, got %d", observer.requeued)
	}
}

func TestRequeueStaleIgnoresFreshAndTerminal(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	done := seedUploaded(t, repo, blobs, "a.txt", "hello")
	_ = seedUploaded(t, repo, blobs, "b.txt", "hello")
	enrich := NewEnrichFileUseCase(repo, blobs, &ocrFake{result: domain.OCRResult{Text: "ok"}}, DefaultEnrichmentPolicy())
	if err := enrich.EnrichByID(context.Background(), done.ID); err != nil {
		t.Fatalf("EnrichByID() error = %v", err)
	}
	queue := &queueFake{}
	uc := NewReconcileUseCase(repo, blobs, queue, ReconcilePolicy{StaleAfter: time.Hour}, nil)

	count, err := uc.RequeueStale(context.Background())
	if err != nil {
		t.Fatalf("RequeueStale() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nothing requeued, got %d", count)
	}
}

func TestSweepOrphansDeletesUnreferencedBlobs(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	kept := seedUploaded(t, repo, blobs, "a.txt", "hello")
	orphanKey, _, err := blobs.Put(context.Background(), bytes.NewBufferString("orphan"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	observer := &reconcileObserverFake{}
	uc := NewReconcileUseCase(repo, blobs, &queueFake{}, ReconcilePolicy{OrphanGrace: time.Minute}, observer)
	uc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	count, err := uc.SweepOrphans(context.Background())
	if err != nil {
		t.Fatalf("SweepOrphans() error = %v", err)
	}
	if count != 1 || blobs.has(orphanKey) {
		t.Fatalf("expected orphan deleted, count=%d", count)
	}
	if !blobs.has(kept.StorageKey) {
		t.Fatalf("expected referenced blob kept")
	}
	if observer.orphans != 1 {
		t.Fatalf("expected observer count 1, got %d", observer.orphans)
	}
}

func TestSweepOrphansRespectsGracePeriod(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	if _, _, err := blobs.Put(context.Background(), bytes.NewBufferString("in flight")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	uc := NewReconcileUseCase(repo, blobs, &queueFake{}, ReconcilePolicy{OrphanGrace: time.Hour}, nil)

	count, err := uc.SweepOrphans(context.Background())
	if err != nil {
		t.Fatalf("SweepOrphans() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("expected fresh blob kept, deleted %d", count)
	}
}
