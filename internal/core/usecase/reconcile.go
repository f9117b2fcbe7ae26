package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
	"github.com/kirillkom/ocr-ingest/internal/core/ports"
)

const orphanLookupBatch = 500

type ReconcilePolicy struct {
	// StaleAfter is how long a record may sit in uploaded, or hold a processing lease, before it is requeued.
	StaleAfter time.Duration
	// OrphanGrace protects blobs whose metadata insert may still be in flight.
	OrphanGrace time.Duration
	BatchSize   int
}

func DefaultReconcilePolicy() ReconcilePolicy {
	return ReconcilePolicy{
		StaleAfter:  10 * time.Minute,
		OrphanGrace: time.Hour,
		BatchSize:   100,
	}
}

func (p ReconcilePolicy) normalize() ReconcilePolicy {
	def := DefaultReconcilePolicy()
	if p.StaleAfter <= 0 {
		p.StaleAfter = def.StaleAfter
	}
	if p.OrphanGrace <= 0 {
		p.OrphanGrace = def.OrphanGrace
	}
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	return p
}

// ReconcileObserver receives reconciliation counters (metrics).
type ReconcileObserver interface {
	RecordRequeued(n int)
	RecordOrphansDeleted(n int)
}

// ReconcileUseCase repairs the gaps left by crashes and failed enqueues.
type ReconcileUseCase struct {
	repo     ports.FileRepository
	blobs    ports.BlobStore
	queue    ports.EnrichmentQueue
	policy   ReconcilePolicy
	observer ReconcileObserver
	now      func() time.Time
}

func NewReconcileUseCase(
	repo ports.FileRepository,
	blobs ports.BlobStore,
	queue ports.EnrichmentQueue,
	policy ReconcilePolicy,
	observer ReconcileObserver,
) *ReconcileUseCase {
	return &ReconcileUseCase{
		repo:     repo,
		blobs:    blobs,
		queue:    queue,
		policy:   policy.normalize(),
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RequeueStale re-enqueues records stuck in uploaded or holding an expired processing lease.
func (uc *ReconcileUseCase) RequeueStale(ctx context.Context) (int, error) {
	now := uc.now()
	files, err := uc.repo.FindStale(ctx, now.Add(-uc.policy.StaleAfter), uc.policy.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find stale files: %w", err)
	}

	requeued := 0
	for _, file := range files {
		if err := uc.queue.Enqueue(ctx, domain.EnrichmentJob{FileID: file.ID, EnqueuedAt: now}); err != nil {
			slog.Warn("requeue_failed", "file_id", file.ID, "status", file.Status, "error", err)
			continue
		}
		requeued++
	}
	if uc.observer != nil && requeued > 0 {
		uc.observer.RecordRequeued(requeued)
	}
	return requeued, nil
}

// SweepOrphans deletes blobs older than the grace period that no record references.
func (uc *ReconcileUseCase) SweepOrphans(ctx context.Context) (int, error) {
	blobs, err := uc.blobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list blobs: %w", err)
	}

	cutoff := uc.now().Add(-uc.policy.OrphanGrace)
	candidates := make([]string, 0, len(blobs))
	for _, blob := range blobs {
		if blob.ModifiedAt.Before(cutoff) {
			candidates = append(candidates, blob.Key)
		}
	}

	deleted := 0
	for start := 0; start < len(candidates); start += orphanLookupBatch {
		end := min(start+orphanLookupBatch, len(candidates))
		batch := candidates[start:end]

		existing, err := uc.repo.ExistingStorageKeys(ctx, batch)
		if err != nil {
			return deleted, fmt.Errorf("lookup storage keys: %w", err)
		}
		for _, key := range batch {
			if existing[key] {
				continue
			}
			if err := uc.blobs.Delete(ctx, key); err != nil {
				slog.Warn("orphan_delete_failed", "storage_key", key, "error", err)
				continue
			}
			deleted++
		}
	}
	if uc.observer != nil && deleted > 0 {
		uc.observer.RecordOrphansDeleted(deleted)
	}
	return deleted, nil
}

// Run executes both passes every interval until ctx is cancelled.
func (uc *ReconcileUseCase) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		uc.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (uc *ReconcileUseCase) runOnce(ctx context.Context) {
	requeued, err := uc.RequeueStale(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Error("reconcile_requeue_error", "error", err)
	}
	orphans, err := uc.SweepOrphans(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Error("reconcile_orphan_error", "error", err)
	}
	if requeued > 0 || orphans > 0 {
		slog.Info("reconcile_pass", "requeued", requeued, "orphans_deleted", orphans)
	}
}
