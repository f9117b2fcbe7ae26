package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
	"github.com/kirillkom/ocr-ingest/internal/core/ports"
)

const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "error"
	OutcomeReleased  = "released"

	maxDiagnosticLen  = 2048
	finalWriteTimeout = 10 * time.Second
)

type EnrichmentPolicy struct {
	// Lease is how long a processing claim is honoured before another worker may take it over.
	Lease time.Duration
	// MaxClaims bounds how many times a record is claimed before a transient failure becomes terminal.
	MaxClaims  int
	OCRTimeout time.Duration
}

func DefaultEnrichmentPolicy() EnrichmentPolicy {
	return EnrichmentPolicy{
		Lease:      5 * time.Minute,
		MaxClaims:  3,
		OCRTimeout: 60 * time.Second,
	}
}

func (p EnrichmentPolicy) normalize() EnrichmentPolicy {
	def := DefaultEnrichmentPolicy()
	if p.Lease <= 0 {
		p.Lease = def.Lease
	}
	if p.MaxClaims <= 0 {
		p.MaxClaims = def.MaxClaims
	}
	if p.OCRTimeout <= 0 {
		p.OCRTimeout = def.OCRTimeout
	}
	return p
}

type EnrichOption func(*EnrichFileUseCase)

func WithTextLayer(extractor ports.TextLayerExtractor) EnrichOption {
	return func(uc *EnrichFileUseCase) {
		uc.textLayer = extractor
	}
}

func WithEnrichmentObserver(observer ports.EnrichmentObserver) EnrichOption {
	return func(uc *EnrichFileUseCase) {
		if observer != nil {
			uc.observer = observer
		}
	}
}

type EnrichFileUseCase struct {
	repo      ports.FileRepository
	blobs     ports.BlobStore
	ocr       ports.OCRClient
	textLayer ports.TextLayerExtractor
	observer  ports.EnrichmentObserver
	policy    EnrichmentPolicy
	now       func() time.Time
}

func NewEnrichFileUseCase(
	repo ports.FileRepository,
	blobs ports.BlobStore,
	ocr ports.OCRClient,
	policy EnrichmentPolicy,
	opts ...EnrichOption,
) *EnrichFileUseCase {
	uc := &EnrichFileUseCase{
		repo:     repo,
		blobs:    blobs,
		ocr:      ocr,
		observer: noopObserver{},
		policy:   policy.normalize(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// HandleJob is the queue entry point.
func (uc *EnrichFileUseCase) HandleJob(ctx context.Context, job domain.EnrichmentJob) error {
	if !job.EnqueuedAt.IsZero() {
		uc.observer.ObserveQueueLag(uc.now().Sub(job.EnqueuedAt))
	}
	return uc.EnrichByID(ctx, job.FileID)
}

// EnrichByID runs one enrichment attempt for a record. A returned error means the record was
// handed back in status uploaded and the job should be redelivered; every other outcome,
// including repository failures on the final write, is contained here.
func (uc *EnrichFileUseCase) EnrichByID(ctx context.Context, fileID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("enrich_panic", "file_id", fileID, "panic", r)
			err = nil
		}
	}()

	file, err := uc.repo.Claim(ctx, fileID, uc.now(), uc.policy.Lease)
	if err != nil {
		switch {
		case domain.IsKind(err, domain.ErrFileNotFound):
			slog.Warn("enrich_skipped", "file_id", fileID, "reason", "file not found")
			return nil
		case domain.IsKind(err, domain.ErrInvalidTransition):
			slog.Info("enrich_skipped", "file_id", fileID, "reason", "terminal or claimed by another worker")
			return nil
		default:
			return fmt.Errorf("claim file: %w", err)
		}
	}

	start := time.Now()
	uc.observer.StartEnrichment()

	text, runErr := uc.extract(ctx, file)
	switch {
	case runErr == nil:
		uc.finish(ctx, file, domain.ProcessedUpdate(text), OutcomeProcessed, start)
		return nil
	case uc.shouldRelease(ctx, file, runErr):
		uc.finish(ctx, file, domain.ReleaseUpdate(), OutcomeReleased, start)
		slog.Warn("enrich_released", "file_id", file.ID, "attempts", file.Attempts, "error", runErr)
		return runErr
	default:
		uc.finish(ctx, file, domain.FailedUpdate(diagnostic(runErr)), OutcomeFailed, start)
		return nil
	}
}

func (uc *EnrichFileUseCase) extract(ctx context.Context, file *domain.UploadedFile) (string, error) {
	content, err := uc.readBlob(ctx, file)
	if err != nil {
		return "", err
	}

	if uc.textLayer != nil && uc.textLayer.Supports(file.MimeType) {
		text, err := uc.textLayer.ExtractText(ctx, content)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
		slog.Debug("text_layer_unavailable", "file_id", file.ID, "error", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, uc.policy.OCRTimeout)
	defer cancel()

	result, err := uc.ocr.Recognize(callCtx, domain.OCRPayload{
		Filename:    file.TransferName(),
		ContentType: file.MimeType,
		Content:     content,
	})
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	return classifyOCRResult(result)
}

func (uc *EnrichFileUseCase) readBlob(ctx context.Context, file *domain.UploadedFile) ([]byte, error) {
	reader, err := uc.blobs.Get(ctx, file.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "read blob", err)
	}
	return content, nil
}

// classifyOCRResult accepts only a response carrying non-empty text.
func classifyOCRResult(result domain.OCRResult) (string, error) {
	if msg := strings.TrimSpace(result.Error); msg != "" {
		return "", domain.WrapError(domain.ErrEnrichment, "ocr result", fmt.Errorf("ocr service error: %s", msg))
	}
	if strings.TrimSpace(result.Text) == "" {
		return "", domain.WrapError(domain.ErrEnrichment, "ocr result", errors.New("ocr returned empty text"))
	}
	return result.Text, nil
}

// shouldRelease hands the record back for another claim. Cancellation means the worker is
// stopping and always releases; an expired job deadline counts against the claim budget.
func (uc *EnrichFileUseCase) shouldRelease(ctx context.Context, file *domain.UploadedFile, err error) bool {
	if errors.Is(context.Cause(ctx), context.Canceled) {
		return true
	}
	transient := ctx.Err() != nil ||
		domain.IsKind(err, domain.ErrTemporary) ||
		errors.Is(err, context.DeadlineExceeded)
	return transient && file.Attempts < uc.policy.MaxClaims
}

func (uc *EnrichFileUseCase) finish(ctx context.Context, file *domain.UploadedFile, update domain.FileUpdate, outcome string, start time.Time) {
	duration := time.Since(start)
	defer uc.observer.FinishEnrichment(outcome, duration)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	if err := uc.repo.UpdateFields(writeCtx, file.ID, update.ForClaim(file.StartedAt)); err != nil {
		if domain.IsKind(err, domain.ErrInvalidTransition) {
			slog.Warn("enrich_claim_superseded", "file_id", file.ID, "outcome", outcome)
			return
		}
		slog.Error("enrich_update_failed",
			"file_id", file.ID,
			"outcome", outcome,
			"error", err,
		)
		return
	}

	slog.Info("enrich_completed",
		"file_id", file.ID,
		"outcome", outcome,
		"attempts", file.Attempts,
		"duration_ms", float64(duration.Microseconds())/1000.0,
	)
}

func diagnostic(err error) string {
	return domain.TruncateText(domain.StorableText(strings.TrimSpace(err.Error())), maxDiagnosticLen)
}

type noopObserver struct{}

func (noopObserver) StartEnrichment()                       {}
func (noopObserver) FinishEnrichment(string, time.Duration) {}
func (noopObserver) ObserveQueueLag(time.Duration)          {}
