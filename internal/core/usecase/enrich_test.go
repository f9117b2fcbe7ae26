package usecase

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

func seedUploaded(t *testing.T, repo *memoryRepo, blobs *memoryBlobs, name, content string) *domain.UploadedFile {
	t.Helper()
	uc := NewIngestFileUseCase(repo, blobs, &queueFake{})
	file, err := uc.Upload(context.Background(), name, "text/plain", bytes.NewBufferString(content))
	if err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	return file
}

type observerFake struct {
	started  int
	outcomes []string
	lags     []time.Duration
}

func (o *observerFake) StartEnrichment() { o.started++ }
func (o *observerFake) FinishEnrichment(outcome string, _ time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}
func (o *observerFake) ObserveQueueLag(lag time.Duration) { o.lags = append(o.lags, lag) }

func TestEnrichByIDMarksProcessed(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "0123456789")
	ocr := &ocrFake{result: domain.OCRResult{Text: "hello"}}
	observer := &observerFake{}
	uc := NewEnrichFileUseCase(repo, blobs, ocr, DefaultEnrichmentPolicy(), WithEnrichmentObserver(observer))

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("EnrichByID() error = %v", err)
	}

	got := repo.get(file.ID)
	if got.Status != domain.StatusProcessed || got.OCROutput != "hello" {
		t.Fatalf("expected processed with output, got %+v", got)
	}
	if got.OCRError != "" {
		t.Fatalf("expected empty ocr error, got %q", got.OCRError)
	}
	if got.StartedAt != nil {
		t.Fatalf("expected lease cleared")
	}
	if len(ocr.payloads) != 1 {
		t.Fatalf("expected one OCR call, got %d", len(ocr.payloads))
	}
	payload := ocr.payloads[0]
	if payload.Filename != file.StorageKey+".txt" {
		t.Fatalf("expected transfer name %s.txt, got %s", file.StorageKey, payload.Filename)
	}
	if string(payload.Content) != "0123456789" || payload.ContentType != "text/plain" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if observer.started != 1 || len(observer.outcomes) != 1 || observer.outcomes[0] != OutcomeProcessed {
		t.Fatalf("unexpected observer state: %+v", observer)
	}
}

func TestEnrichByIDRecordsServiceError(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	uc := NewEnrichFileUseCase(repo, blobs, &ocrFake{result: domain.OCRResult{Error: "unreadable"}}, DefaultEnrichmentPolicy())

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("EnrichByID() error = %v", err)
	}

	got := repo.get(file.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if !strings.Contains(got.OCRError, "unreadable") {
		t.Fatalf("expected diagnostic to contain service message, got %q", got.OCRError)
	}
	if got.OCROutput != "" {
		t.Fatalf("expected empty output, got %q", got.OCROutput)
	}
}

func TestEnrichByIDTreatsEmptyTextAsFailure(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	uc := NewEnrichFileUseCase(repo, blobs, &ocrFake{result: domain.OCRResult{Text: "  \n"}}, DefaultEnrichmentPolicy())

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("EnrichByID() error = %v", err)
	}
	got := repo.get(file.ID)
	if got.Status != domain.StatusError || got.OCRError == "" {
		t.Fatalf("expected error with diagnostic, got %+v", got)
	}
}

func TestEnrichByIDReleasesOnNetworkError(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	networkErr := domain.WrapError(domain.ErrTemporary, "ocr upload", errors.New("connection refused"))
	uc := NewEnrichFileUseCase(repo, blobs, &ocrFake{err: networkErr}, DefaultEnrichmentPolicy())

	err := uc.EnrichByID(context.Background(), file.ID)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error for redelivery, got %v", err)
	}

	got := repo.get(file.ID)
	if got.Status != domain.StatusUploaded {
		t.Fatalf("expected record back in uploaded, got %s", got.Status)
	}
	if got.OCROutput != "" || got.OCRError != "" {
		t.Fatalf("expected no OCR fields written, got %+v", got)
	}
}

func TestEnrichByIDFailsAfterClaimBudget(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	networkErr := domain.WrapError(domain.ErrTemporary, "ocr upload", errors.New("connection refused"))
	uc := NewEnrichFileUseCase(repo, blobs, &ocrFake{err: networkErr}, EnrichmentPolicy{MaxClaims: 2})

	if err := uc.EnrichByID(context.Background(), file.ID); err == nil {
		t.Fatalf("expected first attempt to be released")
	}
	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("expected final attempt to be contained, got %v", err)
	}

	got := repo.get(file.ID)
	if got.Status != domain.StatusError || !strings.Contains(got.OCRError, "connection refused") {
		t.Fatalf("expected terminal error after budget, got %+v", got)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.Attempts)
	}
}

func TestEnrichByIDSkipsTerminalRecord(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	ocr := &ocrFake{result: domain.OCRResult{Text: "first"}}
	uc := NewEnrichFileUseCase(repo, blobs, ocr, DefaultEnrichmentPolicy())

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("EnrichByID() error = %v", err)
	}
	ocr.result = domain.OCRResult{Text: "second"}
	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("duplicate delivery should be ignored, got %v", err)
	}

	if ocr.calls != 1 {
		t.Fatalf("expected a single OCR call, got %d", ocr.calls)
	}
	if got := repo.get(file.ID); got.OCROutput != "first" {
		t.Fatalf("terminal record must not change, got %q", got.OCROutput)
	}
}

func TestEnrichByIDUnknownFileIsContained(t *testing.T) {
	uc := NewEnrichFileUseCase(newMemoryRepo(), newMemoryBlobs(), &ocrFake{}, DefaultEnrichmentPolicy())
	if err := uc.EnrichByID(context.Background(), "missing"); err != nil {
		t.Fatalf("expected nil for unknown file, got %v", err)
	}
}

func TestEnrichByIDSwallowsFinalWriteFailure(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	repo.updateErr = domain.WrapError(domain.ErrRepository, "update", errors.New("db down"))
	uc := NewEnrichFileUseCase(repo, blobs, &ocrFake{result: domain.OCRResult{Text: "hello"}}, DefaultEnrichmentPolicy())

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("expected repository failure to be swallowed, got %v", err)
	}
	if len(repo.updates) != 1 {
		t.Fatalf("expected one attempted update, got %d", len(repo.updates))
	}
}

func TestEnrichByIDMissingBlobIsTerminal(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	_ = blobs.Delete(context.Background(), file.StorageKey)
	ocr := &ocrFake{result: domain.OCRResult{Text: "hello"}}
	uc := NewEnrichFileUseCase(repo, blobs, ocr, DefaultEnrichmentPolicy())

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("EnrichByID() error = %v", err)
	}
	got := repo.get(file.ID)
	if got.Status != domain.StatusError || !strings.Contains(got.OCRError, "blob not found") {
		t.Fatalf("expected blob-not-found error state, got %+v", got)
	}
	if ocr.calls != 0 {
		t.Fatalf("expected no OCR call")
	}
}

type textLayerFake struct {
	text string
}

func (f textLayerFake) Supports(mimeType string) bool { return mimeType == "application/pdf" }
func (f textLayerFake) ExtractText(context.Context, []byte) (string, error) {
	return f.text, nil
}

func TestEnrichByIDUsesTextLayerForPDF(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	ingest := NewIngestFileUseCase(repo, blobs, &queueFake{})
	file, err := ingest.Upload(context.Background(), "doc.pdf", "application/pdf", bytes.NewBufferString("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	ocr := &ocrFake{result: domain.OCRResult{Text: "from ocr"}}
	uc := NewEnrichFileUseCase(repo, blobs, ocr, DefaultEnrichmentPolicy(), WithTextLayer(textLayerFake{text: "embedded"}))

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("EnrichByID() error = %v", err)
	}
	if got := repo.get(file.ID); got.OCROutput != "embedded" {
		t.Fatalf("expected embedded text, got %q", got.OCROutput)
	}
	if ocr.calls != 0 {
		t.Fatalf("expected OCR to be skipped")
	}
}

func TestHandleJobObservesQueueLag(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	observer := &observerFake{}
	uc := NewEnrichFileUseCase(repo, blobs, &ocrFake{result: domain.OCRResult{Text: "ok"}}, DefaultEnrichmentPolicy(), WithEnrichmentObserver(observer))

	job := domain.EnrichmentJob{FileID: file.ID, EnqueuedAt: time.Now().UTC().Add(-2 * time.Second)}
	if err := uc.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if len(observer.lags) != 1 || observer.lags[0] < 2*time.Second {
		t.Fatalf("expected queue lag >= 2s, got %+v", observer.lags)
	}
}

type ocrFunc func(ctx context.Context, payload domain.OCRPayload) (domain.OCRResult, error)

func (f ocrFunc) Recognize(ctx context.Context, payload domain.OCRPayload) (domain.OCRResult, error) {
	return f(ctx, payload)
}

func blockUntilDone(ctx context.Context, _ domain.OCRPayload) (domain.OCRResult, error) {
	<-ctx.Done()
	return domain.OCRResult{}, ctx.Err()
}

func TestEnrichByIDJobDeadlineCountsAgainstClaimBudget(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	uc := NewEnrichFileUseCase(repo, blobs, ocrFunc(blockUntilDone), EnrichmentPolicy{MaxClaims: 2})

	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		return uc.EnrichByID(ctx, file.ID)
	}

	if err := attempt(); err == nil {
		t.Fatalf("expected first expired attempt to be released")
	}
	if got := repo.get(file.ID); got.Status != domain.StatusUploaded {
		t.Fatalf("expected uploaded after first expiry, got %s", got.Status)
	}

	if err := attempt(); err != nil {
		t.Fatalf("expected last expired attempt to be contained, got %v", err)
	}
	got := repo.get(file.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("expected terminal error once the claim budget is spent, got %s", got.Status)
	}
	if got.OCRError == "" {
		t.Fatalf("expected a diagnostic for the expired attempt")
	}

	if err := attempt(); err != nil {
		t.Fatalf("redelivery of a terminal record should be ignored, got %v", err)
	}
	if got := repo.get(file.ID); got.Attempts != 2 {
		t.Fatalf("expected attempts to stop at 2, got %d", got.Attempts)
	}
}

func TestEnrichByIDCancellationReleasesBeyondBudget(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	uc := NewEnrichFileUseCase(repo, blobs, ocrFunc(blockUntilDone), EnrichmentPolicy{MaxClaims: 1})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	if err := uc.EnrichByID(ctx, file.ID); err == nil {
		t.Fatalf("expected interrupted attempt to request redelivery")
	}
	got := repo.get(file.ID)
	if got.Status != domain.StatusUploaded || got.StartedAt != nil {
		t.Fatalf("expected record handed back on shutdown, got %+v", got)
	}
}

func TestEnrichByIDStoresTextWithoutNUL(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	uc := NewEnrichFileUseCase(repo, blobs, &ocrFake{result: domain.OCRResult{Text: "page\x00one"}}, DefaultEnrichmentPolicy())

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("EnrichByID() error = %v", err)
	}
	got := repo.get(file.ID)
	if got.Status != domain.StatusProcessed || got.OCROutput != "pageone" {
		t.Fatalf("expected processed with NUL removed, got %+v", got)
	}
}

func TestEnrichByIDLongNonASCIIErrorStaysValidUTF8(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	uc := NewEnrichFileUseCase(repo, blobs, &ocrFake{result: domain.OCRResult{Error: strings.Repeat("é", 3000)}}, DefaultEnrichmentPolicy())

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("EnrichByID() error = %v", err)
	}
	got := repo.get(file.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if !utf8.ValidString(got.OCRError) || len(got.OCRError) > maxDiagnosticLen {
		t.Fatalf("expected bounded valid utf-8 diagnostic, len=%d", len(got.OCRError))
	}
}

func TestDiagnosticTruncatesOnRuneBoundary(t *testing.T) {
	msg := diagnostic(errors.New(strings.Repeat("a", 2047) + "éééé"))
	if !utf8.ValidString(msg) {
		t.Fatalf("expected valid utf-8")
	}
	if len(msg) != 2047 {
		t.Fatalf("expected the split rune dropped, got len=%d", len(msg))
	}
}

func TestEnrichByIDSupersededClaimDoesNotWrite(t *testing.T) {
	repo := newMemoryRepo()
	blobs := newMemoryBlobs()
	file := seedUploaded(t, repo, blobs, "a.txt", "hello")
	takeover := func(ctx context.Context, _ domain.OCRPayload) (domain.OCRResult, error) {
		// Another worker takes over the lease while this one is still working.
		if _, err := repo.Claim(ctx, file.ID, time.Now().Add(time.Hour), time.Minute); err != nil {
			t.Errorf("takeover claim: %v", err)
		}
		return domain.OCRResult{Text: "stale"}, nil
	}
	uc := NewEnrichFileUseCase(repo, blobs, ocrFunc(takeover), DefaultEnrichmentPolicy())

	if err := uc.EnrichByID(context.Background(), file.ID); err != nil {
		t.Fatalf("expected superseded write to be contained, got %v", err)
	}
	got := repo.get(file.ID)
	if got.Status != domain.StatusProcessing || got.OCROutput != "" {
		t.Fatalf("expected the new owner's claim untouched, got %+v", got)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected two claims, got %d", got.Attempts)
	}
}
