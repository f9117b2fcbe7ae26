package domain

import (
	"path/filepath"
	"strings"
	"time"
)

type FileStatus string

const (
	StatusUploaded   FileStatus = "uploaded"
	StatusProcessing FileStatus = "processing"
	StatusProcessed  FileStatus = "processed"
	StatusError      FileStatus = "error"
)

// IsTerminal reports whether no automated transition may follow the status.
func (s FileStatus) IsTerminal() bool {
	return s == StatusProcessed || s == StatusError
}

func (s FileStatus) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusProcessed, StatusError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an allowed edge of the enrichment state machine.
func CanTransition(from, to FileStatus) bool {
	switch from {
	case StatusUploaded:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusProcessed || to == StatusError || to == StatusUploaded
	default:
		return false
	}
}

type UploadedFile struct {
	ID           string     `json:"id"`
	StorageKey   string     `json:"storageKey"`
	OriginalName string     `json:"originalName"`
	MimeType     string     `json:"mimeType"`
	SizeBytes    int64      `json:"sizeBytes"`
	DateUploaded time.Time  `json:"dateUploaded"`
	Status       FileStatus `json:"status"`
	OCROutput    string     `json:"ocrOutput,omitempty"`
	OCRError     string     `json:"ocrError,omitempty"`
	Attempts     int        `json:"attempts"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Extension returns the lower-cased extension of the original filename, dot included.
func (f *UploadedFile) Extension() string {
	ext := strings.ToLower(filepath.Ext(f.OriginalName))
	if ext == "." {
		return ""
	}
	return ext
}

// TransferName is the filename presented to the OCR service.
func (f *UploadedFile) TransferName() string {
	return f.StorageKey + f.Extension()
}

// FileUpdate is a partial set of fields written atomically by the repository.
// Nil pointers are left untouched.
type FileUpdate struct {
	Status       *FileStatus
	OCROutput    *string
	OCRError     *string
	StartedAt    *time.Time
	ClearStarted bool
	// ClaimedAt, when set, limits the write to the claim that started at this instant.
	ClaimedAt *time.Time
}

func (u FileUpdate) Empty() bool {
	return u.Status == nil && u.OCROutput == nil && u.OCRError == nil && u.StartedAt == nil && !u.ClearStarted
}

// ForClaim guards the update by the claim that produced it, so a worker whose lease
// was taken over cannot finish or release the new owner's attempt.
func (u FileUpdate) ForClaim(startedAt *time.Time) FileUpdate {
	if startedAt != nil {
		claimed := *startedAt
		u.ClaimedAt = &claimed
	}
	return u
}

// Terminal reports whether the update moves the record into a terminal status.
func (u FileUpdate) Terminal() bool {
	return u.Status != nil && u.Status.IsTerminal()
}

func ProcessedUpdate(text string) FileUpdate {
	status := StatusProcessed
	empty := ""
	text = StorableText(text)
	return FileUpdate{Status: &status, OCROutput: &text, OCRError: &empty, ClearStarted: true}
}

func FailedUpdate(diagnostic string) FileUpdate {
	status := StatusError
	empty := ""
	diagnostic = StorableText(diagnostic)
	if strings.TrimSpace(diagnostic) == "" {
		diagnostic = "enrichment failed"
	}
	return FileUpdate{Status: &status, OCROutput: &empty, OCRError: &diagnostic, ClearStarted: true}
}

// ReleaseUpdate hands a claimed record back to the queue after a transient failure.
func ReleaseUpdate() FileUpdate {
	status := StatusUploaded
	return FileUpdate{Status: &status, ClearStarted: true}
}

type ListOrder string

const (
	OrderInserted ListOrder = "inserted"
	OrderNewest   ListOrder = "newest"
)

type ListFilter struct {
	Status FileStatus
	Order  ListOrder
	Limit  int
	Offset int
}

type BlobInfo struct {
	Key        string
	Size       int64
	ModifiedAt time.Time
}

// Predecessors lists the statuses from which a record may move into to.
func Predecessors(to FileStatus) []FileStatus {
	var out []FileStatus
	for _, from := range []FileStatus{StatusUploaded, StatusProcessing, StatusProcessed, StatusError} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
