package domain

import "time"

// OCRPayload is the transfer unit sent to the text-extraction service.
type OCRPayload struct {
	Filename    string
	ContentType string
	Content     []byte
}

// OCRResult is the decoded service response. Exactly one of Text or Error is meaningful.
type OCRResult struct {
	FileType string `json:"file_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Text     string `json:"text,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EnrichmentJob is the message carried by the enrichment queue.
type EnrichmentJob struct {
	FileID     string    `json:"fileId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}
