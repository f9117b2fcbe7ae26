package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	defaultMaxPages = 200
	maxTextBytes    = 8 << 20
)

// Extractor reads the embedded text layer of PDFs, letting digitally produced documents skip OCR.
type Extractor struct {
	maxPages int
}

func NewExtractor(maxPages int) *Extractor {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &Extractor{maxPages: maxPages}
}

func (e *Extractor) Supports(mimeType string) bool {
	mediaType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")
	return mediaType == "application/pdf"
}

func (e *Extractor) ExtractText(ctx context.Context, content []byte) (text string, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	if pages := reader.NumPage(); pages > e.maxPages {
		return "", fmt.Errorf("pdf has %d pages, limit is %d", pages, e.maxPages)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(plain, maxTextBytes))
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
