package xlsx

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

const sheet = "Files"

// Excel rejects cells longer than this.
const maxCellChars = 32767

var headers = []string{
	"ID",
	"Original Name",
	"MIME Type",
	"Size (bytes)",
	"Uploaded At",
	"Status",
	"Attempts",
	"OCR Output",
	"OCR Error",
}

type Exporter struct {
	logger *slog.Logger
}

func NewExporter(logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{logger: logger}
}

// Export renders files as a single-sheet workbook, one row per record in the given order.
func (e *Exporter) Export(ctx context.Context, files []domain.UploadedFile) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("xlsx rename sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, file.ID)
		write(2, file.OriginalName)
		write(3, file.MimeType)
		write(4, file.SizeBytes)
		write(5, file.DateUploaded.UTC().Format(time.RFC3339))
		write(6, string(file.Status))
		write(7, file.Attempts)
		write(8, truncate(file.OCROutput, maxCellChars))
		write(9, truncate(file.OCRError, maxCellChars))
	}

	_ = f.SetColWidth(sheet, "A", "A", 38)
	_ = f.SetColWidth(sheet, "B", "B", 32)
	_ = f.SetColWidth(sheet, "C", "C", 22)
	_ = f.SetColWidth(sheet, "D", "G", 14)
	_ = f.SetColWidth(sheet, "H", "I", 60)
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	e.logger.Info("export_xlsx_ok",
		"rows", len(files),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
