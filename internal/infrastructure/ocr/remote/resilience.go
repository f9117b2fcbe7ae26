package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/resilience"
)

const maxErrorBodyLen = 2048

type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
	// ServiceError is the "error" field of a JSON error body, when present.
	ServiceError string
}

func newHTTPStatusError(resp *http.Response, raw []byte) *HTTPStatusError {
	statusErr := &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(domain.TruncateText(string(raw), maxErrorBodyLen)),
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		statusErr.ServiceError = strings.TrimSpace(body.Error)
	}
	return statusErr
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ocr status error"
	}
	switch {
	case e.ServiceError != "":
		return fmt.Sprintf("ocr upload status: %s: %s", e.Status, e.ServiceError)
	case e.Body != "":
		return fmt.Sprintf("ocr upload status: %s: %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("ocr upload status: %s", e.Status)
	}
}

func classifyOCRError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}
	if domain.IsKind(err, domain.ErrEnrichment) {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return resilience.ErrorClassification{
				Retryable:     true,
				RecordFailure: true,
			}
		}
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}

	return resilience.ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}

// wrapTemporaryIfNeeded tags transient failures with ErrTemporary and permanent HTTP failures
// with ErrEnrichment, so the dispatcher can decide between release and a terminal error.
func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) || domain.IsKind(err, domain.ErrEnrichment) {
		return err
	}

	class := classifyOCRError(err)
	if class.Retryable || resilience.IsCircuitOpen(err) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return domain.WrapError(domain.ErrEnrichment, operation, err)
	}
	return err
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
