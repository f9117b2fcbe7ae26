package httpadapter

import (
	"errors"
	"net/http"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr), domain.IsKind(err, domain.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrFileNotFound), domain.IsKind(err, domain.ErrBlobNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal detail for server-side failures.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		return err.Error()
	case http.StatusRequestEntityTooLarge:
		return "upload exceeds the size limit"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}
