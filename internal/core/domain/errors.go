package domain

import (
	"errors"
	"fmt"
)

var (
	ErrFileNotFound      = errors.New("file not found")
	ErrBlobNotFound      = errors.New("blob not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrStorageWrite      = errors.New("storage write failed")
	ErrRepository        = errors.New("repository failure")
	ErrEnrichment        = errors.New("enrichment failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrTemporary         = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
