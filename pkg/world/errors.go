package world

import (
	"errors"
	"fmt"
)

// Error kinds. Callers classify failures with errors.Is against these
// sentinels; messages carry the entity and field detail.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
	ErrStorage    = errors.New("storage failure")
	ErrProvider   = errors.New("provider failure")
	ErrCancelled  = errors.New("cancelled")
	ErrInternal   = errors.New("internal error")
)

// NotFoundf wraps ErrNotFound with detail.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflictf wraps ErrConflict with detail.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// Validationf wraps ErrValidation with the offending field.
func Validationf(field, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s: %w", field, fmt.Sprintf(format, args...), ErrValidation)
}

// Storagef wraps an underlying I/O error as a storage failure.
func Storagef(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %v: %w", fmt.Sprintf(format, args...), err, ErrStorage)
}
