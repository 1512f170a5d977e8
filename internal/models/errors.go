package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Components wrap these with fmt.Errorf("...: %w", ...) and callers
// classify with errors.Is.
var (
	ErrValidation                = errors.New("validation error")
	ErrDimensionMismatch         = errors.New("dimension mismatch")
	ErrDegenerateVector          = errors.New("degenerate vector")
	ErrStoreUnavailable          = errors.New("store unavailable")
	ErrEmbeddingExtractionFailed = errors.New("embedding extraction failed")
	ErrTimeout                   = errors.New("timeout")
	ErrNotFound                  = errors.New("not found")
)

// DimensionMismatchError carries the expected and actual vector lengths.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrDimensionMismatch) hold.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// NewDimensionMismatch returns a *DimensionMismatchError.
func NewDimensionMismatch(expected, actual int) error {
	return &DimensionMismatchError{Expected: expected, Actual: actual}
}

// Validationf returns an ErrValidation wrapping a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Reason names the taxonomy class of err, as reported in IngestReport failures.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrDimensionMismatch):
		return "DimensionMismatch"
	case errors.Is(err, ErrDegenerateVector):
		return "DegenerateVector"
	case errors.Is(err, ErrStoreUnavailable):
		return "StoreUnavailable"
	case errors.Is(err, ErrEmbeddingExtractionFailed):
		return "EmbeddingExtractionFailed"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	default:
		return "InternalError"
	}
}

// IsSystemic reports whether err should abort a whole request rather than a single item.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrEmbeddingExtractionFailed) ||
		errors.Is(err, ErrTimeout)
}
