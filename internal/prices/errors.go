package prices

import (
	"errors"
	"strings"
)

// ErrValidation is matched by every caller-correctable failure, including
// MissingColumnError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports malformed input: an empty ticker list, too many
// tickers, an unusable window set, or a table without the required columns.
type ValidationError struct {
	Message string
	// Missing lists absent column names when the failure is a schema check.
	Missing []string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Missing, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError with the given message.
func Invalid(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

// MissingColumnError means the upstream response lacked metric columns the
// normalizer needs. Columns holds the provider's names, e.g. "Adj Close".
type MissingColumnError struct {
	Columns []string
}

func (e *MissingColumnError) Error() string {
	return "missing required columns: " + strings.Join(e.Columns, ", ")
}

func (e *MissingColumnError) Unwrap() error { return ErrValidation }
