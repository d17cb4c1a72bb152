package types

import (
	"errors"
	"fmt"
)

// ErrDataUnavailable signals that a billing window that should have meter
// data produced none at all.
var ErrDataUnavailable = errors.New("no meter data available for the requested period")

// ValidationError marks a caller mistake (bad date, malformed fee
// history) as opposed to an internal or upstream failure.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
