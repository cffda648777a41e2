package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrTraversal = errors.New("path traversal detected")
	ErrExtension = errors.New("file extension not allowed")
	ErrEncoding  = errors.New("unsupported encoding")
	ErrEmptyPath = errors.New("file path is required")
	ErrAbsolute  = errors.New("absolute paths are not allowed")
)

// ValidationError rejects a payload before any filesystem access. It wraps
// one of the sentinel errors above.
type ValidationError struct {
	Path string
	Err  error
	// Detail is the offending extension or encoding, when there is one.
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v: %s (%s)", e.Err, e.Detail, e.Path)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Path)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
