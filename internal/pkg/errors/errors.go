package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalid      = errors.New("invalid")
	ErrConflict     = errors.New("conflict")
	ErrTooMany      = errors.New("too many requests")
	ErrInternal     = errors.New("internal")

	ErrConfig              = errors.New("invalid configuration")
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
	ErrEmbeddingTimeout    = errors.New("embedding timeout")
	ErrUnsupportedFormat   = errors.New("unsupported document format")
	ErrParse               = errors.New("document parse failed")
)

// DimensionMismatchError reports a batch whose vectors disagree with each
// other or with the dimensionality already stored for the scope.
type DimensionMismatchError struct {
	ScopeID  string
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: scope=%s expected=%d got=%d", e.ScopeID, e.Expected, e.Got)
}

func (e *DimensionMismatchError) Unwrap() error {
	return ErrDimensionMismatch
}

type ParseError struct {
	Filename string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Filename, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}

func NewParseError(filename string, err error) error {
	return &ParseError{Filename: filename, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEmbeddingTimeout) || errors.Is(err, ErrTooMany)
}
