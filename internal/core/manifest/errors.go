// Package manifest loads, rewrites and saves compose service manifests.
// The document is kept as a YAML node tree so unrelated content survives a round trip.
package manifest

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

// ErrFormat matches every error caused by a malformed manifest.
var ErrFormat = errors.New("malformed manifest")

var (
	// YAML parsing errors
	ErrInvalidYAML       = errors.New("invalid YAML syntax")
	ErrMultipleDocuments = errors.New("manifest must contain exactly one document")

	// Structure errors
	ErrNoServices         = errors.New("manifest must have a top-level services mapping")
	ErrInvalidEnvironment = errors.New("environment must be a mapping or a list of KEY=VALUE strings")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.web.environment"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is reports every ParseError as a format error.
func (e *ParseError) Is(target error) bool {
	return target == ErrFormat
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
