// Package fault defines the error taxonomy shared by the store, auth,
// dispatch, and gateway layers. Every failure that crosses a package
// boundary is classified by Kind so the dispatcher can render a uniform
// envelope and the gateway can map it onto an HTTP status.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	InvalidSlug      Kind = "invalid_slug"
	InvalidReference Kind = "invalid_reference"
	InvalidParameter Kind = "invalid_parameter"
	InvalidJSON      Kind = "invalid_json"
	InvalidPreset    Kind = "invalid_preset"
	NotFound         Kind = "not_found"

	ScopeDenied         Kind = "scope_denied"
	InvalidToken        Kind = "invalid_token"
	MissingToken        Kind = "missing_token"
	BootstrapNotAllowed Kind = "bootstrap_not_allowed"
	APIDisabled         Kind = "api_disabled"
	RateLimited         Kind = "rate_limited"

	SchemaValidation Kind = "schema_validation"
	IntegrityFailure Kind = "integrity_failure"
	StorageFailure   Kind = "storage_failure"
	HandlerException Kind = "handler_exception"
)

// Error is a classified failure. Meta carries structured context (field
// paths, retry hints) surfaced in the response envelope.
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]any
	wrapped error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error while keeping it unwrappable.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		wrapped: err,
	}
}

// WithMeta attaches structured context and returns the same error.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[key] = value
	return e
}

// KindOf extracts the Kind from err, or HandlerException when err carries
// no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return HandlerException
}

// MetaOf returns the structured context attached to err, if any.
func MetaOf(err error) map[string]any {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Meta
	}
	return nil
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind onto the REST status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case MissingToken, InvalidToken:
		return http.StatusUnauthorized
	case ScopeDenied, BootstrapNotAllowed:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case APIDisabled:
		return http.StatusServiceUnavailable
	case HandlerException, IntegrityFailure, StorageFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
