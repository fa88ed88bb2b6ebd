// Package apierror carries the user-visible error taxonomy. Every error that
// can cross the HTTP boundary is one of these kinds; everything else is
// reported as Internal without leaking detail.
package apierror

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindBadRequest Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindSchemaConflict
	KindOverloaded
	KindStorageUnavailable
	KindQueryTooLarge
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindSchemaConflict:
		return "schema_conflict"
	case KindOverloaded:
		return "overloaded"
	case KindStorageUnavailable:
		return "storage_unavailable"
	case KindQueryTooLarge:
		return "query_too_large"
	case KindInternal:
		return "internal"
	}
	return "internal"
}

// Error is a classified failure. Code is a stable machine-readable slug
// (e.g. "missing_time_range"); Msg is the human-readable detail.
type Error struct {
	Kind       Kind
	Code       string
	Msg        string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return e.Msg
}

func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func BadRequest(code, format string, args ...interface{}) *Error {
	return New(KindBadRequest, code, format, args...)
}

func Overloaded(retryAfter time.Duration) *Error {
	return &Error{Kind: KindOverloaded, Code: "overloaded", Msg: "ingestion is throttled", RetryAfter: retryAfter}
}

func StorageUnavailable(err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Code: "storage_unavailable", Msg: err.Error()}
}

func QueryTooLarge(format string, args ...interface{}) *Error {
	return New(KindQueryTooLarge, "query_too_large", format, args...)
}

// SchemaConflict is internal-only; callers retry observe+commit when they
// see it.
var SchemaConflict = &Error{Kind: KindSchemaConflict, Code: "schema_conflict", Msg: "schema version changed concurrently"}

// AsError extracts an *Error from an error chain, wrapping unknown errors as
// Internal.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Kind: KindInternal, Code: "internal", Msg: err.Error()}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// HTTPStatus maps the taxonomy onto response codes.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindQueryTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
