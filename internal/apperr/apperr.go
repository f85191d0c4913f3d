// Package apperr defines the error kinds shared by the store, the REST
// surface and the client session.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how callers are expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound: room, floor or draw absent.
	KindNotFound
	// KindForbidden: ownership violation, only ever decided by the store.
	KindForbidden
	// KindTransient: the call may not have reached the store. Rolled back, never retried.
	KindTransient
	// KindInvalid: malformed payload rejected by the store.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrForbidden = &Error{Kind: KindForbidden}
	ErrTransient = &Error{Kind: KindTransient}
	ErrInvalid   = &Error{Kind: KindInvalid}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of Op and the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

func Forbidden(op, format string, args ...any) error {
	return &Error{Kind: KindForbidden, Op: op, Err: fmt.Errorf(format, args...)}
}

func Invalid(op, format string, args ...any) error {
	return &Error{Kind: KindInvalid, Op: op, Err: fmt.Errorf(format, args...)}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps an error to the status the REST layer answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalid:
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus is the inverse of HTTPStatus, used by REST clients. Server
// errors are treated as transient because the write may or may not have
// landed.
func FromStatus(op string, status int, message string) error {
	var kind Kind
	switch {
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		kind = KindForbidden
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = KindInvalid
	case status >= 500:
		kind = KindTransient
	default:
		kind = KindUnknown
	}
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf("status %d: %s", status, message)}
}
