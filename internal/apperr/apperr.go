// Package apperr defines the error taxonomy shared by the gateway, the
// orchestrators and the webhook engine, and maps it onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindUpstream
	KindSignature
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindUpstream:
		return "upstream"
	case KindSignature:
		return "signature"
	default:
		return "internal"
	}
}

// Error is the typed error returned across package boundaries. Message is
// safe to show to callers; Err carries the wrapped cause for logs.
type Error struct {
	Kind    Kind
	Message string
	// Status is the HTTP status for auth errors (401 or 403) and the vendor's
	// HTTP status for upstream errors.
	Status   int
	Provider string
	Detail   string
	Timeout  bool
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindUpstream && e.Timeout:
		return fmt.Sprintf("%s: timeout: %s", e.Provider, e.Message)
	case e.Kind == KindUpstream:
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg, Status: http.StatusUnauthorized}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg, Status: http.StatusForbidden}
}

func Signature(err error) *Error {
	return &Error{Kind: KindSignature, Message: "invalid signature", Err: err}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// Upstream reports a vendor error response. detail is the vendor's own
// message and is surfaced to callers.
func Upstream(provider string, status int, detail string) *Error {
	return &Error{Kind: KindUpstream, Provider: provider, Status: status, Detail: detail, Message: detail}
}

// UpstreamTimeout reports an outbound vendor call that hit its deadline.
func UpstreamTimeout(provider string, err error) *Error {
	return &Error{Kind: KindUpstream, Provider: provider, Timeout: true, Message: "vendor request timed out", Err: err}
}

// UpstreamTransport reports a vendor call that failed before a response arrived.
func UpstreamTransport(provider string, err error) *Error {
	return &Error{Kind: KindUpstream, Provider: provider, Message: "vendor unreachable", Detail: err.Error(), Err: err}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindUpstream && e.Status == http.StatusNotFound
}

// StatusOf maps err to the HTTP status a handler should answer with.
func StatusOf(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation, KindSignature:
		return http.StatusBadRequest
	case KindAuth:
		if e.Status == http.StatusForbidden {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindUpstream:
		if !e.Timeout && e.Status >= 400 && e.Status < 500 {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text rendered in an error body. Internal errors never
// leak their cause.
func PublicMessage(err error) string {
	e, ok := As(err)
	if !ok || e.Kind == KindInternal {
		return "internal server error"
	}
	if e.Message == "" {
		return e.Kind.String() + " error"
	}
	return e.Message
}
