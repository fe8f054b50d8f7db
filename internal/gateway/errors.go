package gateway

import (
	"errors"
	"net/http"
	"time"
)

// Kind classifies why a webhook request was rejected.
type Kind string

const (
	KindIPNotAllowed         Kind = "ip_not_allowed"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindSignatureInvalid     Kind = "signature_invalid"
	KindUnrecognizedFormat   Kind = "unrecognized_format"
	KindParseFailed          Kind = "parse_failed"
	KindSinkFailed           Kind = "sink_failed"
)

// HTTPStatus maps a kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindIPNotAllowed:
		return http.StatusForbidden
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindAuthenticationFailed, KindSignatureInvalid:
		return http.StatusUnauthorized
	case KindUnrecognizedFormat:
		return http.StatusUnprocessableEntity
	case KindParseFailed:
		return http.StatusBadRequest
	case KindSinkFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a gate failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	// RetryAfter is set for rate-limit rejections.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of a gateway error, or "" for other errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}
