package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an adapter failure.
type Kind string

const (
	KindTransient      Kind = "transient"
	KindQuotaExhausted Kind = "quota_exhausted"
	KindMalformed      Kind = "malformed"
	KindPermanent      Kind = "permanent"
	KindAuth           Kind = "auth"
)

// Error is a classified adapter failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps an HTTP status to a failure kind. 2xx maps to "".
func Classify(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	case status == http.StatusPaymentRequired:
		return KindQuotaExhausted
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindMalformed
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// KindOf extracts the kind of err. Unclassified errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindTransient
}
