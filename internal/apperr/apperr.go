// Package apperr defines the error kinds shared by the chat core and how each one
// is presented to the connection that caused it.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindRateLimit
	KindPersistence
	KindNotFound
)

// Wire codes carried by the outbound `error` event.
const (
	CodeAuthentication = "AUTHENTICATION_FAILED"
	CodeAuthorization  = "FORBIDDEN"
	CodeValidation     = "VALIDATION_FAILED"
	CodeRateLimit      = "RATE_LIMITED"
	CodePersistence    = "PERSISTENCE_FAILED"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindPersistence:
		return "persistence"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Code returns the wire code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindAuthentication:
		return CodeAuthentication
	case KindAuthorization:
		return CodeAuthorization
	case KindValidation:
		return CodeValidation
	case KindRateLimit:
		return CodeRateLimit
	case KindPersistence:
		return CodePersistence
	case KindNotFound:
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// Error is a classified failure. Message is safe to show to the requester;
// Err is kept for logs only.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrRateLimit      = &Error{Kind: KindRateLimit}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

func Authentication(msg string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Err: err}
}

func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    fmt.Sprintf("too many messages, retry in %s", retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
	}
}

// Persistence wraps a store failure. The storage error is never shown to clients.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: "could not " + op, Err: err}
}

// KindOf reports the kind of err, KindInternal when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Public returns the code and message that may be sent to the requester.
func Public(err error) (code, message string) {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Kind.Code(), e.Message
	}
	return CodeInternal, "internal error"
}
