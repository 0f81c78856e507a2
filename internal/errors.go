package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrSessionNotFound = errors.New("session not found")
	ErrTenantMismatch  = errors.New("session belongs to another tenant")
	ErrBadRequest      = errors.New("bad request")
	ErrRateLimited     = errors.New("rate limited")
	ErrNoProvider      = errors.New("no provider available")
)

// ErrorKind classifies a generation failure. The kind decides whether the
// gateway may move on to the next fallback candidate.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth_error"
	KindRateLimited    ErrorKind = "rate_limited"
	KindModelNotFound  ErrorKind = "model_not_found"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindContentFilter  ErrorKind = "content_filter"
	KindTimeout        ErrorKind = "timeout"
	KindUnavailable    ErrorKind = "unavailable"
	KindNetwork        ErrorKind = "network_error"
	KindCanceled       ErrorKind = "canceled"
	KindConfiguration  ErrorKind = "configuration_error"
	KindNoProvider     ErrorKind = "no_provider_available"
)

// Transferable reports whether a failure of this kind permits trying the
// next candidate provider. Non-transferable kinds surface immediately
// because retrying elsewhere cannot change the outcome.
func (k ErrorKind) Transferable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindUnavailable, KindNetwork:
		return true
	}
	return false
}

// CountsAsFailure reports whether the kind increments a provider's
// consecutive-failure count. Only transport-level trouble does; a provider
// that answered, even with an error, is reachable.
func (k ErrorKind) CountsAsFailure() bool {
	switch k {
	case KindTimeout, KindUnavailable, KindNetwork:
		return true
	}
	return false
}

// Error is the canonical generation error. Provider is empty for
// gateway-level failures such as no_provider_available.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Status     int           // upstream HTTP status when known
	RetryAfter time.Duration // hint for rate_limited and no_provider_available
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Provider != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	case e.Provider != "":
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches domain sentinels so callers can errors.Is against them without
// inspecting kinds.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrNoProvider:
		return e.Kind == KindNoProvider
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrBadRequest:
		return e.Kind == KindInvalidRequest
	}
	return false
}

// E builds an *Error with a literal message.
func E(kind ErrorKind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// WrapErr builds an *Error wrapping a cause.
func WrapErr(kind ErrorKind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err, Message: errMessage(err)}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// KindOf extracts the ErrorKind from err. Context errors map to timeout and
// canceled; anything unclassified is treated as unavailable so the caller
// errs on the side of trying the next candidate.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindUnavailable
}

// RetryAfterOf extracts the retry-after hint from err, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}
