package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

// Classify turns an upstream error response into a canonical *gateway.Error.
// It consumes up to 4KB of the body for the message and parses Retry-After
// on 429s. The caller still owns resp.Body.
//
// Status mapping:
//   - 401, 403        -> auth_error
//   - 404             -> model_not_found
//   - 429             -> rate_limited (with Retry-After hint)
//   - 400, 422        -> invalid_request
//   - 5xx             -> unavailable
//   - anything else   -> unavailable
func Classify(provider string, resp *http.Response) *gateway.Error {
	apiErr := &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: readErrorBody(resp)}

	var kind gateway.ErrorKind
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = gateway.KindAuth
	case resp.StatusCode == http.StatusNotFound:
		kind = gateway.KindModelNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = gateway.KindRateLimited
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		kind = gateway.KindInvalidRequest
	default:
		kind = gateway.KindUnavailable
	}

	ge := &gateway.Error{
		Kind:     kind,
		Provider: provider,
		Status:   resp.StatusCode,
		Message:  apiErr.Body,
		Err:      apiErr,
	}
	if kind == gateway.KindRateLimited {
		ge.RetryAfter = RetryAfter(resp.Header)
	}
	return ge
}

// ClassifyTransport turns a round-trip error into a canonical *gateway.Error:
// deadline -> timeout, cancellation -> canceled, everything else (refused
// connections, DNS failures, resets) -> network_error.
func ClassifyTransport(provider string, err error) *gateway.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return gateway.WrapErr(gateway.KindTimeout, provider, err)
	case errors.Is(err, context.Canceled):
		return gateway.WrapErr(gateway.KindCanceled, provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gateway.WrapErr(gateway.KindTimeout, provider, err)
	}
	return gateway.WrapErr(gateway.KindNetwork, provider, err)
}

// RetryAfter parses a Retry-After header: delta seconds or an HTTP date.
// Returns zero when absent or unparsable.
func RetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
