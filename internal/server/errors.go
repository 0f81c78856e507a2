package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	gateway "github.com/eugener/radagast/internal"
)

// apiError is the uniform error payload: a stable machine-readable code
// plus a human-readable message.
type apiError struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds, rate limiting only
}

// errorCode maps an error to the payload's stable code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, gateway.ErrSessionNotFound), errors.Is(err, gateway.ErrTenantMismatch):
		return "session_not_found"
	case errors.Is(err, gateway.ErrUnauthorized):
		return "unauthorized"
	}
	if kind := gateway.KindOf(err); kind != "" {
		return string(kind)
	}
	return "internal_error"
}

// errorStatus maps an error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrSessionNotFound), errors.Is(err, gateway.ErrTenantMismatch):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	}
	switch gateway.KindOf(err) {
	case gateway.KindAuth:
		return http.StatusUnauthorized
	case gateway.KindInvalidRequest:
		return http.StatusBadRequest
	case gateway.KindModelNotFound:
		return http.StatusNotFound
	case gateway.KindContentFilter:
		return http.StatusUnprocessableEntity
	case gateway.KindRateLimited:
		return http.StatusTooManyRequests
	case gateway.KindTimeout, gateway.KindUnavailable, gateway.KindNetwork, gateway.KindNoProvider:
		return http.StatusServiceUnavailable
	case gateway.KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as JSON with the canonical status mapping. A
// retry-after hint becomes both the Retry-After header and a payload field.
func writeError(w http.ResponseWriter, err error) {
	// The client is gone; there is nobody to render a body for.
	if gateway.KindOf(err) == gateway.KindCanceled {
		return
	}
	status := errorStatus(err)
	resp := apiError{Error: errorCode(err), Message: err.Error()}
	if ra := gateway.RetryAfterOf(err); ra > 0 {
		secs := int(math.Ceil(ra.Seconds()))
		w.Header()["Retry-After"] = []string{strconv.Itoa(secs)}
		if status == http.StatusTooManyRequests {
			resp.RetryAfter = secs
		}
	}
	writeJSON(w, status, resp)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
