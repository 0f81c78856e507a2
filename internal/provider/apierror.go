package provider

import (
	"fmt"
	"io"
	"net/http"
)

// APIError carries a raw upstream error response. Adapters wrap it in a
// classified *gateway.Error via Classify; the raw body is kept for logs.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// readErrorBody reads up to 4KB from an upstream error response.
func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(body)
}
