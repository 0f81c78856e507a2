// Package gemini implements the gateway.Provider adapter for the Google
// Gemini API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
	apiKeyEnv      = "GEMINI_API_KEY"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a Gemini provider adapter.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	timeout      time.Duration // advertised via Describe; the engine sets the effective deadline
	http         *http.Client
}

// New creates a Gemini Client. If baseURL is empty, it defaults to the
// Gemini API endpoint. The credential is read from GEMINI_API_KEY at
// construction.
func New(baseURL, defaultModel string, timeout time.Duration, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       os.Getenv(apiKeyEnv),
		defaultModel: defaultModel,
		timeout:      timeout,
		http:         client,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// Generate sends a non-streaming generateContent request.
func (c *Client) Generate(ctx context.Context, req *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
	model := c.model(req)
	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(model))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.Classify(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, provider.ClassifyTransport(providerName, err)
	}
	return fromGeminiResponse(respBody, model), nil
}

// GenerateStream sends a streaming generateContent request. Gemini streams
// SSE with no terminal sentinel; the stream is EOF-terminated.
func (c *Client) GenerateStream(ctx context.Context, req *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error) {
	model := c.model(req)
	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, url.PathEscape(model))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.Classify(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, model)
	return ch, nil
}

// IsAvailable reports whether GEMINI_API_KEY was set. No network round trip
// is made.
func (c *Client) IsAvailable(_ context.Context) bool { return c.apiKey != "" }

// Describe returns the static descriptor.
func (c *Client) Describe() gateway.ProviderDescriptor {
	return gateway.ProviderDescriptor{
		Name:          providerName,
		Enabled:       true,
		CredentialEnv: apiKeyEnv,
		CredentialSet: c.apiKey != "",
		BaseURL:       c.baseURL,
		DefaultModel:  c.defaultModel,
		Timeout:       c.timeout,
	}
}

func (c *Client) model(req *gateway.GenerationRequest) string {
	if req.Config.Model != "" {
		return req.Config.Model
	}
	return c.defaultModel
}

func (c *Client) post(ctx context.Context, u string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(providerName, err)
	}
	return resp, nil
}
