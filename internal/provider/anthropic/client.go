// Package anthropic implements the gateway.Provider adapter for the
// Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"
	apiKeyEnv        = "ANTHROPIC_API_KEY"
)

var _ gateway.Provider = (*Client)(nil)

// Client is an Anthropic provider adapter.
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	timeout      time.Duration // advertised via Describe; the engine sets the effective deadline
	http         *http.Client
}

// New creates an Anthropic Client for direct API access. If baseURL is empty,
// it defaults to "https://api.anthropic.com/v1". The credential is read from
// ANTHROPIC_API_KEY at construction.
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

// Generate sends a non-streaming messages request.
func (c *Client) Generate(ctx context.Context, req *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
	body, err := json.Marshal(toMessagesRequest(req, c.defaultModel, false))
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	resp, err := c.post(ctx, body)
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
	return fromMessagesResponse(respBody), nil
}

// GenerateStream sends a streaming messages request. The returned channel
// yields canonical chunks and is closed after the terminal chunk.
func (c *Client) GenerateStream(ctx context.Context, req *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(toMessagesRequest(req, c.defaultModel, true))
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.Classify(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// IsAvailable reports whether ANTHROPIC_API_KEY was set. No network round
// trip is made.
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

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(providerName, err)
	}
	return resp, nil
}
