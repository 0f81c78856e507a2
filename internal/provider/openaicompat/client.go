// Package openaicompat implements the gateway.Provider adapter for any
// OpenAI-compatible chat-completions endpoint. One adapter serves multiple
// configured instances (Groq, LightLLM, Azure OpenAI) that differ only in
// base URL, credential, and hosting mode.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/provider"
)

const defaultAzureAPIVersion = "2024-02-15-preview"

var _ gateway.Provider = (*Client)(nil)

// Config describes one OpenAI-compatible instance.
type Config struct {
	// Name is the instance identifier, e.g. "groq" or "azure_openai".
	Name string
	// BaseURL is the API root, e.g. "https://api.groq.com/openai/v1".
	// For Azure hosting it is the resource endpoint without a path.
	BaseURL string
	// APIKeyEnv names the env var holding the credential. Empty means the
	// endpoint is unauthenticated (e.g. a local LightLLM proxy).
	APIKeyEnv string
	// Hosting selects the URL and auth scheme: "" for direct, "azure" for
	// Azure OpenAI deployment URLs with an api-key header.
	Hosting string
	// Deployment is the Azure deployment name; required when Hosting is "azure".
	Deployment string
	// APIVersion overrides the Azure api-version query parameter.
	APIVersion string
	// DefaultModel is used when the request does not pin a model.
	DefaultModel string
	// Timeout is the per-request ceiling applied by the caller.
	Timeout time.Duration
}

// Client is an OpenAI-compatible provider adapter.
type Client struct {
	cfg     Config
	chatURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the given instance config. The provided client
// should carry transport tuning; auth headers are set per request.
func New(cfg Config, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAzureAPIVersion
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	var chatURL string
	if cfg.Hosting == "azure" {
		chatURL = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, cfg.Deployment, cfg.APIVersion)
	} else {
		chatURL = base + "/chat/completions"
	}

	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}
	return &Client{cfg: cfg, chatURL: chatURL, apiKey: key, http: client}
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.cfg.Name }

// Generate sends a non-streaming chat completion request.
func (c *Client) Generate(ctx context.Context, req *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
	body, err := json.Marshal(toChatRequest(req, c.cfg.DefaultModel, false))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.Name, err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.Classify(c.cfg.Name, resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gateway.WrapErr(gateway.KindUnavailable, c.cfg.Name,
			fmt.Errorf("decode response: %w", err))
	}
	return fromChatResponse(&out, c.cfg.Name), nil
}

// GenerateStream sends a streaming chat completion request. The returned
// channel yields canonical chunks and is closed after the terminal chunk.
func (c *Client) GenerateStream(ctx context.Context, req *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(toChatRequest(req, c.cfg.DefaultModel, true))
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.Name, err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.Classify(c.cfg.Name, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go c.readStream(ctx, resp, ch)
	return ch, nil
}

// availabilityTimeout bounds the GET /models probe used by health checks.
const availabilityTimeout = 2 * time.Second

// IsAvailable reports whether the instance can serve requests. A missing
// credential fails without any network round trip. Azure deployment URLs
// have no models endpoint, so availability there is config completeness;
// other instances probe GET /models with a short timeout.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if c.cfg.APIKeyEnv != "" && c.apiKey == "" {
		return false
	}
	if c.cfg.Hosting == "azure" {
		return c.cfg.BaseURL != "" && c.cfg.Deployment != ""
	}

	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/models", nil)
	if err != nil {
		return false
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Describe returns the static descriptor for this instance.
func (c *Client) Describe() gateway.ProviderDescriptor {
	return gateway.ProviderDescriptor{
		Name:          c.cfg.Name,
		Enabled:       true,
		CredentialEnv: c.cfg.APIKeyEnv,
		CredentialSet: c.cfg.APIKeyEnv == "" || c.apiKey != "",
		BaseURL:       c.cfg.BaseURL,
		DefaultModel:  c.cfg.DefaultModel,
		Timeout:       c.cfg.Timeout,
	}
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.cfg.Name, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(c.cfg.Name, err)
	}
	return resp, nil
}

// setHeaders applies content-type and the hosting-appropriate auth header.
func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if c.apiKey == "" {
		return
	}
	if c.cfg.Hosting == "azure" {
		r.Header.Set("api-key", c.apiKey)
	} else {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
