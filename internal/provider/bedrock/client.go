// Package bedrock implements the gateway.Provider adapter for AWS Bedrock
// via direct SigV4-signed HTTP, without the full Bedrock SDK client. Model
// families (Anthropic, Meta Llama, Amazon Titan) each keep their native
// request and response formats; see families.go.
package bedrock

import (
	"bytes"
	"context"
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
	providerName     = "bedrock"
	defaultMaxTokens = 4096
	accessKeyEnv     = "AWS_ACCESS_KEY_ID"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a Bedrock provider adapter. The http.Client must carry a SigV4
// signing transport (see cloudauth.AWSSigV4Transport).
type Client struct {
	baseURL      string
	region       string
	defaultModel string
	timeout      time.Duration // advertised via Describe; the engine sets the effective deadline
	http         *http.Client
}

// New creates a Bedrock Client for the given region. If baseURL is empty, it
// is derived from the region.
func New(baseURL, region, defaultModel string, timeout time.Duration, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		region:       region,
		defaultModel: defaultModel,
		timeout:      timeout,
		http:         client,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// Generate sends a non-streaming invoke request.
func (c *Client) Generate(ctx context.Context, req *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
	model := c.model(req)
	fam, err := familyFor(model)
	if err != nil {
		return nil, err
	}
	body, err := fam.marshalRequest(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/model/%s/invoke", c.baseURL, url.PathEscape(model))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, provider.ClassifyTransport(providerName, err)
	}

	out := fam.decodeResponse(respBody)
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

// GenerateStream sends an invoke-with-response-stream request. The response
// is an AWS binary event stream; see stream.go.
func (c *Client) GenerateStream(ctx context.Context, req *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error) {
	model := c.model(req)
	fam, err := familyFor(model)
	if err != nil {
		return nil, err
	}
	body, err := fam.marshalRequest(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/model/%s/invoke-with-response-stream", c.baseURL, url.PathEscape(model))
	resp, err := c.post(ctx, u, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classify(resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp.Body, fam, ch)
	return ch, nil
}

// IsAvailable reports whether AWS credentials appear to be configured. No
// network round trip is made.
func (c *Client) IsAvailable(_ context.Context) bool {
	return os.Getenv(accessKeyEnv) != "" && c.region != ""
}

// Describe returns the static descriptor.
func (c *Client) Describe() gateway.ProviderDescriptor {
	return gateway.ProviderDescriptor{
		Name:          providerName,
		Enabled:       true,
		CredentialEnv: accessKeyEnv,
		CredentialSet: os.Getenv(accessKeyEnv) != "",
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
		return nil, fmt.Errorf("bedrock: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(providerName, err)
	}
	return resp, nil
}

// classify maps a Bedrock error response to a canonical error using the
// X-Amzn-Errortype header, falling back to status-code classification.
func classify(resp *http.Response) *gateway.Error {
	errType := resp.Header.Get("X-Amzn-Errortype")
	if i := strings.IndexByte(errType, ':'); i >= 0 {
		errType = errType[:i]
	}
	kind := kindForErrorType(errType)
	if kind == "" {
		return provider.Classify(providerName, resp)
	}

	ge := provider.Classify(providerName, resp)
	ge.Kind = kind
	if kind == gateway.KindRateLimited && ge.RetryAfter == 0 {
		ge.RetryAfter = provider.RetryAfter(resp.Header)
	}
	return ge
}

// kindForErrorType maps AWS exception type names to error kinds. Event
// stream exception types arrive lowerCamelCased, HTTP header types
// UpperCamelCased, so matching is case-insensitive. An empty result means
// the type is unknown and status-based classification applies.
func kindForErrorType(errType string) gateway.ErrorKind {
	switch strings.ToLower(errType) {
	case "accessdeniedexception", "unrecognizedclientexception", "expiredtokenexception", "invalidsignatureexception":
		return gateway.KindAuth
	case "resourcenotfoundexception":
		return gateway.KindModelNotFound
	case "throttlingexception", "toomanyrequestsexception", "servicequotaexceededexception":
		return gateway.KindRateLimited
	case "validationexception":
		return gateway.KindInvalidRequest
	case "modeltimeoutexception":
		return gateway.KindTimeout
	case "serviceunavailableexception", "modelnotreadyexception", "internalserverexception", "modelstreamerrorexception":
		return gateway.KindUnavailable
	default:
		return ""
	}
}
