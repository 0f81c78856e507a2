// Package ollama implements the gateway.Provider adapter for local Ollama
// instances via the native /api/chat endpoint.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/provider"
)

const (
	defaultBaseURL = "http://localhost:11434"
	providerName   = "ollama"

	// availabilityTimeout bounds the /api/tags probe so health checks stay
	// cheap even when the daemon is down.
	availabilityTimeout = 2 * time.Second
)

var _ gateway.Provider = (*Client)(nil)

// Client is an Ollama provider adapter. Ollama requires no credential; the
// availability probe checks that the local daemon answers /api/tags.
type Client struct {
	baseURL      string
	defaultModel string
	timeout      time.Duration // advertised via Describe; the engine sets the effective deadline
	http         *http.Client
}

// New creates an Ollama Client. If baseURL is empty, it defaults to
// "http://localhost:11434".
func New(baseURL, defaultModel string, timeout time.Duration, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		timeout:      timeout,
		http:         client,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// chatRequest is the native /api/chat request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatOptions carries sampling parameters in Ollama's naming.
type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// chatResponse is one /api/chat response object. In streaming mode each
// NDJSON line is one of these, the last carrying done=true plus counts.
type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

func (c *Client) toChatRequest(req *gateway.GenerationRequest, stream bool) *chatRequest {
	model := req.Config.Model
	if model == "" {
		model = c.defaultModel
	}

	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}

	out := &chatRequest{Model: model, Messages: msgs, Stream: stream}
	cfg := req.Config
	if cfg.Temperature != nil || cfg.TopP != nil || cfg.MaxTokens != nil || len(cfg.StopSequences) > 0 {
		out.Options = &chatOptions{
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			NumPredict:  cfg.MaxTokens,
			Stop:        cfg.StopSequences,
		}
	}
	return out
}

// Generate sends a non-streaming /api/chat request.
func (c *Client) Generate(ctx context.Context, req *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
	body, err := json.Marshal(c.toChatRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.Classify(providerName, resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gateway.WrapErr(gateway.KindUnavailable, providerName,
			fmt.Errorf("decode response: %w", err))
	}
	return &gateway.GenerationResponse{
		Content:      out.Message.Content,
		Model:        out.Model,
		Provider:     providerName,
		FinishReason: mapDoneReason(out.DoneReason),
		Usage: gateway.Usage{
			InputTokens:  out.PromptEvalCount,
			OutputTokens: out.EvalCount,
		},
	}, nil
}

// GenerateStream sends a streaming /api/chat request. Ollama streams NDJSON:
// one JSON object per line, the final one carrying done=true.
func (c *Client) GenerateStream(ctx context.Context, req *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(c.toChatRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
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
	go c.readStream(ctx, resp, ch)
	return ch, nil
}

// readStream consumes NDJSON lines and emits canonical chunks. Owns resp.Body.
func (c *Client) readStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 4096), 64*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var obj chatResponse
		if err := json.Unmarshal(line, &obj); err != nil {
			continue
		}
		if obj.Done {
			select {
			case ch <- gateway.StreamChunk{
				Done:         true,
				FinishReason: mapDoneReason(obj.DoneReason),
				Usage:        &gateway.Usage{InputTokens: obj.PromptEvalCount, OutputTokens: obj.EvalCount},
				Model:        obj.Model,
				Provider:     providerName,
			}:
			case <-ctx.Done():
			}
			return
		}
		if obj.Message.Content == "" {
			continue
		}
		select {
		case ch <- gateway.StreamChunk{Delta: obj.Message.Content, Provider: providerName}:
		case <-ctx.Done():
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = gateway.E(gateway.KindUnavailable, providerName, "stream truncated before done")
	} else {
		err = provider.ClassifyTransport(providerName, err)
	}
	select {
	case ch <- gateway.StreamChunk{Err: err, Provider: providerName}:
	case <-ctx.Done():
	}
}

// IsAvailable probes /api/tags with a short timeout. Ollama has no
// credential; reachability of the local daemon is the availability signal.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Describe returns the static descriptor. Ollama needs no credential, so
// CredentialSet is always true.
func (c *Client) Describe() gateway.ProviderDescriptor {
	return gateway.ProviderDescriptor{
		Name:          providerName,
		Enabled:       true,
		CredentialSet: true,
		BaseURL:       c.baseURL,
		DefaultModel:  c.defaultModel,
		Timeout:       c.timeout,
	}
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransport(providerName, err)
	}
	return resp, nil
}

// mapDoneReason converts Ollama done reasons to canonical finish reasons.
func mapDoneReason(reason string) gateway.FinishReason {
	switch reason {
	case "stop", "":
		return gateway.FinishStop
	case "length":
		return gateway.FinishLength
	default:
		return gateway.FinishStop
	}
}
