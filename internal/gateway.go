// Package gateway defines domain types and interfaces for the Radagast LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// --- Messages ---

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// --- Generation ---

// GenConfig carries per-call generation parameters. Nil pointer fields mean
// "use the resolved default" so that an explicit zero survives composition.
type GenConfig struct {
	Model         string        `json:"model,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	MaxTokens     *int          `json:"max_tokens,omitempty"`
	StopSequences []string      `json:"stop,omitempty"`
	Timeout       time.Duration `json:"-"`
}

// MaxStopSequences bounds GenConfig.StopSequences.
const MaxStopSequences = 8

// GenerationRequest is a validated conversation plus call parameters.
type GenerationRequest struct {
	Messages []Message `json:"messages"`
	Config   GenConfig `json:"config"`
}

// Validate checks the message sequence and parameter ranges.
// The sequence must contain at most one system message, which must come
// first; the remaining roles alternate user/assistant starting and ending
// with user. Violations map to invalid_request.
func (r *GenerationRequest) Validate() error {
	if len(r.Messages) == 0 {
		return E(KindInvalidRequest, "", "messages must not be empty")
	}
	msgs := r.Messages
	if msgs[0].Role == RoleSystem {
		if msgs[0].Content == "" {
			return E(KindInvalidRequest, "", "message content must not be empty")
		}
		msgs = msgs[1:]
		if len(msgs) == 0 {
			return E(KindInvalidRequest, "", "conversation needs at least one user message")
		}
	}
	want := RoleUser
	for _, m := range msgs {
		switch {
		case m.Role == RoleSystem:
			return E(KindInvalidRequest, "", "system message allowed only in first position")
		case m.Role != want:
			return E(KindInvalidRequest, "", "messages must alternate user/assistant starting with user")
		case m.Content == "":
			return E(KindInvalidRequest, "", "message content must not be empty")
		}
		if want == RoleUser {
			want = RoleAssistant
		} else {
			want = RoleUser
		}
	}
	if msgs[len(msgs)-1].Role != RoleUser {
		return E(KindInvalidRequest, "", "conversation must end with a user message")
	}
	return r.Config.Validate()
}

// Validate checks parameter ranges: temperature [0,2], top_p (0,1],
// max_tokens > 0, at most MaxStopSequences stop sequences.
func (c *GenConfig) Validate() error {
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return E(KindInvalidRequest, "", "temperature must be within [0, 2]")
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		return E(KindInvalidRequest, "", "top_p must be within (0, 1]")
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return E(KindInvalidRequest, "", "max_tokens must be positive")
	}
	if len(c.StopSequences) > MaxStopSequences {
		return E(KindInvalidRequest, "", "too many stop sequences")
	}
	return nil
}

// Usage reports token consumption for one generation. Zero values mean the
// back end did not report; counts are never negative.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FinishReason tells why generation stopped.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishFilter FinishReason = "filter"
	FinishError  FinishReason = "error"
)

// GenerationResponse is the canonical non-streaming result.
type GenerationResponse struct {
	Content      string       `json:"content"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
}

// StreamChunk is one element of a streaming response. A stream is finite,
// yields at least one chunk, and ends with exactly one terminal chunk:
// either Done=true (success) or Err != nil (failure).
type StreamChunk struct {
	Delta        string       `json:"delta,omitempty"`
	Done         bool         `json:"done,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"` // terminal chunk, only when reported upstream
	Model        string       `json:"model,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Err          error        `json:"-"`
}

// Terminal reports whether the chunk ends the stream.
func (c StreamChunk) Terminal() bool { return c.Done || c.Err != nil }

// --- Provider ---

// Provider is the interface all LLM back-end adapters implement. Adapters
// are stateless beyond client and config, perform no retries of their own,
// and honor ctx cancellation on every blocking call.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "ollama").
	Name() string
	// Generate sends a non-streaming generation request.
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error)
	// GenerateStream sends a streaming generation request. The returned
	// channel is closed by the producer after the terminal chunk.
	GenerateStream(ctx context.Context, req *GenerationRequest) (<-chan StreamChunk, error)
	// IsAvailable cheaply reports whether the provider can serve requests.
	// A missing credential is detectable without any network round trip.
	IsAvailable(ctx context.Context) bool
	// Describe returns the provider's static descriptor.
	Describe() ProviderDescriptor
}

// ProviderDescriptor is the static, credential-free description of an adapter.
type ProviderDescriptor struct {
	Name            string        `json:"name"`
	Enabled         bool          `json:"enabled"`
	CredentialEnv   string        `json:"credential_env,omitempty"` // env var holding the secret, never the value
	CredentialSet   bool          `json:"credential_set"`
	BaseURL         string        `json:"base_url,omitempty"`
	DefaultModel    string        `json:"default_model"`
	AvailableModels []string      `json:"available_models,omitempty"`
	Timeout         time.Duration `json:"-"`
}

// ProviderStatus is one provider's entry in a health report.
type ProviderStatus struct {
	Name         string `json:"name"`
	Available    bool   `json:"available"`
	DefaultModel string `json:"default_model"`
	Detail       string `json:"detail,omitempty"`
}

// HealthReport aggregates per-provider availability probes.
type HealthReport struct {
	Healthy   bool             `json:"healthy"`
	Providers []ProviderStatus `json:"providers"`
}

// --- Identity ---

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	TenantID  string    `json:"tenant_id"`
	Subject   string    `json:"subject,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Demo      bool      `json:"-"` // auth disabled, fixed demo identity
}

// --- Sessions ---

// Session is a tenant-scoped conversation state record. State is opaque to
// the store; the gateway's chat surface keeps the message history in it.
type Session struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	State     json.RawMessage `json:"state,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
	// FallbackDepth is stamped by the engine via mutation: how many
	// providers were attempted before the request settled.
	FallbackDepth int
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// SetFallbackDepth records the number of providers attempted for the
// request. It mutates the existing requestMeta; without one it is a no-op.
func SetFallbackDepth(ctx context.Context, depth int) {
	if m := metaFromContext(ctx); m != nil {
		m.FallbackDepth = depth
	}
}

// FallbackDepthFromContext extracts the attempt count stamped by the engine.
func FallbackDepthFromContext(ctx context.Context) int {
	if m := metaFromContext(ctx); m != nil {
		return m.FallbackDepth
	}
	return 0
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	// Excluded reports whether path bypasses authentication entirely;
	// handlers see no identity for excluded requests.
	Excluded(path string) bool
}
