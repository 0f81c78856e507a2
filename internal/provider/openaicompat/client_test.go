package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

func testRequest() *gateway.GenerationRequest {
	return &gateway.GenerationRequest{
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("missing Content-Type header")
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "llama-3.3-70b" {
			t.Errorf("model = %q, want llama-3.3-70b (default)", req.Model)
		}
		if req.Stream {
			t.Error("stream should be false")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","model":"llama-3.3-70b","choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`)
	}))
	defer srv.Close()

	client := New(Config{Name: "groq", BaseURL: srv.URL + "/v1", DefaultModel: "llama-3.3-70b"}, nil)
	resp, err := client.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("content = %q, want Hello!", resp.Content)
	}
	if resp.Provider != "groq" {
		t.Errorf("provider = %q, want groq", resp.Provider)
	}
	if resp.FinishReason != gateway.FinishStop {
		t.Errorf("finish_reason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v, want 5/3", resp.Usage)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	client := New(Config{Name: "groq", BaseURL: srv.URL, DefaultModel: "m"}, nil)
	_, err := client.Generate(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error for HTTP 429")
	}
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		t.Fatalf("error type = %T, want *gateway.Error", err)
	}
	if ge.Kind != gateway.KindRateLimited {
		t.Errorf("kind = %q, want rate_limited", ge.Kind)
	}
	if ge.RetryAfter != 7*time.Second {
		t.Errorf("retry_after = %v, want 7s", ge.RetryAfter)
	}
}

func TestGenerateStream(t *testing.T) {
	t.Parallel()

	sseBody := "data: {\"model\":\"llama-3.3-70b\",\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
		": keep-alive\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("stream should be true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("stream_options.include_usage should be set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody)
	}))
	defer srv.Close()

	client := New(Config{Name: "groq", BaseURL: srv.URL, DefaultModel: "llama-3.3-70b"}, nil)
	ch, err := client.GenerateStream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	// Two deltas plus the terminal chunk.
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Delta != "Hello" || chunks[1].Delta != " world" {
		t.Errorf("deltas = %q, %q", chunks[0].Delta, chunks[1].Delta)
	}
	last := chunks[2]
	if !last.Done {
		t.Fatal("last chunk should be Done")
	}
	if last.FinishReason != gateway.FinishStop {
		t.Errorf("finish_reason = %q, want stop", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.InputTokens != 10 || last.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 10/5", last.Usage)
	}
}

func TestGenerateStreamTruncated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		// Connection closes without [DONE].
	}))
	defer srv.Close()

	client := New(Config{Name: "groq", BaseURL: srv.URL, DefaultModel: "m"}, nil)
	ch, err := client.GenerateStream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var last gateway.StreamChunk
	for c := range ch {
		last = c
	}
	if last.Err == nil {
		t.Fatal("expected error chunk for truncated stream")
	}
	if last.Done {
		t.Error("truncated stream must not end with Done")
	}
}

func TestGenerateStreamHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))
	defer srv.Close()

	client := New(Config{Name: "groq", BaseURL: srv.URL, DefaultModel: "m"}, nil)
	_, err := client.GenerateStream(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error for HTTP 401")
	}
	if gateway.KindOf(err) != gateway.KindAuth {
		t.Errorf("kind = %q, want auth_error", gateway.KindOf(err))
	}
}

func TestGenerateStreamContextCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := New(Config{Name: "groq", BaseURL: srv.URL, DefaultModel: "m"}, nil)
	ch, err := client.GenerateStream(ctx, testRequest())
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	chunk := <-ch
	if chunk.Delta != "hi" {
		t.Errorf("delta = %q, want hi", chunk.Delta)
	}
	cancel()

	// Drain; the producer stops after cancellation.
	for range ch {
	}
}

func TestAzureURLAndHeaders(t *testing.T) {
	t.Setenv("AZURE_OPENAI_API_KEY", "azure-key")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/openai/deployments/gpt-4o-prod/chat/completions"
		if r.URL.Path != wantPath {
			t.Errorf("path = %s, want %s", r.URL.Path, wantPath)
		}
		if got := r.URL.Query().Get("api-version"); got != "2024-02-15-preview" {
			t.Errorf("api-version = %q, want 2024-02-15-preview", got)
		}
		if r.Header.Get("api-key") != "azure-key" {
			t.Error("missing api-key header")
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization header must not be set for azure hosting")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := New(Config{
		Name:         "azure_openai",
		BaseURL:      srv.URL,
		APIKeyEnv:    "AZURE_OPENAI_API_KEY",
		Hosting:      "azure",
		Deployment:   "gpt-4o-prod",
		DefaultModel: "gpt-4o",
	}, nil)
	resp, err := client.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}

func TestBearerAuthHeader(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "groq-key")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer groq-key" {
			t.Error("missing or wrong Authorization header")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","model":"m","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := New(Config{Name: "groq", BaseURL: srv.URL, APIKeyEnv: "GROQ_API_KEY", DefaultModel: "m"}, nil)
	if _, err := client.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestIsAvailable(t *testing.T) {
	t.Setenv("OPENAICOMPAT_TEST_KEY", "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s, want /models", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"id":"m"}]}`)
	}))
	defer srv.Close()

	// No credential configured: availability comes from the models probe.
	open := New(Config{Name: "lightllm", BaseURL: srv.URL, DefaultModel: "m"}, nil)
	if !open.IsAvailable(context.Background()) {
		t.Error("instance should be available when /models answers")
	}

	// Credential configured but unset: unavailable without any probe.
	keyed := New(Config{Name: "groq", BaseURL: srv.URL, APIKeyEnv: "OPENAICOMPAT_TEST_KEY", DefaultModel: "m"}, nil)
	if keyed.IsAvailable(context.Background()) {
		t.Error("instance with empty credential should be unavailable")
	}

	t.Setenv("OPENAICOMPAT_TEST_KEY", "k")
	keyed = New(Config{Name: "groq", BaseURL: srv.URL, APIKeyEnv: "OPENAICOMPAT_TEST_KEY", DefaultModel: "m"}, nil)
	if !keyed.IsAvailable(context.Background()) {
		t.Error("instance with credential set should be available")
	}

	srv.Close()
	if keyed.IsAvailable(context.Background()) {
		t.Error("instance should be unavailable when the endpoint is down")
	}
}

func TestIsAvailableAzure(t *testing.T) {
	t.Setenv("AZURE_OPENAI_API_KEY", "azure-key")

	// Azure has no models endpoint; availability is config completeness.
	full := New(Config{
		Name: "azure_openai", BaseURL: "https://res.openai.azure.com",
		APIKeyEnv: "AZURE_OPENAI_API_KEY", Hosting: "azure", Deployment: "gpt-4o-prod",
		DefaultModel: "gpt-4o",
	}, nil)
	if !full.IsAvailable(context.Background()) {
		t.Error("fully configured azure instance should be available")
	}

	noDeployment := New(Config{
		Name: "azure_openai", BaseURL: "https://res.openai.azure.com",
		APIKeyEnv: "AZURE_OPENAI_API_KEY", Hosting: "azure", DefaultModel: "gpt-4o",
	}, nil)
	if noDeployment.IsAvailable(context.Background()) {
		t.Error("azure instance without deployment should be unavailable")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	client := New(Config{
		Name:         "groq",
		BaseURL:      "https://api.groq.com/openai/v1",
		APIKeyEnv:    "GROQ_KEY_UNSET_FOR_TEST",
		DefaultModel: "llama-3.3-70b",
		Timeout:      30 * time.Second,
	}, nil)
	d := client.Describe()
	if d.Name != "groq" {
		t.Errorf("name = %q, want groq", d.Name)
	}
	if d.CredentialEnv != "GROQ_KEY_UNSET_FOR_TEST" {
		t.Errorf("credential_env = %q", d.CredentialEnv)
	}
	if d.CredentialSet {
		t.Error("credential_set should be false")
	}
	if d.DefaultModel != "llama-3.3-70b" {
		t.Errorf("default_model = %q", d.DefaultModel)
	}
}

func TestMapFinishReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want gateway.FinishReason
	}{
		{"stop", gateway.FinishStop},
		{"length", gateway.FinishLength},
		{"content_filter", gateway.FinishFilter},
		{"tool_calls", gateway.FinishStop},
		{"", gateway.FinishStop},
	}
	for _, tt := range tests {
		if got := mapFinishReason(tt.in); got != tt.want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
