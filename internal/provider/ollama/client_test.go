package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/eugener/radagast/internal"
)

func testRequest() *gateway.GenerationRequest {
	temp := 0.2
	maxTok := 128
	return &gateway.GenerationRequest{
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "hi"}},
		Config: gateway.GenConfig{
			Temperature: &temp,
			MaxTokens:   &maxTok,
		},
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("stream should be false")
		}
		if req.Model != "llama3.2" {
			t.Errorf("model = %q, want llama3.2 (default)", req.Model)
		}
		if req.Options == nil || req.Options.NumPredict == nil || *req.Options.NumPredict != 128 {
			t.Errorf("options = %+v, want num_predict=128", req.Options)
		}
		if req.Options.Temperature == nil || *req.Options.Temperature != 0.2 {
			t.Errorf("options temperature = %+v, want 0.2", req.Options.Temperature)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"llama3.2","message":{"role":"assistant","content":"Hello!"},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":3}`)
	}))
	defer srv.Close()

	client := New(srv.URL, "llama3.2", 0, nil)
	resp, err := client.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("content = %q, want Hello!", resp.Content)
	}
	if resp.FinishReason != gateway.FinishStop {
		t.Errorf("finish_reason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v, want 7/3", resp.Usage)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	client := New(srv.URL, "nope", 0, nil)
	_, err := client.Generate(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error for HTTP 404")
	}
	if gateway.KindOf(err) != gateway.KindModelNotFound {
		t.Errorf("kind = %q, want model_not_found", gateway.KindOf(err))
	}
}

func TestGenerateStream(t *testing.T) {
	t.Parallel()

	ndjson := `{"model":"llama3.2","message":{"role":"assistant","content":"Hel"},"done":false}` + "\n" +
		`{"model":"llama3.2","message":{"role":"assistant","content":"lo"},"done":false}` + "\n" +
		`{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":5}` + "\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("stream should be true")
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, ndjson)
	}))
	defer srv.Close()

	client := New(srv.URL, "llama3.2", 0, nil)
	ch, err := client.GenerateStream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Delta != "Hel" || chunks[1].Delta != "lo" {
		t.Errorf("deltas = %q, %q", chunks[0].Delta, chunks[1].Delta)
	}
	last := chunks[2]
	if !last.Done {
		t.Fatal("last chunk should be Done")
	}
	if last.Usage == nil || last.Usage.InputTokens != 7 || last.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 7/5", last.Usage)
	}
}

func TestGenerateStreamTruncated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, `{"model":"m","message":{"role":"assistant","content":"par"},"done":false}`+"\n")
	}))
	defer srv.Close()

	client := New(srv.URL, "m", 0, nil)
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
}

func TestIsAvailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3.2"}]}`)
	}))
	defer srv.Close()

	client := New(srv.URL, "llama3.2", 0, nil)
	if !client.IsAvailable(context.Background()) {
		t.Error("should be available when /api/tags answers")
	}

	srv.Close()
	if client.IsAvailable(context.Background()) {
		t.Error("should be unavailable when the daemon is down")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	d := New("", "llama3.2", 0, nil).Describe()
	if d.Name != "ollama" {
		t.Errorf("name = %q, want ollama", d.Name)
	}
	if !d.CredentialSet {
		t.Error("credential_set should be true (no credential needed)")
	}
	if d.BaseURL != defaultBaseURL {
		t.Errorf("base_url = %q, want default", d.BaseURL)
	}
}
