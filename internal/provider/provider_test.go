package provider

import (
	"context"
	"testing"

	gateway "github.com/eugener/radagast/internal"
)

// fakeProvider is a minimal gateway.Provider for registry tests.
type fakeProvider struct {
	name  string
	model string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(_ context.Context, _ *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
	return nil, nil
}

func (f *fakeProvider) GenerateStream(_ context.Context, _ *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error) {
	return nil, nil
}

func (f *fakeProvider) IsAvailable(_ context.Context) bool { return true }

func (f *fakeProvider) Describe() gateway.ProviderDescriptor {
	return gateway.ProviderDescriptor{Name: f.name, DefaultModel: f.model}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	p := &fakeProvider{name: "anthropic", model: "claude-sonnet-4-20250514"}
	reg.Register("anthropic", p)

	got, err := reg.Get("anthropic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", got.Name())
	}

	_, err = reg.Get("nonexistent")
	if err == nil {
		t.Fatal("expected error for nonexistent provider")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("ollama", &fakeProvider{name: "ollama"})
	reg.Register("anthropic", &fakeProvider{name: "anthropic"})
	reg.Register("groq", &fakeProvider{name: "groq"})

	names := reg.List()
	if len(names) != 3 {
		t.Fatalf("got %d names, want 3", len(names))
	}
	if names[0] != "anthropic" || names[1] != "groq" || names[2] != "ollama" {
		t.Errorf("names = %v, want [anthropic groq ollama]", names)
	}
}

func TestRegistryOverwrite(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("ollama", &fakeProvider{name: "ollama", model: "llama3.2"})
	reg.Register("ollama", &fakeProvider{name: "ollama", model: "llama3.2:70b"})

	got, err := reg.Get("ollama")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Describe().DefaultModel != "llama3.2:70b" {
		t.Errorf("DefaultModel = %q, want llama3.2:70b (overwritten)", got.Describe().DefaultModel)
	}
	if len(reg.List()) != 1 {
		t.Errorf("list len = %d, want 1", len(reg.List()))
	}
}
