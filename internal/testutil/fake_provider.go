// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync/atomic"

	gateway "github.com/eugener/radagast/internal"
)

// FakeProvider is a configurable gateway.Provider for testing. Function
// fields override the default behavior; call counters are always updated.
type FakeProvider struct {
	ProviderName string
	GenerateFn   func(ctx context.Context, req *gateway.GenerationRequest) (*gateway.GenerationResponse, error)
	StreamFn     func(ctx context.Context, req *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error)
	AvailableFn  func(ctx context.Context) bool
	DescribeFn   func() gateway.ProviderDescriptor

	GenerateCalls atomic.Int64
	StreamCalls   atomic.Int64
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// Generate delegates to GenerateFn or returns a fixed response.
func (f *FakeProvider) Generate(ctx context.Context, req *gateway.GenerationRequest) (*gateway.GenerationResponse, error) {
	f.GenerateCalls.Add(1)
	if f.GenerateFn != nil {
		return f.GenerateFn(ctx, req)
	}
	return &gateway.GenerationResponse{
		Content:      "hello from " + f.ProviderName,
		Model:        req.Config.Model,
		Provider:     f.ProviderName,
		Usage:        gateway.Usage{InputTokens: 10, OutputTokens: 5},
		FinishReason: gateway.FinishStop,
	}, nil
}

// GenerateStream delegates to StreamFn or returns a two-delta stream.
func (f *FakeProvider) GenerateStream(ctx context.Context, req *gateway.GenerationRequest) (<-chan gateway.StreamChunk, error) {
	f.StreamCalls.Add(1)
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return StreamOf(
		gateway.StreamChunk{Delta: "He", Provider: f.ProviderName},
		gateway.StreamChunk{Delta: "llo", Provider: f.ProviderName},
		gateway.StreamChunk{
			Done:         true,
			FinishReason: gateway.FinishStop,
			Usage:        &gateway.Usage{InputTokens: 10, OutputTokens: 5},
			Provider:     f.ProviderName,
		},
	), nil
}

// IsAvailable delegates to AvailableFn or reports true.
func (f *FakeProvider) IsAvailable(ctx context.Context) bool {
	if f.AvailableFn != nil {
		return f.AvailableFn(ctx)
	}
	return true
}

// Describe delegates to DescribeFn or returns a minimal descriptor.
func (f *FakeProvider) Describe() gateway.ProviderDescriptor {
	if f.DescribeFn != nil {
		return f.DescribeFn()
	}
	return gateway.ProviderDescriptor{
		Name:          f.ProviderName,
		Enabled:       true,
		CredentialSet: true,
		DefaultModel:  "fake-model",
	}
}

// StreamOf returns a closed channel pre-loaded with the given chunks.
// The caller is responsible for ending the sequence with a terminal chunk.
func StreamOf(chunks ...gateway.StreamChunk) <-chan gateway.StreamChunk {
	ch := make(chan gateway.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

// ErrStream returns a stream that fails immediately with err.
func ErrStream(err error) <-chan gateway.StreamChunk {
	return StreamOf(gateway.StreamChunk{Err: err})
}
