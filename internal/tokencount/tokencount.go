// Package tokencount provides token estimation for usage recording when a
// back end reports no counts. Uses a character-based heuristic (~4 chars per
// token for English) which is sufficient for operational reporting. Can be
// replaced with tiktoken for exact counts if needed.
package tokencount

import (
	gateway "github.com/eugener/radagast/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a generation request.
// Accounts for per-message overhead (role, formatting).
func (c *Counter) EstimateRequest(model string, messages []gateway.Message) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(string(m.Role))
		total += estimateTokens(m.Content)
	}
	total += 3 // reply priming tokens
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(_ string, text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead.
func messageOverhead(_ string) int {
	return 4
}
