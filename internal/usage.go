package gateway

import "time"

// UsageRecord is one completed generation, persisted asynchronously for
// operational reporting. Token counts only; the gateway does no cost
// accounting.
type UsageRecord struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	TenantID         string    `json:"tenant_id"`
	Agent            string    `json:"agent"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Estimated        bool      `json:"estimated"` // counts filled by heuristic, not the back end
	FallbackDepth    int       `json:"fallback_depth"`
	Streamed         bool      `json:"streamed"`
	LatencyMs        int64     `json:"latency_ms"`
	Status           string    `json:"status"` // "ok" or the error kind
	CreatedAt        time.Time `json:"created_at"`
}

// UsageFilter selects usage records for queries and rollups.
type UsageFilter struct {
	TenantID string
	Provider string
	Model    string
	Since    string // RFC3339 inclusive lower bound
	Until    string // RFC3339 exclusive upper bound
	Limit    int
	Offset   int
}

// UsageRollup is an hourly aggregate of usage records.
type UsageRollup struct {
	TenantID         string `json:"tenant_id"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Bucket           string `json:"bucket"` // RFC3339 hour boundary
	RequestCount     int    `json:"request_count"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ErrorCount       int    `json:"error_count"`
}
