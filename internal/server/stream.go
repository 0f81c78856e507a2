package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

// streamKeepAliveInterval paces comment frames so idle proxies do not cut
// the connection while a slow model thinks.
const streamKeepAliveInterval = 15 * time.Second

// streamFrame is one SSE data payload. Exactly one terminal frame ends the
// stream: done or error.
type streamFrame struct {
	Delta        string               `json:"delta,omitempty"`
	Done         bool                 `json:"done,omitempty"`
	FinishReason gateway.FinishReason `json:"finish_reason,omitempty"`
	Usage        *gateway.Usage       `json:"usage,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	Error        string               `json:"error,omitempty"`
	Message      string               `json:"message,omitempty"`
}

func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			Error: "invalid_request", Message: "invalid request body: " + err.Error(),
		})
		return
	}
	s.streamChat(w, r, &req)
}

// streamChat bridges the engine's canonical stream onto SSE. The HTTP
// status is committed before the first upstream byte, so failures after
// that point can only be terminal error frames.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, req *chatRequest) {
	identity := gateway.IdentityFromContext(r.Context())
	sess, history, err := s.conversation(r, identity, req)
	if err != nil {
		writeError(w, err)
		return
	}

	greq := &gateway.GenerationRequest{Messages: history, Config: req.Config.toGenConfig()}
	start := time.Now()
	ch, err := s.deps.Engine.GenerateStream(r.Context(), req.Agent, greq)
	if err != nil {
		s.recordUsage(r, identity, req, nil, nil, time.Since(start), err)
		writeError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAliveInterval)
	defer keepAlive.Stop()

	var reply strings.Builder
	for {
		select {
		case chunk, chOpen := <-ch:
			if !chOpen {
				// Producer closed without a terminal chunk; nothing to save.
				return
			}
			switch {
			case chunk.Err != nil:
				writeFrame(w, streamFrame{
					Error:   string(gateway.KindOf(chunk.Err)),
					Message: chunk.Err.Error(),
				})
				flusher.Flush()
				s.recordStreamUsage(r, identity, req, greq, chunk, reply.String(), time.Since(start), chunk.Err)
				return
			case chunk.Done:
				writeFrame(w, streamFrame{
					Done:         true,
					FinishReason: chunk.FinishReason,
					Usage:        chunk.Usage,
					SessionID:    sess.ID,
				})
				flusher.Flush()
				s.saveConversation(r, sess, history, reply.String())
				s.recordStreamUsage(r, identity, req, greq, chunk, reply.String(), time.Since(start), nil)
				return
			default:
				reply.WriteString(chunk.Delta)
				writeFrame(w, streamFrame{Delta: chunk.Delta})
				flusher.Flush()
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			// Caller went away: no terminal frame to write, no session save.
			return
		}
	}
}

// writeFrame renders one frame as an SSE data line.
func writeFrame(w http.ResponseWriter, f streamFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("marshal stream frame", "error", err)
		return
	}
	writeSSEData(w, data)
}

// recordStreamUsage enqueues a usage record for a finished stream.
func (s *server) recordStreamUsage(r *http.Request, identity *gateway.Identity, req *chatRequest, greq *gateway.GenerationRequest, terminal gateway.StreamChunk, reply string, elapsed time.Duration, streamErr error) {
	if s.deps.Usage == nil {
		return
	}
	resp := &gateway.GenerationResponse{
		Content:  reply,
		Model:    terminal.Model,
		Provider: terminal.Provider,
	}
	if terminal.Usage != nil {
		resp.Usage = *terminal.Usage
	}
	rec := gateway.UsageRecord{
		ID:            newUsageID(),
		RequestID:     gateway.RequestIDFromContext(r.Context()),
		TenantID:      identity.TenantID,
		Agent:         req.Agent,
		Provider:      resp.Provider,
		Model:         resp.Model,
		FallbackDepth: gateway.FallbackDepthFromContext(r.Context()),
		Streamed:      true,
		LatencyMs:     elapsed.Milliseconds(),
		Status:        "ok",
		CreatedAt:     time.Now(),
	}
	if streamErr != nil {
		rec.Status = string(gateway.KindOf(streamErr))
	}
	rec.PromptTokens = resp.Usage.InputTokens
	rec.CompletionTokens = resp.Usage.OutputTokens
	rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	if rec.TotalTokens == 0 && s.deps.TokenCounter != nil {
		rec.PromptTokens = s.deps.TokenCounter.EstimateRequest(resp.Model, greq.Messages)
		rec.CompletionTokens = s.deps.TokenCounter.CountText(resp.Model, reply)
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
		rec.Estimated = true
	}
	s.deps.Usage.Record(rec)
}
