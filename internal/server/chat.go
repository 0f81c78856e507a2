package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/session"
)

// maxChatBody bounds the request body to keep a hostile payload from
// exhausting memory.
const maxChatBody = 1 << 20

// chatRequest is the body of POST /chat and POST /chat/stream. Either the
// message shorthand or an explicit messages list must be present.
type chatRequest struct {
	Message   string            `json:"message,omitempty"`
	Messages  []gateway.Message `json:"messages,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
	Config    *chatConfig       `json:"config,omitempty"`
}

// chatConfig is GenConfig in wire form; timeouts travel as whole seconds.
type chatConfig struct {
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	StopSequences  []string `json:"stop,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

func (c *chatConfig) toGenConfig() gateway.GenConfig {
	if c == nil {
		return gateway.GenConfig{}
	}
	return gateway.GenConfig{
		Model:         c.Model,
		Temperature:   c.Temperature,
		TopP:          c.TopP,
		MaxTokens:     c.MaxTokens,
		StopSequences: c.StopSequences,
		Timeout:       time.Duration(c.TimeoutSeconds) * time.Second,
	}
}

// chatResponse is the non-streaming reply: the generation result plus the
// session the exchange was recorded under.
type chatResponse struct {
	Content      string               `json:"content"`
	Model        string               `json:"model"`
	Provider     string               `json:"provider"`
	Usage        gateway.Usage        `json:"usage"`
	FinishReason gateway.FinishReason `json:"finish_reason"`
	SessionID    string               `json:"session_id"`
}

// sessionState is the opaque conversation state the chat surface keeps in
// a session.
type sessionState struct {
	Messages []gateway.Message `json:"messages"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			Error: "invalid_request", Message: "invalid request body: " + err.Error(),
		})
		return
	}
	if req.Stream {
		s.streamChat(w, r, &req)
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	sess, history, err := s.conversation(r, identity, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	greq := &gateway.GenerationRequest{Messages: history, Config: req.Config.toGenConfig()}
	start := time.Now()
	resp, err := s.deps.Engine.Generate(r.Context(), req.Agent, greq)
	if err != nil {
		s.recordUsage(r, identity, &req, nil, nil, time.Since(start), err)
		writeError(w, err)
		return
	}

	s.saveConversation(r, sess, history, resp.Content)
	s.recordUsage(r, identity, &req, greq, resp, time.Since(start), nil)

	writeJSON(w, http.StatusOK, chatResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		Provider:     resp.Provider,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
		SessionID:    sess.ID,
	})
}

// conversation loads or creates the session and assembles prior history
// plus the new turn. A session belonging to another tenant reads as not
// found so existence does not leak across tenants.
func (s *server) conversation(r *http.Request, identity *gateway.Identity, req *chatRequest) (*gateway.Session, []gateway.Message, error) {
	var sess *gateway.Session
	if req.SessionID != "" {
		loaded, err := s.deps.Sessions.Load(r.Context(), req.SessionID)
		if err != nil {
			return nil, nil, err
		}
		if loaded.TenantID != identity.TenantID {
			return nil, nil, gateway.ErrTenantMismatch
		}
		sess = loaded
	} else {
		sess = &gateway.Session{
			ID:        session.NewID(),
			TenantID:  identity.TenantID,
			CreatedAt: time.Now(),
		}
	}

	var history []gateway.Message
	if len(sess.State) > 0 {
		var state sessionState
		if err := json.Unmarshal(sess.State, &state); err == nil {
			history = state.Messages
		}
	}

	switch {
	case req.Message != "":
		history = append(history, gateway.Message{Role: gateway.RoleUser, Content: req.Message})
	case len(req.Messages) > 0:
		history = append(history, req.Messages...)
	default:
		return nil, nil, gateway.E(gateway.KindInvalidRequest, "", "message or messages required")
	}
	return sess, history, nil
}

// saveConversation appends the assistant reply and persists the session.
// A failed save is logged, never surfaced: the generation already succeeded.
func (s *server) saveConversation(r *http.Request, sess *gateway.Session, history []gateway.Message, reply string) {
	full := append(history, gateway.Message{Role: gateway.RoleAssistant, Content: reply})
	state, err := json.Marshal(sessionState{Messages: full})
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "marshal session state",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		return
	}
	sess.State = state
	if err := s.deps.Sessions.Save(r.Context(), sess, s.deps.SessionTTL); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "save session",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}
}

// recordUsage enqueues one usage record; counts missing upstream are
// estimated when a counter is wired.
func (s *server) recordUsage(r *http.Request, identity *gateway.Identity, req *chatRequest, greq *gateway.GenerationRequest, resp *gateway.GenerationResponse, elapsed time.Duration, genErr error) {
	if s.deps.Usage == nil {
		return
	}
	rec := gateway.UsageRecord{
		ID:            newUsageID(),
		RequestID:     gateway.RequestIDFromContext(r.Context()),
		TenantID:      identity.TenantID,
		Agent:         req.Agent,
		FallbackDepth: gateway.FallbackDepthFromContext(r.Context()),
		LatencyMs:     elapsed.Milliseconds(),
		Status:        "ok",
		CreatedAt:     time.Now(),
	}
	if genErr != nil {
		rec.Status = string(gateway.KindOf(genErr))
	}
	if resp != nil {
		rec.Provider = resp.Provider
		rec.Model = resp.Model
		rec.PromptTokens = resp.Usage.InputTokens
		rec.CompletionTokens = resp.Usage.OutputTokens
		rec.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
		if rec.TotalTokens == 0 && s.deps.TokenCounter != nil && greq != nil {
			rec.PromptTokens = s.deps.TokenCounter.EstimateRequest(resp.Model, greq.Messages)
			rec.CompletionTokens = s.deps.TokenCounter.CountText(resp.Model, resp.Content)
			rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
			rec.Estimated = true
		}
	}
	s.deps.Usage.Record(rec)
}

func newUsageID() string {
	return uuid.Must(uuid.NewV7()).String()
}
