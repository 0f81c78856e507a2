package anthropic

import (
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/radagast/internal"
)

const defaultMaxTokens = 4096 // the Messages API requires max_tokens

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Messages    []messagesTurn `json:"messages"`
	System      string         `json:"system,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	StopSeqs    []string       `json:"stop_sequences,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type messagesTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// toMessagesRequest translates a canonical request into the Messages API
// format. A leading system message becomes the top-level system field.
func toMessagesRequest(req *gateway.GenerationRequest, defaultModel string, stream bool) *messagesRequest {
	model := req.Config.Model
	if model == "" {
		model = defaultModel
	}

	out := &messagesRequest{
		Model:       model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
		StopSeqs:    req.Config.StopSequences,
		Stream:      stream,
	}
	if req.Config.MaxTokens != nil {
		out.MaxTokens = *req.Config.MaxTokens
	}

	for _, m := range req.Messages {
		if m.Role == gateway.RoleSystem {
			out.System = m.Content
			continue
		}
		out.Messages = append(out.Messages, messagesTurn{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// fromMessagesResponse translates a Messages API JSON response into the
// canonical form. Text content blocks are concatenated in order.
func fromMessagesResponse(data []byte) *gateway.GenerationResponse {
	result := gjson.ParseBytes(data)

	var content []byte
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content = append(content, block.Get("text").String()...)
		}
		return true
	})

	return &gateway.GenerationResponse{
		Content:      string(content),
		Model:        result.Get("model").String(),
		Provider:     providerName,
		FinishReason: mapStopReason(result.Get("stop_reason").String()),
		Usage: gateway.Usage{
			InputTokens:  int(result.Get("usage.input_tokens").Int()),
			OutputTokens: int(result.Get("usage.output_tokens").Int()),
		},
	}
}

// mapStopReason converts Anthropic stop reasons to canonical finish reasons.
func mapStopReason(reason string) gateway.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return gateway.FinishStop
	case "max_tokens":
		return gateway.FinishLength
	case "refusal":
		return gateway.FinishFilter
	default:
		return gateway.FinishStop
	}
}
