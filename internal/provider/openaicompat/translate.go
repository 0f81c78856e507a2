package openaicompat

import gateway "github.com/eugener/radagast/internal"

// chatMessage is one wire-format conversation turn.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamOptions requests usage in the final streamed chunk.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

// chatUsage is the wire-format token report.
type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatResponse is the non-streaming chat-completions response body.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// toChatRequest translates a canonical request into the wire format.
func toChatRequest(req *gateway.GenerationRequest, defaultModel string, stream bool) *chatRequest {
	model := req.Config.Model
	if model == "" {
		model = defaultModel
	}

	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: string(m.Role), Content: m.Content}
	}

	out := &chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
		MaxTokens:   req.Config.MaxTokens,
		Stop:        req.Config.StopSequences,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

// fromChatResponse translates a wire-format response into the canonical form.
// An empty choices list yields an empty completion with finish reason "error".
func fromChatResponse(resp *chatResponse, providerName string) *gateway.GenerationResponse {
	out := &gateway.GenerationResponse{
		Model:        resp.Model,
		Provider:     providerName,
		FinishReason: gateway.FinishError,
	}
	if resp.Usage != nil {
		out.Usage = gateway.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = mapFinishReason(resp.Choices[0].FinishReason)
	}
	return out
}

// mapFinishReason translates a chat-completions finish_reason string.
func mapFinishReason(reason string) gateway.FinishReason {
	switch reason {
	case "stop":
		return gateway.FinishStop
	case "length":
		return gateway.FinishLength
	case "content_filter":
		return gateway.FinishFilter
	default:
		return gateway.FinishStop
	}
}
