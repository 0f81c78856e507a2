package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/radagast/internal"
)

const anthropicBedrockVersion = "bedrock-2023-05-31"

// family is the per-model-family wire codec. Bedrock has no uniform request
// or response shape; each model family keeps its native format. Instances
// are per-request since streaming decoders accumulate state.
type family interface {
	marshalRequest(req *gateway.GenerationRequest) ([]byte, error)
	decodeResponse(data []byte) *gateway.GenerationResponse
	// decodeEvent translates one event payload into zero or more chunks.
	// A terminal chunk ends the stream.
	decodeEvent(data []byte) []gateway.StreamChunk
}

// familyFor dispatches on the model ID prefix. Unsupported families are an
// invalid_request: there is no way to build a correct body for them.
func familyFor(model string) (family, error) {
	switch {
	case strings.HasPrefix(model, "anthropic."), strings.Contains(model, ".anthropic."):
		return &anthropicFamily{}, nil
	case strings.HasPrefix(model, "meta."), strings.Contains(model, ".meta."):
		return &llamaFamily{}, nil
	case strings.HasPrefix(model, "amazon.titan"):
		return &titanFamily{}, nil
	default:
		return nil, gateway.E(gateway.KindInvalidRequest, providerName,
			fmt.Sprintf("unsupported model family: %s", model))
	}
}

// --- Anthropic family ---

// anthropicFamily speaks the Messages API shape with anthropic_version in
// the body. Streaming events are standard Anthropic event JSON.
type anthropicFamily struct {
	inputTokens  int
	outputTokens int
	stopReason   string
	model        string
}

type anthropicBody struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []anthropicTurn `json:"messages"`
	System           string          `json:"system,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	StopSeqs         []string        `json:"stop_sequences,omitempty"`
}

type anthropicTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (f *anthropicFamily) marshalRequest(req *gateway.GenerationRequest) ([]byte, error) {
	body := anthropicBody{
		AnthropicVersion: anthropicBedrockVersion,
		MaxTokens:        defaultMaxTokens,
		Temperature:      req.Config.Temperature,
		TopP:             req.Config.TopP,
		StopSeqs:         req.Config.StopSequences,
	}
	if req.Config.MaxTokens != nil {
		body.MaxTokens = *req.Config.MaxTokens
	}
	for _, m := range req.Messages {
		if m.Role == gateway.RoleSystem {
			body.System = m.Content
			continue
		}
		body.Messages = append(body.Messages, anthropicTurn{Role: string(m.Role), Content: m.Content})
	}
	return json.Marshal(body)
}

func (f *anthropicFamily) decodeResponse(data []byte) *gateway.GenerationResponse {
	r := gjson.ParseBytes(data)

	var content strings.Builder
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text").String())
		}
		return true
	})

	return &gateway.GenerationResponse{
		Content:      content.String(),
		Model:        r.Get("model").String(),
		Provider:     providerName,
		FinishReason: mapAnthropicStop(r.Get("stop_reason").String()),
		Usage: gateway.Usage{
			InputTokens:  int(r.Get("usage.input_tokens").Int()),
			OutputTokens: int(r.Get("usage.output_tokens").Int()),
		},
	}
}

func (f *anthropicFamily) decodeEvent(data []byte) []gateway.StreamChunk {
	r := gjson.ParseBytes(data)
	switch r.Get("type").String() {
	case "message_start":
		f.model = r.Get("message.model").String()
		f.inputTokens = int(r.Get("message.usage.input_tokens").Int())
	case "content_block_delta":
		if r.Get("delta.type").String() == "text_delta" {
			return []gateway.StreamChunk{{Delta: r.Get("delta.text").String(), Provider: providerName}}
		}
	case "message_delta":
		if n := r.Get("usage.output_tokens"); n.Exists() {
			f.outputTokens = int(n.Int())
		}
		if sr := r.Get("delta.stop_reason").String(); sr != "" {
			f.stopReason = sr
		}
	case "message_stop":
		return []gateway.StreamChunk{{
			Done:         true,
			FinishReason: mapAnthropicStop(f.stopReason),
			Usage:        &gateway.Usage{InputTokens: f.inputTokens, OutputTokens: f.outputTokens},
			Model:        f.model,
			Provider:     providerName,
		}}
	}
	return nil
}

func mapAnthropicStop(reason string) gateway.FinishReason {
	switch reason {
	case "max_tokens":
		return gateway.FinishLength
	case "refusal":
		return gateway.FinishFilter
	default:
		return gateway.FinishStop
	}
}

// --- Llama family ---

// llamaFamily speaks Meta's prompt-string format with Llama 3 header tokens.
type llamaFamily struct{}

type llamaBody struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   *int     `json:"max_gen_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

func (f *llamaFamily) marshalRequest(req *gateway.GenerationRequest) ([]byte, error) {
	return json.Marshal(llamaBody{
		Prompt:      llamaPrompt(req.Messages),
		MaxGenLen:   req.Config.MaxTokens,
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
	})
}

// llamaPrompt renders the conversation with Llama 3 special tokens.
func llamaPrompt(msgs []gateway.Message) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	for _, m := range msgs {
		b.WriteString("<|start_header_id|>")
		b.WriteString(string(m.Role))
		b.WriteString("<|end_header_id|>\n\n")
		b.WriteString(m.Content)
		b.WriteString("<|eot_id|>")
	}
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return b.String()
}

func (f *llamaFamily) decodeResponse(data []byte) *gateway.GenerationResponse {
	r := gjson.ParseBytes(data)
	return &gateway.GenerationResponse{
		Content:      r.Get("generation").String(),
		Provider:     providerName,
		FinishReason: mapLlamaStop(r.Get("stop_reason").String()),
		Usage: gateway.Usage{
			InputTokens:  int(r.Get("prompt_token_count").Int()),
			OutputTokens: int(r.Get("generation_token_count").Int()),
		},
	}
}

func (f *llamaFamily) decodeEvent(data []byte) []gateway.StreamChunk {
	r := gjson.ParseBytes(data)

	var out []gateway.StreamChunk
	if text := r.Get("generation").String(); text != "" {
		out = append(out, gateway.StreamChunk{Delta: text, Provider: providerName})
	}
	if sr := r.Get("stop_reason").String(); sr != "" {
		chunk := gateway.StreamChunk{
			Done:         true,
			FinishReason: mapLlamaStop(sr),
			Provider:     providerName,
		}
		// The final event carries invocation metrics alongside stop_reason.
		if m := r.Get("amazon-bedrock-invocationMetrics"); m.Exists() {
			chunk.Usage = &gateway.Usage{
				InputTokens:  int(m.Get("inputTokenCount").Int()),
				OutputTokens: int(m.Get("outputTokenCount").Int()),
			}
		}
		out = append(out, chunk)
	}
	return out
}

func mapLlamaStop(reason string) gateway.FinishReason {
	switch reason {
	case "length":
		return gateway.FinishLength
	default:
		return gateway.FinishStop
	}
}

// --- Titan family ---

// titanFamily speaks Amazon Titan's inputText format.
type titanFamily struct{}

type titanBody struct {
	InputText            string      `json:"inputText"`
	TextGenerationConfig titanConfig `json:"textGenerationConfig"`
}

type titanConfig struct {
	MaxTokenCount *int     `json:"maxTokenCount,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

func (f *titanFamily) marshalRequest(req *gateway.GenerationRequest) ([]byte, error) {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(strings.ToUpper(string(m.Role)[:1]) + string(m.Role)[1:])
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")

	return json.Marshal(titanBody{
		InputText: b.String(),
		TextGenerationConfig: titanConfig{
			MaxTokenCount: req.Config.MaxTokens,
			Temperature:   req.Config.Temperature,
			TopP:          req.Config.TopP,
			StopSequences: req.Config.StopSequences,
		},
	})
}

func (f *titanFamily) decodeResponse(data []byte) *gateway.GenerationResponse {
	r := gjson.ParseBytes(data)
	first := r.Get("results.0")
	return &gateway.GenerationResponse{
		Content:      first.Get("outputText").String(),
		Provider:     providerName,
		FinishReason: mapTitanStop(first.Get("completionReason").String()),
		Usage: gateway.Usage{
			InputTokens:  int(r.Get("inputTextTokenCount").Int()),
			OutputTokens: int(first.Get("tokenCount").Int()),
		},
	}
}

func (f *titanFamily) decodeEvent(data []byte) []gateway.StreamChunk {
	r := gjson.ParseBytes(data)

	var out []gateway.StreamChunk
	if text := r.Get("outputText").String(); text != "" {
		out = append(out, gateway.StreamChunk{Delta: text, Provider: providerName})
	}
	if cr := r.Get("completionReason").String(); cr != "" {
		out = append(out, gateway.StreamChunk{
			Done:         true,
			FinishReason: mapTitanStop(cr),
			Usage: &gateway.Usage{
				InputTokens:  int(r.Get("inputTextTokenCount").Int()),
				OutputTokens: int(r.Get("totalOutputTextTokenCount").Int()),
			},
			Provider: providerName,
		})
	}
	return out
}

func mapTitanStop(reason string) gateway.FinishReason {
	switch reason {
	case "LENGTH":
		return gateway.FinishLength
	case "CONTENT_FILTERED":
		return gateway.FinishFilter
	default:
		return gateway.FinishStop
	}
}
