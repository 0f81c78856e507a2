package gemini

import (
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/radagast/internal"
)

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// toGeminiRequest translates a canonical request into the generateContent
// format. A leading system message becomes systemInstruction; assistant
// turns use the "model" role.
func toGeminiRequest(req *gateway.GenerationRequest) *geminiRequest {
	out := &geminiRequest{}

	cfg := req.Config
	if cfg.Temperature != nil || cfg.TopP != nil || cfg.MaxTokens != nil || len(cfg.StopSequences) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
			MaxOutputTokens: cfg.MaxTokens,
			StopSequences:   cfg.StopSequences,
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case gateway.RoleSystem:
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case gateway.RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: m.Content}},
			})
		default:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	return out
}

// fromGeminiResponse translates a generateContent JSON response into the
// canonical form. Text parts of the first candidate are concatenated.
func fromGeminiResponse(data []byte, model string) *gateway.GenerationResponse {
	r := gjson.ParseBytes(data)

	var content strings.Builder
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		content.WriteString(part.Get("text").String())
		return true
	})

	return &gateway.GenerationResponse{
		Content:      content.String(),
		Model:        model,
		Provider:     providerName,
		FinishReason: mapFinishReason(r.Get("candidates.0.finishReason").String()),
		Usage: gateway.Usage{
			InputTokens:  int(r.Get("usageMetadata.promptTokenCount").Int()),
			OutputTokens: int(r.Get("usageMetadata.candidatesTokenCount").Int()),
		},
	}
}

// mapFinishReason converts Gemini finish reasons to canonical ones.
func mapFinishReason(reason string) gateway.FinishReason {
	switch reason {
	case "STOP":
		return gateway.FinishStop
	case "MAX_TOKENS":
		return gateway.FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return gateway.FinishFilter
	default:
		return gateway.FinishStop
	}
}
