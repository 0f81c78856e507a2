package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/provider"
	"github.com/eugener/radagast/internal/provider/sseutil"
)

// streamChunk is one streamed chat-completions SSE payload.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// readStream consumes the SSE response body and emits canonical chunks.
// Usage and finish reason arrive in late payloads and are carried into the
// terminal Done chunk emitted when "[DONE]" is seen. The channel is closed
// after the terminal chunk. Owns resp.Body.
func (c *Client) readStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	var (
		usage  *gateway.Usage
		finish gateway.FinishReason
		model  string
	)

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			if finish == "" {
				finish = gateway.FinishStop
			}
			c.send(ctx, ch, gateway.StreamChunk{
				Done:         true,
				FinishReason: finish,
				Usage:        usage,
				Model:        model,
				Provider:     c.cfg.Name,
			})
			return
		}

		var sc streamChunk
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			// Tolerate unparsable keep-alive payloads.
			continue
		}
		if sc.Model != "" {
			model = sc.Model
		}
		if sc.Usage != nil {
			usage = &gateway.Usage{
				InputTokens:  sc.Usage.PromptTokens,
				OutputTokens: sc.Usage.CompletionTokens,
			}
		}
		if len(sc.Choices) == 0 {
			continue
		}
		if fr := sc.Choices[0].FinishReason; fr != "" {
			finish = mapFinishReason(fr)
		}
		if delta := sc.Choices[0].Delta.Content; delta != "" {
			if !c.send(ctx, ch, gateway.StreamChunk{Delta: delta, Provider: c.cfg.Name}) {
				return
			}
		}
	}

	// Stream ended without [DONE]: report the read error, or the truncation.
	err := scanner.Err()
	if err == nil {
		err = gateway.E(gateway.KindUnavailable, c.cfg.Name, "stream truncated before [DONE]")
	} else {
		err = provider.ClassifyTransport(c.cfg.Name, err)
	}
	c.send(ctx, ch, gateway.StreamChunk{Err: err, Provider: c.cfg.Name})
}

// send delivers a chunk unless the context has been canceled.
func (c *Client) send(ctx context.Context, ch chan<- gateway.StreamChunk, chunk gateway.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
