package anthropic

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/provider"
	"github.com/eugener/radagast/internal/provider/sseutil"
)

// streamState tracks the Anthropic SSE event state machine across events.
type streamState struct {
	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
	done         bool
}

// readStream reads Anthropic SSE events and emits canonical chunks. Usage
// accumulates across message_start and message_delta; message_stop produces
// the terminal Done chunk. Owns body.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	var state streamState
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		chunk, emit := state.handleEvent(currentEvent, data)
		currentEvent = ""
		if !emit {
			continue
		}
		select {
		case ch <- chunk:
		case <-ctx.Done():
			return
		}
		if chunk.Terminal() {
			return
		}
	}

	// Stream ended without message_stop.
	err := scanner.Err()
	if err == nil {
		err = gateway.E(gateway.KindUnavailable, providerName, "stream truncated before message_stop")
	} else {
		err = provider.ClassifyTransport(providerName, err)
	}
	select {
	case ch <- gateway.StreamChunk{Err: err, Provider: providerName}:
	case <-ctx.Done():
	}
}

// handleEvent processes one SSE event and returns the chunk to emit, if any.
func (s *streamState) handleEvent(event, data string) (gateway.StreamChunk, bool) {
	switch event {
	case "message_start":
		r := gjson.Parse(data)
		s.model = r.Get("message.model").String()
		s.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		return gateway.StreamChunk{}, false

	case "content_block_delta":
		r := gjson.Parse(data)
		if r.Get("delta.type").String() != "text_delta" {
			return gateway.StreamChunk{}, false
		}
		return gateway.StreamChunk{
			Delta:    r.Get("delta.text").String(),
			Provider: providerName,
		}, true

	case "message_delta":
		r := gjson.Parse(data)
		if n := r.Get("usage.output_tokens"); n.Exists() {
			s.outputTokens = int(n.Int())
		}
		if sr := r.Get("delta.stop_reason").String(); sr != "" {
			s.stopReason = sr
		}
		return gateway.StreamChunk{}, false

	case "message_stop":
		s.done = true
		return gateway.StreamChunk{
			Done:         true,
			FinishReason: mapStopReason(s.stopReason),
			Usage:        &gateway.Usage{InputTokens: s.inputTokens, OutputTokens: s.outputTokens},
			Model:        s.model,
			Provider:     providerName,
		}, true

	case "error":
		r := gjson.Parse(data)
		msg := r.Get("error.message").String()
		if msg == "" {
			msg = "upstream stream error"
		}
		return gateway.StreamChunk{
			Err:      gateway.E(gateway.KindUnavailable, providerName, msg),
			Provider: providerName,
		}, true

	default:
		// ping, content_block_start, content_block_stop
		return gateway.StreamChunk{}, false
	}
}
