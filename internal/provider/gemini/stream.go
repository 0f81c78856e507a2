package gemini

import (
	"context"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/radagast/internal"
	"github.com/eugener/radagast/internal/provider"
	"github.com/eugener/radagast/internal/provider/sseutil"
)

// readStream reads Gemini SSE payloads and emits canonical chunks. Gemini
// streaming has no "event:" field and no terminal sentinel -- the stream is
// EOF-terminated, so a clean EOF produces the Done chunk. Usage metadata is
// cumulative; the last seen values are carried into the terminal chunk.
// Owns body.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	var (
		usage  *gateway.Usage
		finish gateway.FinishReason
	)

	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}

		r := gjson.Parse(data)
		if u := r.Get("usageMetadata"); u.Exists() {
			usage = &gateway.Usage{
				InputTokens:  int(u.Get("promptTokenCount").Int()),
				OutputTokens: int(u.Get("candidatesTokenCount").Int()),
			}
		}
		if fr := r.Get("candidates.0.finishReason").String(); fr != "" {
			finish = mapFinishReason(fr)
		}

		text := r.Get("candidates.0.content.parts.0.text").String()
		if text == "" {
			continue
		}
		select {
		case ch <- gateway.StreamChunk{Delta: text, Provider: providerName}:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case ch <- gateway.StreamChunk{Err: provider.ClassifyTransport(providerName, err), Provider: providerName}:
		case <-ctx.Done():
		}
		return
	}

	if finish == "" {
		finish = gateway.FinishStop
	}
	select {
	case ch <- gateway.StreamChunk{
		Done:         true,
		FinishReason: finish,
		Usage:        usage,
		Model:        model,
		Provider:     providerName,
	}:
	case <-ctx.Done():
	}
}
