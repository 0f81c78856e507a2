package bedrock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/radagast/internal"
)

// readStream reads AWS binary event stream frames from an
// invoke-with-response-stream body and emits canonical chunks. Each frame's
// payload contains {"bytes":"<base64>"} where the decoded bytes are the
// model family's native event JSON. Owns body.
func readStream(ctx context.Context, body io.ReadCloser, fam family, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer body.Close()

	decoder := eventstream.NewDecoder()
	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				send(ctx, ch, gateway.StreamChunk{
					Err:      gateway.E(gateway.KindUnavailable, providerName, "stream truncated before terminal event"),
					Provider: providerName,
				})
				return
			}
			send(ctx, ch, gateway.StreamChunk{
				Err:      gateway.WrapErr(gateway.KindNetwork, providerName, fmt.Errorf("decode event stream: %w", err)),
				Provider: providerName,
			})
			return
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "exception":
			send(ctx, ch, gateway.StreamChunk{Err: exceptionError(msg), Provider: providerName})
			return
		case "event":
		default:
			continue
		}

		decoded, err := extractEventBytes(msg.Payload)
		if err != nil {
			send(ctx, ch, gateway.StreamChunk{
				Err:      gateway.WrapErr(gateway.KindUnavailable, providerName, err),
				Provider: providerName,
			})
			return
		}

		for _, chunk := range fam.decodeEvent(decoded) {
			if !send(ctx, ch, chunk) {
				return
			}
			if chunk.Terminal() {
				return
			}
		}
	}
}

func send(ctx context.Context, ch chan<- gateway.StreamChunk, chunk gateway.StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// exceptionError converts an exception frame into a classified error. The
// exception type name follows the same mapping as HTTP error responses.
func exceptionError(msg eventstream.Message) error {
	errType := headerValue(msg.Headers, ":exception-type")
	if len(errType) > 64 {
		errType = errType[:64]
	}
	payload := msg.Payload
	if len(payload) > 512 {
		payload = payload[:512]
	}

	kind := kindForErrorType(errType)
	if kind == "" {
		kind = gateway.KindUnavailable
	}
	return gateway.E(kind, providerName, fmt.Sprintf("%s: %s", errType, payload))
}

// headerValue extracts a string header value from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// extractEventBytes extracts and base64-decodes the "bytes" field from an
// event frame payload.
func extractEventBytes(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, fmt.Errorf("missing bytes field in payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return decoded, nil
}
