package gemini

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pfeil-dev/pfeil/pkg/api"
	"github.com/pfeil-dev/pfeil/pkg/debug"
)

// doneSentinel is the literal payload signalling graceful end-of-stream.
const doneSentinel = "[DONE]"

// ParseLine maps one raw SSE line to at most one normalized stream event.
// It is the line parser injected into the resilient stream consumer.
//
// Lines that do not match the "data: <payload>" shape, and payloads that
// fail to parse as JSON, are silently skipped (ok=false); one bad line
// never aborts the stream. The [DONE] sentinel maps to EventStreamEnd.
func ParseLine(line string) (api.StreamEvent, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "data:") {
		return api.StreamEvent{}, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return api.StreamEvent{}, false
	}
	if payload == doneSentinel {
		return api.StreamEvent{Type: api.EventStreamEnd}, true
	}

	var chunk GenerateChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		slog.Warn("gemini: skipping malformed stream payload",
			"error", err.Error(),
			"data", debug.Truncate(payload, 200),
		)
		return api.StreamEvent{}, false
	}
	return translateChunk(&chunk)
}

// translateChunk maps one parsed payload to exactly one normalized event:
// a text delta, a tool call delta, an error, a stream end, or none when the
// payload carries no representable delta.
func translateChunk(chunk *GenerateChunk) (api.StreamEvent, bool) {
	if chunk.Error != nil {
		return api.StreamEvent{
			Type: api.EventError,
			Err:  fmt.Errorf("upstream error %d: %s", chunk.Error.Code, chunk.Error.Message),
		}, true
	}

	// Reduced relay shape: bare top-level text.
	if chunk.Text != "" && len(chunk.Candidates) == 0 {
		return api.StreamEvent{Type: api.EventTextDelta, Delta: chunk.Text}, true
	}

	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p.FunctionCall != nil {
					args, _ := json.Marshal(p.FunctionCall.Args)
					return api.StreamEvent{
						Type:  api.EventToolCallDelta,
						Delta: string(args),
						ToolCall: &api.ToolUse{
							ID:   api.NewToolUseID(),
							Name: p.FunctionCall.Name,
							Args: p.FunctionCall.Args,
						},
					}, true
				}
				if p.Text != "" {
					return api.StreamEvent{Type: api.EventTextDelta, Delta: p.Text}, true
				}
			}
		}
		if cand.FinishReason != "" {
			return api.StreamEvent{Type: api.EventStreamEnd, Usage: usageOf(chunk)}, true
		}
	}

	// Usage-only final chunk.
	if chunk.UsageMetadata != nil {
		return api.StreamEvent{Type: api.EventStreamEnd, Usage: usageOf(chunk)}, true
	}

	return api.StreamEvent{}, false
}

func usageOf(chunk *GenerateChunk) *api.Usage {
	if chunk.UsageMetadata == nil {
		return nil
	}
	return &api.Usage{
		InputTokens:  chunk.UsageMetadata.PromptTokenCount,
		OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
		TotalTokens:  chunk.UsageMetadata.TotalTokenCount,
	}
}
