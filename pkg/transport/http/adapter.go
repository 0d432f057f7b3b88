package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pfeil-dev/pfeil/pkg/api"
	"github.com/pfeil-dev/pfeil/pkg/debug"
	"github.com/pfeil-dev/pfeil/pkg/gateway"
)

// Config holds the HTTP adapter settings.
type Config struct {
	// Model is the name reported back to callers in message envelopes.
	Model string
	// MaxBodySize caps the request body in bytes.
	MaxBodySize int64
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		Model:       "pfeil",
		MaxBodySize: 10 << 20,
	}
}

// Adapter exposes the gateway pipeline as an Anthropic-style Messages API.
// It decodes inbound envelopes, runs them through the gateway, and renders
// the event stream either as SSE or as one aggregated message.
type Adapter struct {
	gw     *gateway.Gateway
	cfg    Config
	logger *slog.Logger
}

// NewAdapter builds an adapter around a gateway.
func NewAdapter(gw *gateway.Gateway, cfg Config) *Adapter {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	return &Adapter{gw: gw, cfg: cfg, logger: slog.Default()}
}

// Register attaches the adapter's routes to mux.
func (a *Adapter) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", a.handleMessages)
}

func (a *Adapter) handleMessages(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeError(w, api.NewValidationError(fmt.Sprintf("unsupported content type %q", ct)))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxBodySize)
	var req messagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, api.NewValidationError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		writeError(w, api.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, api.NewValidationError("messages must not be empty"))
		return
	}

	gwReq, err := req.toGatewayRequest()
	if err != nil {
		writeError(w, err)
		return
	}

	debug.Log("transport", "inbound message request",
		"messages", len(gwReq.Messages),
		"tools", len(gwReq.Tools),
		"stream", req.Stream,
	)

	events, err := a.gw.Execute(r.Context(), gwReq)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		a.streamResponse(w, events)
		return
	}
	a.aggregateResponse(w, events)
}

// streamResponse renders the event channel as Anthropic-framed SSE:
// message_start, then content_block_start/delta/stop per block, then
// message_delta and message_stop.
func (a *Adapter) streamResponse(w http.ResponseWriter, events <-chan api.StreamEvent) {
	sse := newSSEWriter(w)
	id := api.NewMessageID()

	start := map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      id,
			"type":    "message",
			"role":    "assistant",
			"model":   a.cfg.Model,
			"content": []any{},
			"usage":   outUsage{},
		},
	}
	if err := sse.writeEvent("message_start", start); err != nil {
		a.logger.Warn("sse write failed", "error", err.Error())
		return
	}

	// Text deltas share one open block until a tool call interrupts; each
	// tool call occupies a block of its own. nextIndex numbers blocks in
	// emission order.
	nextIndex := 0
	textIndex := -1
	stopReason := "end_turn"
	var usage *api.Usage

	closeText := func() error {
		if textIndex < 0 {
			return nil
		}
		err := sse.writeEvent("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": textIndex,
		})
		textIndex = -1
		return err
	}

	emit := func(ev api.StreamEvent) error {
		switch ev.Type {
		case api.EventTextDelta:
			if textIndex < 0 {
				textIndex = nextIndex
				nextIndex++
				if err := sse.writeEvent("content_block_start", map[string]any{
					"type":          "content_block_start",
					"index":         textIndex,
					"content_block": map[string]any{"type": "text", "text": ""},
				}); err != nil {
					return err
				}
			}
			return sse.writeEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": textIndex,
				"delta": map[string]any{"type": "text_delta", "text": ev.Delta},
			})

		case api.EventToolCallDelta:
			if ev.ToolCall == nil {
				return nil
			}
			if err := closeText(); err != nil {
				return err
			}
			index := nextIndex
			nextIndex++
			stopReason = "tool_use"
			if err := sse.writeEvent("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": index,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    ev.ToolCall.ID,
					"name":  ev.ToolCall.Name,
					"input": map[string]any{},
				},
			}); err != nil {
				return err
			}
			if err := sse.writeEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": index,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.Delta},
			}); err != nil {
				return err
			}
			return sse.writeEvent("content_block_stop", map[string]any{
				"type":  "content_block_stop",
				"index": index,
			})

		case api.EventStreamEnd:
			usage = ev.Usage
			return nil

		case api.EventError:
			return ev.Err
		}
		return nil
	}

	for ev := range events {
		if err := emit(ev); err != nil {
			a.logger.Warn("stream aborted", "error", err.Error())
			body := errorBody{Type: "error", Error: errorDetail{
				Type:    errorTypeOf(err),
				Message: err.Error(),
			}}
			if werr := sse.writeEvent("error", body); werr != nil {
				a.logger.Warn("sse error write failed", "error", werr.Error())
			}
			sse.complete()
			return
		}
	}

	if err := closeText(); err != nil {
		a.logger.Warn("sse write failed", "error", err.Error())
		return
	}

	delta := map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason},
	}
	if usage != nil {
		delta["usage"] = map[string]any{"output_tokens": usage.OutputTokens}
	}
	if err := sse.writeEvent("message_delta", delta); err != nil {
		a.logger.Warn("sse write failed", "error", err.Error())
		return
	}
	if err := sse.writeEvent("message_stop", map[string]any{"type": "message_stop"}); err != nil {
		a.logger.Warn("sse write failed", "error", err.Error())
		return
	}
	sse.complete()
}

// aggregateResponse drains the event channel and renders one complete
// message: consecutive text deltas merge into one text block, each tool
// call becomes a tool_use block.
func (a *Adapter) aggregateResponse(w http.ResponseWriter, events <-chan api.StreamEvent) {
	var (
		blocks     []outBlock
		text       strings.Builder
		stopReason = "end_turn"
		usage      outUsage
	)

	flushText := func() {
		if text.Len() == 0 {
			return
		}
		blocks = append(blocks, outBlock{Type: "text", Text: text.String()})
		text.Reset()
	}

	for ev := range events {
		switch ev.Type {
		case api.EventTextDelta:
			text.WriteString(ev.Delta)
		case api.EventToolCallDelta:
			if ev.ToolCall == nil {
				continue
			}
			flushText()
			stopReason = "tool_use"
			input := ev.ToolCall.Args
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, outBlock{
				Type:  "tool_use",
				ID:    ev.ToolCall.ID,
				Name:  ev.ToolCall.Name,
				Input: input,
			})
		case api.EventStreamEnd:
			if ev.Usage != nil {
				usage.InputTokens = ev.Usage.InputTokens
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case api.EventError:
			writeError(w, ev.Err)
			return
		}
	}
	flushText()
	if blocks == nil {
		blocks = []outBlock{}
	}

	resp := messagesResponse{
		ID:         api.NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      a.cfg.Model,
		Content:    blocks,
		StopReason: stopReason,
		Usage:      usage,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("response encode failed", "error", err.Error())
	}
}

// writeError renders a gateway error as the caller-facing error envelope
// with the matching HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status, errType := statusOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := errorBody{Type: "error", Error: errorDetail{Type: errType, Message: err.Error()}}
	_ = json.NewEncoder(w).Encode(body)
}

// statusOf maps the gateway error taxonomy to an HTTP status and a
// caller-facing error type.
func statusOf(err error) (int, string) {
	switch api.KindOf(err) {
	case api.ErrKindValidation:
		return http.StatusBadRequest, "invalid_request_error"
	case api.ErrKindExhausted:
		return http.StatusTooManyRequests, "rate_limit_error"
	case api.ErrKindAuth:
		return http.StatusBadGateway, "api_error"
	case api.ErrKindStream:
		return http.StatusBadGateway, "api_error"
	case api.ErrKindStorage:
		return http.StatusInternalServerError, "api_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func errorTypeOf(err error) string {
	_, t := statusOf(err)
	return t
}
