package api

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a canonical message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the content part union.
type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Message is the format-neutral representation of one conversation turn:
// a role plus ordered content parts. Both wire schemas translate to and
// from this shape.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one content element of a message. Exactly one of the payload
// fields corresponding to Type is set.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolUse is a model-issued request to invoke a tool.
type ToolUse struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult carries the caller-produced output for a prior tool invocation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolUsePart builds a tool invocation part.
func ToolUsePart(id, name string, args map[string]any) Part {
	return Part{Type: PartToolUse, ToolUse: &ToolUse{ID: id, Name: name, Args: args}}
}

// ToolResultPart builds a tool result part.
func ToolResultPart(toolUseID, name, content string) Part {
	return Part{Type: PartToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, Name: name, Content: content}}
}

// Tool is a caller-supplied tool declaration. InputSchema is a JSON Schema
// object; the tool hardener tightens it before the declaration goes upstream.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage reports token consumption for one completed request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamEventType discriminates the streaming event union.
type StreamEventType string

const (
	// EventTextDelta carries an incremental chunk of assistant text.
	EventTextDelta StreamEventType = "text_delta"
	// EventToolCallDelta carries an incremental chunk of a tool call.
	// The first delta for a call carries the resolved ToolCall.
	EventToolCallDelta StreamEventType = "tool_call_delta"
	// EventStreamEnd signals graceful completion; Usage may be attached.
	EventStreamEnd StreamEventType = "stream_end"
	// EventError signals a pipeline error; Err is set.
	EventError StreamEventType = "error"
)

// StreamEvent is one element of the event sequence a proxied call yields.
// Events are produced in strict upstream arrival order and consumed exactly
// once by the caller.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	ToolCall *ToolUse        `json:"tool_call,omitempty"`
	Usage    *Usage          `json:"usage,omitempty"`
	Err      error           `json:"-"`
}

// MarshalJSON includes the error message for error events so the event can
// be forwarded over SSE without losing the cause.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	type alias StreamEvent
	out := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(e)}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// ValidateMessages checks structural invariants of a canonical message list
// before translation: known roles, non-nil parts, and tool parts carrying
// their payloads.
func ValidateMessages(messages []Message) error {
	for i, m := range messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return NewValidationError(fmt.Sprintf("message %d: unknown role %q", i, m.Role))
		}
		for j, p := range m.Parts {
			switch p.Type {
			case PartText:
			case PartToolUse:
				if p.ToolUse == nil || p.ToolUse.Name == "" {
					return NewValidationError(fmt.Sprintf("message %d part %d: tool_use part missing payload", i, j))
				}
			case PartToolResult:
				if p.ToolResult == nil {
					return NewValidationError(fmt.Sprintf("message %d part %d: tool_result part missing payload", i, j))
				}
			default:
				return NewValidationError(fmt.Sprintf("message %d part %d: unknown part type %q", i, j, p.Type))
			}
		}
	}
	return nil
}
