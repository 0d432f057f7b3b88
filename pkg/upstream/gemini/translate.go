package gemini

import (
	"encoding/json"

	"github.com/pfeil-dev/pfeil/pkg/api"
)

// Role mapping between the canonical and upstream formats. The upstream
// calls the assistant "model" and has no system role in the message list;
// system text travels in the SystemInstruction envelope instead.
const (
	roleUser  = "user"
	roleModel = "model"
)

// ToUpstream converts a canonical message list to upstream contents.
// System messages are skipped (see NewSystemInstruction); unknown part
// shapes serialize to a best-effort text part instead of failing the
// request over one exotic block.
func ToUpstream(messages []api.Message) []Content {
	var contents []Content
	for _, m := range messages {
		if m.Role == api.RoleSystem {
			continue
		}
		role := roleUser
		if m.Role == api.RoleAssistant {
			role = roleModel
		}
		c := Content{Role: role}
		for _, p := range m.Parts {
			c.Parts = append(c.Parts, toUpstreamPart(p))
		}
		contents = append(contents, c)
	}
	return contents
}

func toUpstreamPart(p api.Part) ContentPart {
	switch p.Type {
	case api.PartText:
		return ContentPart{Text: p.Text}
	case api.PartToolUse:
		if p.ToolUse != nil {
			return ContentPart{FunctionCall: &FunctionCall{Name: p.ToolUse.Name, Args: p.ToolUse.Args}}
		}
	case api.PartToolResult:
		if p.ToolResult != nil {
			return ContentPart{FunctionResponse: &FunctionResponse{
				Name:     p.ToolResult.Name,
				Response: map[string]any{"content": p.ToolResult.Content, "is_error": p.ToolResult.IsError},
			}}
		}
	}
	// Best-effort text fallback for unknown or payload-less parts.
	raw, err := json.Marshal(p)
	if err != nil {
		return ContentPart{Text: ""}
	}
	return ContentPart{Text: string(raw)}
}

// FromUpstream converts upstream contents back to canonical messages,
// reversing the three part mappings.
func FromUpstream(contents []Content) []api.Message {
	var messages []api.Message
	for _, c := range contents {
		role := api.RoleUser
		if c.Role == roleModel {
			role = api.RoleAssistant
		}
		m := api.Message{Role: role}
		for _, p := range c.Parts {
			m.Parts = append(m.Parts, fromUpstreamPart(p))
		}
		messages = append(messages, m)
	}
	return messages
}

func fromUpstreamPart(p ContentPart) api.Part {
	switch {
	case p.FunctionCall != nil:
		return api.ToolUsePart(api.NewToolUseID(), p.FunctionCall.Name, p.FunctionCall.Args)
	case p.FunctionResponse != nil:
		content, _ := p.FunctionResponse.Response["content"].(string)
		isError, _ := p.FunctionResponse.Response["is_error"].(bool)
		part := api.ToolResultPart("", p.FunctionResponse.Name, content)
		part.ToolResult.IsError = isError
		return part
	default:
		return api.TextPart(p.Text)
	}
}

// TextOf collapses a content consisting of a single text part to a bare
// string, the ergonomic shape most callers want for plain replies.
func TextOf(c Content) (string, bool) {
	if len(c.Parts) == 1 && c.Parts[0].FunctionCall == nil && c.Parts[0].FunctionResponse == nil {
		return c.Parts[0].Text, true
	}
	return "", false
}

// NewSystemInstruction wraps system prompt text as a single-part
// system-instruction structure. Returns nil for empty text.
func NewSystemInstruction(text string) *SystemInstruction {
	if text == "" {
		return nil
	}
	return &SystemInstruction{Parts: []ContentPart{{Text: text}}}
}

// SystemTextOf concatenates the text of all system messages in order,
// separated by blank lines. The context injector's prepended session
// summary lands here like any other system message.
func SystemTextOf(messages []api.Message) string {
	var out string
	for _, m := range messages {
		if m.Role != api.RoleSystem {
			continue
		}
		for _, p := range m.Parts {
			if p.Type != api.PartText || p.Text == "" {
				continue
			}
			if out != "" {
				out += "\n\n"
			}
			out += p.Text
		}
	}
	return out
}
