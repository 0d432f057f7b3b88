package http

import (
	"encoding/json"
	"fmt"

	"github.com/pfeil-dev/pfeil/pkg/api"
	"github.com/pfeil-dev/pfeil/pkg/gateway"
)

// Inbound wire types. The gateway speaks an Anthropic-style Messages API
// to callers; these types cover the subset the pipeline supports.

// messagesRequest is the POST /v1/messages request envelope.
type messagesRequest struct {
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens"`
	System      string      `json:"system,omitempty"`
	Messages    []inMessage `json:"messages"`
	Tools       []inTool    `json:"tools,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
}

// inMessage is one inbound conversation turn. Content is either a bare
// string or an array of content blocks; both shapes are accepted.
type inMessage struct {
	Role    string        `json:"role"`
	Content blockListText `json:"content"`
}

// blockListText normalizes the two content shapes into a block list.
type blockListText []contentBlock

func (b *blockListText) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*b = blockListText{{Type: "text", Text: text}}
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}
	*b = blockListText(blocks)
	return nil
}

// contentBlock is one element of a block-list content value.
type contentBlock struct {
	Type string `json:"type"`

	// type=text
	Text string `json:"text,omitempty"`

	// type=tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// type=tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// inTool is one inbound tool declaration.
type inTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Outbound wire types.

// outBlock is one content block of a completed message.
type outBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// outUsage mirrors the caller-facing usage shape.
type outUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// messagesResponse is the non-streaming POST /v1/messages response.
type messagesResponse struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Role       string     `json:"role"`
	Model      string     `json:"model"`
	Content    []outBlock `json:"content"`
	StopReason string     `json:"stop_reason"`
	Usage      outUsage   `json:"usage"`
}

// errorBody is the caller-facing error envelope.
type errorBody struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// toGatewayRequest converts the inbound envelope to the canonical pipeline
// request. A system field becomes a leading system message.
func (req *messagesRequest) toGatewayRequest() (*gateway.Request, error) {
	var messages []api.Message
	if req.System != "" {
		messages = append(messages, api.Message{
			Role:  api.RoleSystem,
			Parts: []api.Part{api.TextPart(req.System)},
		})
	}

	for i, m := range req.Messages {
		var role api.Role
		switch m.Role {
		case "user":
			role = api.RoleUser
		case "assistant":
			role = api.RoleAssistant
		default:
			return nil, api.NewValidationError(fmt.Sprintf("messages[%d].role must be \"user\" or \"assistant\", got %q", i, m.Role))
		}

		msg := api.Message{Role: role}
		for j, block := range m.Content {
			part, err := toPart(block)
			if err != nil {
				return nil, api.NewValidationError(fmt.Sprintf("messages[%d].content[%d]: %v", i, j, err))
			}
			msg.Parts = append(msg.Parts, part)
		}
		messages = append(messages, msg)
	}

	tools := make([]api.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, api.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return &gateway.Request{
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}, nil
}

// toPart maps one inbound content block to a canonical part.
func toPart(block contentBlock) (api.Part, error) {
	switch block.Type {
	case "text":
		return api.TextPart(block.Text), nil
	case "tool_use":
		if block.Name == "" {
			return api.Part{}, fmt.Errorf("tool_use block requires a name")
		}
		return api.ToolUsePart(block.ID, block.Name, block.Input), nil
	case "tool_result":
		if block.ToolUseID == "" {
			return api.Part{}, fmt.Errorf("tool_result block requires tool_use_id")
		}
		part := api.ToolResultPart(block.ToolUseID, block.Name, flattenContent(block.Content))
		part.ToolResult.IsError = block.IsError
		return part, nil
	default:
		return api.Part{}, fmt.Errorf("unsupported block type %q", block.Type)
	}
}

// flattenContent reduces a tool_result content value (bare string or nested
// text blocks) to plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}
