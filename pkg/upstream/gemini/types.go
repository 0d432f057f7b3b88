package gemini

// Wire types for the Google-style generative API. Field names follow the
// upstream JSON exactly; the gateway never exposes these types to callers.

// Content is one conversation turn in upstream format.
type Content struct {
	Role  string        `json:"role,omitempty"`
	Parts []ContentPart `json:"parts"`
}

// ContentPart is one element of a Content. Exactly one field is set.
type ContentPart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// FunctionCall is an upstream-issued tool invocation.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse returns a tool result to the upstream model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// SystemInstruction wraps the system prompt, independent of the message list.
type SystemInstruction struct {
	Parts []ContentPart `json:"parts"`
}

// FunctionDeclaration declares one callable tool to the upstream model.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolBlock groups function declarations in the request envelope.
type ToolBlock struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// GenerationConfig holds sampling and length settings.
type GenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

// GenerateRequest is the streamGenerateContent request envelope.
type GenerateRequest struct {
	Contents          []Content          `json:"contents"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
	Tools             []ToolBlock        `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig  `json:"generationConfig,omitempty"`
}

// GenerateChunk is one SSE payload of a streaming response.
type GenerateChunk struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	Error         *ChunkError    `json:"error,omitempty"`

	// Text is a reduced shape some relays emit: a bare text delta at the
	// top level instead of a candidate envelope.
	Text string `json:"text,omitempty"`
}

// Candidate is one generation alternative inside a chunk.
type Candidate struct {
	Content      *Content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

// UsageMetadata reports token consumption, usually on the final chunk.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ChunkError is an in-band upstream error payload.
type ChunkError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}
