// Package llm provides the AI endpoint clients the pipeline calls: an
// OpenAI-compatible chat client, a native Gemini translation layer, and an
// image generation client, plus the retry executor that wraps every call.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Client is the chat-completion capability. Implementations must be safe for
// concurrent use up to the pipeline's worker width.
type Client interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g. "openai-compatible", "gemini").
	Name() string
}

// ImageClient is the image-generation capability.
type ImageClient interface {
	// Generate renders an image for the prompt and returns the raw bytes.
	Generate(ctx context.Context, req *ImageRequest) (*ImageResult, error)

	Name() string
}

// Message is one chat message. Images are attached for vision calls.
type Message struct {
	Role    string   `json:"role"` // "system", "user", "assistant"
	Content string   `json:"content"`
	Images  [][]byte `json:"-"`
}

// ResponseFormat requests structured output from the model.
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_object" or "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a request to a chat model.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	RequestID string `json:"-"`
}

// ChatResult is the response from a chat call, including usage accounting.
type ChatResult struct {
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"-"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
	RequestID string `json:"request_id"`
}

// ImageRequest is a request to an image model.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"` // e.g. "1024x1024"

	RequestID string `json:"-"`
}

// ImageResult carries the rendered image bytes.
type ImageResult struct {
	Data      []byte `json:"-"`
	ModelUsed string `json:"model_used"`
	Provider  string `json:"provider"`
	RequestID string `json:"request_id"`
}
