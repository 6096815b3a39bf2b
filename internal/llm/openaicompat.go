package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const OpenAICompatibleName = "openai-compatible"

// OpenAICompatConfig configures a client for any OpenAI-shaped endpoint
// (OpenAI, OpenRouter, localhost proxies).
type OpenAICompatConfig struct {
	APIKey            string
	BaseURL           string // e.g. "https://api.openai.com/v1"
	DefaultModel      string
	Timeout           time.Duration
	RequestsPerSecond float64      // default DefaultChatRPS
	HTTPClient        *http.Client // optional (tests)
}

// OpenAICompatClient implements Client against the /chat/completions shape.
// Retries are the retry executor's job; each call here is a single attempt.
type OpenAICompatClient struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	limiter      *RateLimiter
}

// NewOpenAICompatClient creates a new client.
func NewOpenAICompatClient(cfg OpenAICompatConfig) *OpenAICompatClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultChatRPS
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAICompatClient{
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		client:       httpClient,
		limiter:      NewRateLimiter(cfg.RequestsPerSecond),
	}
}

func (c *OpenAICompatClient) Name() string { return OpenAICompatibleName }

// Chat sends one chat completion request.
func (c *OpenAICompatClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	wire := oaiRequest{
		Model:       model,
		Messages:    make([]oaiMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		msg := oaiMessage{Role: m.Role}
		if len(m.Images) > 0 {
			parts := []oaiContentPart{{Type: "text", Text: m.Content}}
			for _, img := range m.Images {
				parts = append(parts, oaiContentPart{
					Type: "image_url",
					ImageURL: &oaiImageURL{
						URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
					},
				})
			}
			msg.Content = parts
		} else {
			msg.Content = m.Content
		}
		wire.Messages = append(wire.Messages, msg)
	}
	if req.ResponseFormat != nil {
		wire.ResponseFormat = &oaiResponseFormat{
			Type:       req.ResponseFormat.Type,
			JSONSchema: req.ResponseFormat.JSONSchema,
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.Record429()
		return nil, &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    string(respBody),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var wireResp oaiResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat response: %w", err)
	}
	if len(wireResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in chat response")
	}

	result := &ChatResult{
		Content:          wireResp.Choices[0].Message.Content,
		PromptTokens:     wireResp.Usage.PromptTokens,
		CompletionTokens: wireResp.Usage.CompletionTokens,
		TotalTokens:      wireResp.Usage.TotalTokens,
		Provider:         OpenAICompatibleName,
		ModelUsed:        wireResp.Model,
		RequestID:        requestID,
		ExecutionTime:    time.Since(start),
	}
	if result.TotalTokens == 0 {
		result.TotalTokens = result.PromptTokens + result.CompletionTokens
	}

	if req.ResponseFormat != nil && result.Content != "" {
		var parsed json.RawMessage
		if err := json.Unmarshal([]byte(result.Content), &parsed); err == nil {
			result.ParsedJSON = parsed
		}
	}
	return result, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Wire types for the OpenAI-compatible shape.

type oaiRequest struct {
	Model          string             `json:"model"`
	Messages       []oaiMessage       `json:"messages"`
	Temperature    float64            `json:"temperature,omitempty"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []oaiContentPart
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type oaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

var _ Client = (*OpenAICompatClient)(nil)
