package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const GeminiName = "gemini"

// IsGeminiBaseURL reports whether a base URL points at the native Gemini API.
// The orchestrator uses this to route through the translation layer instead
// of the OpenAI-compatible client.
func IsGeminiBaseURL(baseURL string) bool {
	return strings.Contains(baseURL, "generativelanguage")
}

// GeminiConfig configures the native Gemini client.
type GeminiConfig struct {
	APIKey            string
	BaseURL           string // default "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel      string // default "gemini-2.0-flash"
	Timeout           time.Duration
	RequestsPerSecond float64 // default DefaultChatRPS
	HTTPClient        *http.Client
}

// GeminiClient is a pure translation layer: it maps the generic ChatRequest
// onto Gemini's generateContent shape and maps the response back. Callers
// never branch on the provider.
//
// Mapping: role assistant<->model; system messages are concatenated into the
// first user turn; JSON response mode becomes a responseMimeType hint;
// usageMetadata maps back into the common token fields.
type GeminiClient struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	limiter      *RateLimiter
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
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
	return &GeminiClient{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		client:       httpClient,
		limiter:      NewRateLimiter(cfg.RequestsPerSecond),
	}
}

func (c *GeminiClient) Name() string { return GeminiName }

// Chat translates the request, calls generateContent, and translates back.
func (c *GeminiClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
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

	wire := translateToGemini(req)

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gemini response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.Record429()
		return nil, &RateLimitError{Message: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var gResp geminiResponse
	if err := json.Unmarshal(respBody, &gResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gemini response: %w", err)
	}
	if len(gResp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in gemini response")
	}

	var content strings.Builder
	for _, part := range gResp.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	result := &ChatResult{
		Content:          content.String(),
		PromptTokens:     gResp.UsageMetadata.PromptTokenCount,
		CompletionTokens: gResp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      gResp.UsageMetadata.TotalTokenCount,
		Provider:         GeminiName,
		ModelUsed:        model,
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

// translateToGemini maps the generic chat request to the Gemini wire shape.
func translateToGemini(req *ChatRequest) *geminiRequest {
	wire := &geminiRequest{}

	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
		}
	}

	systemPrefix := strings.Join(systemParts, "\n\n")
	prefixApplied := false

	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}

		text := m.Content
		if role == "user" && !prefixApplied && systemPrefix != "" {
			text = systemPrefix + "\n\n" + text
			prefixApplied = true
		}

		parts := []geminiPart{{Text: text}}
		for _, img := range m.Images {
			parts = append(parts, geminiPart{
				InlineData: &geminiInlineData{
					MimeType: "image/png",
					Data:     base64.StdEncoding.EncodeToString(img),
				},
			})
		}
		wire.Contents = append(wire.Contents, geminiContent{Role: role, Parts: parts})
	}

	// A system-only conversation still needs one user turn.
	if len(wire.Contents) == 0 && systemPrefix != "" {
		wire.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: systemPrefix}}}}
	}

	if req.Temperature != 0 || req.MaxTokens != 0 || req.ResponseFormat != nil {
		wire.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
		if req.ResponseFormat != nil {
			wire.GenerationConfig.ResponseMimeType = "application/json"
		}
	}
	return wire
}

// Gemini wire types.

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

var _ Client = (*GeminiClient)(nil)
