package llm

import "time"

// EndpointConfig describes a chat endpoint independent of provider shape.
type EndpointConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64 // default DefaultChatRPS
}

// NewClientFor returns a chat client for the endpoint. A native Gemini base
// URL routes through the translation layer; everything else is assumed to be
// OpenAI-compatible. Callers never branch on the result.
func NewClientFor(cfg EndpointConfig) Client {
	if IsGeminiBaseURL(cfg.BaseURL) {
		return NewGeminiClient(GeminiConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			DefaultModel:      cfg.Model,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	}
	return NewOpenAICompatClient(OpenAICompatConfig{
		APIKey:            cfg.APIKey,
		BaseURL:           cfg.BaseURL,
		DefaultModel:      cfg.Model,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
}
