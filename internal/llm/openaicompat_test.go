package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAICompat_Chat(t *testing.T) {
	var gotReq oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth header = %q", auth)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotReq)

		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model-001",
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "hello back"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14},
		})
	}))
	defer srv.Close()

	c := NewOpenAICompatClient(OpenAICompatConfig{APIKey: "test-key", BaseURL: srv.URL, DefaultModel: "test-model"})
	res, err := c.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if gotReq.Model != "test-model" {
		t.Errorf("request model = %q, want default applied", gotReq.Model)
	}
	if res.Content != "hello back" {
		t.Errorf("content = %q", res.Content)
	}
	if res.TotalTokens != 14 {
		t.Errorf("total tokens = %d", res.TotalTokens)
	}
	if res.ModelUsed != "test-model-001" {
		t.Errorf("model used = %q", res.ModelUsed)
	}
}

func TestOpenAICompat_429BecomesRateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := NewOpenAICompatClient(OpenAICompatConfig{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter.Seconds() != 30 {
		t.Errorf("RetryAfter = %v, want 30s", rl.RetryAfter)
	}
	if c.limiter.Status().Last429.IsZero() {
		t.Error("429 not recorded on the limiter")
	}
}

func TestOpenAICompat_4xxIsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	c := NewOpenAICompatClient(OpenAICompatConfig{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 400 {
		t.Fatalf("err = %v, want HTTPError 400", err)
	}
	if IsRetryable(err) {
		t.Error("400 must not be retryable")
	}
}

func TestNewClientFor_RoutesGemini(t *testing.T) {
	c := NewClientFor(EndpointConfig{BaseURL: "https://generativelanguage.googleapis.com/v1beta"})
	if c.Name() != GeminiName {
		t.Errorf("client = %q, want gemini", c.Name())
	}
	c = NewClientFor(EndpointConfig{BaseURL: "http://localhost:11434/v1"})
	if c.Name() != OpenAICompatibleName {
		t.Errorf("client = %q, want openai-compatible", c.Name())
	}
}

func TestValidateJSON(t *testing.T) {
	schema, err := CompileSchema("scenes.json", []byte(`{
		"type": "object",
		"required": ["scenes"],
		"properties": {"scenes": {"type": "array"}}
	}`))
	if err != nil {
		t.Fatalf("CompileSchema failed: %v", err)
	}

	if err := ValidateJSON(schema, []byte(`{"scenes":[]}`)); err != nil {
		t.Errorf("valid doc rejected: %v", err)
	}
	if err := ValidateJSON(schema, []byte(`{"nope":true}`)); err == nil {
		t.Error("missing required key accepted")
	}
	if err := ValidateJSON(schema, []byte(`{garbage`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}
