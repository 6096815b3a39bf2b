package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scripted Client for tests. Responses are returned in
// order; when the script runs out the last entry repeats. Errors can be
// interleaved by setting Err on a step.
type MockClient struct {
	mu    sync.Mutex
	steps []MockStep
	calls []*ChatRequest
	next  int
}

// MockStep is one scripted response.
type MockStep struct {
	Content string
	Err     error
	Tokens  int
}

// NewMockClient creates a mock with the given script.
func NewMockClient(steps ...MockStep) *MockClient {
	return &MockClient{steps: steps}
}

func (m *MockClient) Name() string { return "mock" }

// Chat returns the next scripted response and records the request.
func (m *MockClient) Chat(_ context.Context, req *ChatRequest) (*ChatResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if len(m.steps) == 0 {
		return nil, fmt.Errorf("mock client has no scripted responses")
	}
	step := m.steps[m.next]
	if m.next < len(m.steps)-1 {
		m.next++
	}

	if step.Err != nil {
		return nil, step.Err
	}
	tokens := step.Tokens
	if tokens == 0 {
		tokens = 100
	}
	return &ChatResult{
		Content:          step.Content,
		PromptTokens:     tokens / 2,
		CompletionTokens: tokens - tokens/2,
		TotalTokens:      tokens,
		Provider:         "mock",
		ModelUsed:        "mock-model",
	}, nil
}

// Calls returns the recorded requests.
func (m *MockClient) Calls() []*ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ChatRequest(nil), m.calls...)
}

// CallCount returns how many Chat calls were made.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MockImageClient is a scripted ImageClient for tests.
type MockImageClient struct {
	mu      sync.Mutex
	data    []byte
	errs    []error
	prompts []string
}

// NewMockImageClient returns a mock that yields data for every call, after
// first consuming errs in order.
func NewMockImageClient(data []byte, errs ...error) *MockImageClient {
	return &MockImageClient{data: data, errs: errs}
}

func (m *MockImageClient) Name() string { return "mock-images" }

// Generate returns the scripted bytes, or the next scripted error.
func (m *MockImageClient) Generate(_ context.Context, req *ImageRequest) (*ImageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = append(m.prompts, req.Prompt)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return &ImageResult{Data: m.data, Provider: "mock-images", ModelUsed: "mock-image-model"}, nil
}

// Prompts returns the prompts seen so far.
func (m *MockImageClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

var (
	_ Client      = (*MockClient)(nil)
	_ ImageClient = (*MockImageClient)(nil)
)
