package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/storybrush/storybrush/internal/fsutil"
	"github.com/storybrush/storybrush/internal/llm"
)

// DefaultStyleBootstrapCount is how many images are generated without a
// style guide before one is synthesized.
const DefaultStyleBootstrapCount = 3

// StyleGuide is the persisted visual style derived from the bootstrap
// images and applied to every later image prompt.
type StyleGuide struct {
	Style     string    `json:"style"`
	Palette   string    `json:"palette,omitempty"`
	Medium    string    `json:"medium,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoadStyleGuide reads a persisted guide. Returns (nil, nil) when absent.
func LoadStyleGuide(path string) (*StyleGuide, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read style guide: %w", err)
	}
	var g StyleGuide
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("style guide is corrupt: %w", err)
	}
	return &g, nil
}

// Save persists the guide atomically.
func (g *StyleGuide) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal style guide: %w", err)
	}
	if err := fsutil.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist style guide: %w", err)
	}
	return nil
}

// synthesizeStyleGuide sends the bootstrap images to a vision-capable model
// and parses the structured style description out of the answer.
func synthesizeStyleGuide(ctx context.Context, client llm.Client, model string, images [][]byte) (*StyleGuide, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no bootstrap images to synthesize a style guide from")
	}

	res, err := client.Chat(ctx, &llm.ChatRequest{
		Model: model,
		Messages: []llm.Message{{
			Role:    "user",
			Content: styleGuidePrompt,
			Images:  images,
		}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("style synthesis call failed: %w", err)
	}

	raw := res.ParsedJSON
	if raw == nil {
		raw = json.RawMessage(stripCodeFence(res.Content))
	}
	var g StyleGuide
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("style synthesis returned malformed JSON: %w", err)
	}
	if g.Style == "" {
		return nil, fmt.Errorf("style synthesis returned an empty style")
	}
	g.CreatedAt = time.Now().UTC()
	return &g, nil
}
