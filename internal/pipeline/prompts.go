package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/registry"
)

// analysisSchema validates the unified analyze response: a scenes list plus
// an elements list in one call.
const analysisSchema = `{
  "type": "object",
  "required": ["scenes"],
  "properties": {
    "scenes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "quote": {"type": "string"},
          "description": {"type": "string"},
          "reasoning": {"type": "string"}
        }
      }
    },
    "elements": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "type": {"type": "string"},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "quotes": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// rawScene is the model's scene shape before chapter metadata is attached.
type rawScene struct {
	Quote       string `json:"quote"`
	Description string `json:"description"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// rawElement is the model's entity shape.
type rawElement struct {
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Quotes      []string `json:"quotes,omitempty"`
}

type analysisResponse struct {
	Scenes   []rawScene   `json:"scenes"`
	Elements []rawElement `json:"elements"`
}

// parseAnalysisResponse decodes the model output. A bare JSON array is
// tolerated and treated as the scenes list.
func parseAnalysisResponse(raw []byte) (*analysisResponse, error) {
	trimmed := strings.TrimSpace(string(raw))
	trimmed = stripCodeFence(trimmed)

	if strings.HasPrefix(trimmed, "[") {
		var scenes []rawScene
		if err := json.Unmarshal([]byte(trimmed), &scenes); err != nil {
			return nil, fmt.Errorf("response is a malformed JSON array: %w", err)
		}
		return &analysisResponse{Scenes: scenes}, nil
	}

	var resp analysisResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return nil, fmt.Errorf("response is not valid analysis JSON: %w", err)
	}
	return &resp, nil
}

// stripCodeFence removes a surrounding markdown fence some models insist on.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// sceneCount computes K for a chapter: page span divided by pages-per-image,
// minimum 1.
func sceneCount(ch *book.Chapter, pagesPerImage int) int {
	if pagesPerImage < 1 {
		pagesPerImage = 1
	}
	k := ch.PageSpan() / pagesPerImage
	if k < 1 {
		k = 1
	}
	return k
}

// buildAnalysisPrompt composes the unified analyze request for one chapter
// (or one chunk of a split chapter). elementContext is the known-entity
// block from the registry, empty on a cold start.
func buildAnalysisPrompt(ch *book.Chapter, text string, k int, elementContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Analyze this chapter of a book and produce illustration source material.

Chapter %d: %s

Identify exactly %d visually striking scene(s) worth illustrating, and an exhaustive list of the visual elements (characters, creatures, locations, objects) that appear.

`, ch.Number, ch.Title, k)

	if elementContext != "" {
		b.WriteString(elementContext)
		b.WriteString("\n")
	}

	b.WriteString(`Respond with JSON only:
{
  "scenes": [{"quote": "<exact sentence from the text>", "description": "<what an illustrator should draw>", "reasoning": "<why this moment>"}],
  "elements": [{"type": "character|creature|location|object", "name": "<name>", "description": "<visual description>", "quotes": ["<supporting quote>"]}]
}

Chapter text:
---
`)
	b.WriteString(text)
	b.WriteString("\n---\n")
	return b.String()
}

// buildExtractPrompt asks for a consolidated element catalog over a text
// blob, used by the bulk extract strategy.
func buildExtractPrompt(bookTitle, text string) string {
	return fmt.Sprintf(`List every recurring visual element in this text from the book "%s": characters, creatures, locations, and significant objects. Merge repeat mentions of the same subject into one entry.

Respond with JSON only:
{"elements": [{"type": "character|creature|location|object", "name": "<name>", "description": "<visual description>", "quotes": ["<supporting quote>"]}]}

Text:
---
%s
---
`, bookTitle, text)
}

// styleGuidePrompt asks a vision model to distill the bootstrap images into
// a reusable style description.
const styleGuidePrompt = `These images are the first illustrations generated for one book. Describe their shared visual style as a reusable style guide: medium, palette, line quality, lighting, level of detail, and mood. Respond with JSON only:
{"style": "<one paragraph a future image prompt can embed verbatim>", "palette": "<dominant colors>", "medium": "<apparent medium>"}`

// consistencyReminder trails every image prompt.
const consistencyReminder = "Keep characters and settings visually consistent with their descriptions. No text or captions in the image."

// composeImagePrompt builds the final prompt for one scene: base description,
// style block when present, character facts for mentioned entities, and the
// trailing consistency reminder.
func composeImagePrompt(sc book.Scene, style *StyleGuide, reg *registry.Registry) string {
	var b strings.Builder
	b.WriteString("Illustrate this scene from a book:\n\n")
	b.WriteString(sc.Description)
	if sc.Quote != "" {
		fmt.Fprintf(&b, "\n\nFrom the text: %q", sc.Quote)
	}

	if style != nil && style.Style != "" {
		fmt.Fprintf(&b, "\n\nArt style: %s", style.Style)
		if style.Palette != "" {
			fmt.Fprintf(&b, " Palette: %s.", style.Palette)
		}
	}

	if reg != nil {
		if mentions := reg.GetMentions(sc.Description); len(mentions) > 0 {
			b.WriteString("\n\nCharacter details:\n")
			for _, e := range mentions {
				fmt.Fprintf(&b, "- %s: %s\n", e.Name, e.Description)
			}
		}
	}

	b.WriteString("\n")
	b.WriteString(consistencyReminder)
	return b.String()
}
