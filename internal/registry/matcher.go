package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/storybrush/storybrush/internal/llm"
)

// Matcher decides whether a newly extracted entity refers to one of the
// existing catalog entries of the same type. It returns the index into
// candidates, or -1 when the entity is distinct.
type Matcher interface {
	Match(ctx context.Context, newEnt *Entity, candidates []*Entity) (int, error)
}

// DefaultMatchThreshold is the minimum model confidence for a merge.
const DefaultMatchThreshold = 0.7

const (
	matcherCacheSize = 1000
	matcherCacheTTL  = time.Hour
)

// matchVerdict is the structured answer expected from the model.
type matchVerdict struct {
	IsMatch    bool    `json:"is_match"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// LLMMatcher asks a chat model whether two entities are the same subject.
// Verdicts are cached per (type, new name, existing name) so repeated
// mentions across chapters do not re-spend tokens.
type LLMMatcher struct {
	client    llm.Client
	model     string
	threshold float64
	logger    *slog.Logger

	cache  *expirable.LRU[string, matchVerdict]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewLLMMatcher creates a matcher backed by client. threshold <= 0 selects
// the default.
func NewLLMMatcher(client llm.Client, model string, threshold float64, logger *slog.Logger) *LLMMatcher {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMMatcher{
		client:    client,
		model:     model,
		threshold: threshold,
		logger:    logger.With("component", "entity-matcher"),
		cache:     expirable.NewLRU[string, matchVerdict](matcherCacheSize, nil, matcherCacheTTL),
	}
}

// CacheStats returns cumulative hit and miss counters.
func (m *LLMMatcher) CacheStats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

// Match checks candidates in order and returns the first index the model
// confirms with confidence at or above the threshold, or -1.
func (m *LLMMatcher) Match(ctx context.Context, newEnt *Entity, candidates []*Entity) (int, error) {
	for i, cand := range candidates {
		if cand.Key() == newEnt.Key() {
			return i, nil
		}
		v, err := m.verdict(ctx, newEnt, cand)
		if err != nil {
			return -1, err
		}
		if v.IsMatch && v.Confidence >= m.threshold {
			return i, nil
		}
	}
	return -1, nil
}

func (m *LLMMatcher) verdict(ctx context.Context, newEnt, existing *Entity) (matchVerdict, error) {
	key := fmt.Sprintf("%s|%s|%s", strings.ToLower(newEnt.Type), newEnt.Key(), existing.Key())
	if v, ok := m.cache.Get(key); ok {
		m.hits.Add(1)
		return v, nil
	}
	m.misses.Add(1)

	prompt := fmt.Sprintf(`You are comparing two %s entries from the same book to decide if they describe the same subject.

New mention:
  Name: %s
  Description: %s

Existing catalog entry:
  Name: %s
  Description: %s

Does the new mention refer to the existing entry? Answer with JSON:
{"is_match": true|false, "confidence": 0.0-1.0, "reasoning": "one sentence"}`,
		newEnt.Type, newEnt.Name, newEnt.Description, existing.Name, existing.Description)

	res, err := m.client.Chat(ctx, &llm.ChatRequest{
		Model:          m.model,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
		Temperature:    0,
	})
	if err != nil {
		return matchVerdict{}, fmt.Errorf("entity match call failed: %w", err)
	}

	raw := res.ParsedJSON
	if raw == nil {
		raw = json.RawMessage(res.Content)
	}
	var v matchVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return matchVerdict{}, fmt.Errorf("entity match verdict was not valid JSON: %w", err)
	}

	m.cache.Add(key, v)
	m.logger.Debug("match verdict",
		"new", newEnt.Name, "existing", existing.Name,
		"is_match", v.IsMatch, "confidence", v.Confidence)
	return v, nil
}

// ExactMatcher merges only on lowercase-name equality. Used as the fallback
// when no model is configured, and by the registry when a model call fails.
type ExactMatcher struct{}

func (ExactMatcher) Match(_ context.Context, newEnt *Entity, candidates []*Entity) (int, error) {
	for i, cand := range candidates {
		if cand.Key() == newEnt.Key() {
			return i, nil
		}
	}
	return -1, nil
}

var (
	_ Matcher = (*LLMMatcher)(nil)
	_ Matcher = ExactMatcher{}
)
