// Package tokens estimates token counts and cost for model requests before
// they are made, and splits oversized text into chunks that fit a budget.
package tokens

import (
	"math"
	"strings"
)

// ModelSpec carries the pricing and context parameters of a model.
type ModelSpec struct {
	Name            string  `json:"name"`
	ContextLength   int     `json:"contextLength"`
	InputCostPer1M  float64 `json:"inputCostPer1M"`
	OutputCostPer1M float64 `json:"outputCostPer1M"`
	SafetyMargin    float64 `json:"safetyMargin,omitempty"` // default 0.9
}

// DefaultSafetyMargin is the fraction of the context window considered usable.
const DefaultSafetyMargin = 0.9

// Estimate is a pre-flight accounting of one request.
type Estimate struct {
	InputTokens     int     `json:"inputTokens"`
	OutputTokens    int     `json:"outputTokens"`
	Total           int     `json:"total"`
	EstimatedCost   float64 `json:"estimatedCost"`
	WillExceedLimit bool    `json:"willExceedLimit"`
	SuggestedSplits int     `json:"suggestedSplits,omitempty"`
}

// Count estimates the token count of a text blob. Two heuristics are
// computed and the larger wins: ceil(chars/4) and ceil(words*1.3).
func Count(text string) int {
	if text == "" {
		return 0
	}
	byChars := int(math.Ceil(float64(len(text)) / 4.0))
	byWords := int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
	if byWords > byChars {
		return byWords
	}
	return byChars
}

// ForRequest produces an estimate for sending text with an expected output
// size against the given model.
func ForRequest(text string, expectedOutputTokens int, model ModelSpec) Estimate {
	in := Count(text)
	est := Estimate{
		InputTokens:  in,
		OutputTokens: expectedOutputTokens,
		Total:        in + expectedOutputTokens,
	}

	est.EstimatedCost = float64(in)/1e6*model.InputCostPer1M +
		float64(expectedOutputTokens)/1e6*model.OutputCostPer1M

	limit := model.UsableContext()
	if limit > 0 && est.Total > limit {
		est.WillExceedLimit = true
		est.SuggestedSplits = int(math.Ceil(float64(est.Total) / float64(limit)))
	}
	return est
}

// UsableContext returns contextLength scaled by the safety margin.
func (m ModelSpec) UsableContext() int {
	if m.ContextLength <= 0 {
		return 0
	}
	margin := m.SafetyMargin
	if margin <= 0 || margin > 1 {
		margin = DefaultSafetyMargin
	}
	return int(float64(m.ContextLength) * margin)
}
