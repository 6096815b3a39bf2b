package tokens

import (
	"strings"
	"testing"
)

func TestCount_TakesLargerHeuristic(t *testing.T) {
	// 12 chars, 1 word: chars/4 = 3 beats words*1.3 = 2.
	if got := Count("abcdefghijkl"); got != 3 {
		t.Errorf("Count long word = %d, want 3", got)
	}
	// 9 chars, 5 words: words*1.3 = 6.5 -> 7 beats chars/4 = 3.
	if got := Count("a b c d e"); got != 7 {
		t.Errorf("Count many words = %d, want 7", got)
	}
	if got := Count(""); got != 0 {
		t.Errorf("Count empty = %d, want 0", got)
	}
}

func TestForRequest_Cost(t *testing.T) {
	model := ModelSpec{Name: "m", ContextLength: 100000, InputCostPer1M: 3.0, OutputCostPer1M: 15.0}
	// 4000 chars -> 1000 input tokens.
	est := ForRequest(strings.Repeat("abcd", 1000), 2000, model)
	if est.InputTokens != 1000 {
		t.Fatalf("InputTokens = %d, want 1000", est.InputTokens)
	}
	wantCost := 1000.0/1e6*3.0 + 2000.0/1e6*15.0
	if diff := est.EstimatedCost - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("EstimatedCost = %v, want %v", est.EstimatedCost, wantCost)
	}
	if est.WillExceedLimit {
		t.Error("WillExceedLimit = true for a small request")
	}
}

func TestForRequest_ZeroCostModel(t *testing.T) {
	est := ForRequest("some text here", 100, ModelSpec{ContextLength: 1000})
	if est.EstimatedCost != 0 {
		t.Errorf("EstimatedCost = %v, want 0", est.EstimatedCost)
	}
}

func TestForRequest_ExceedsLimit(t *testing.T) {
	model := ModelSpec{ContextLength: 1000} // usable = 900
	text := strings.Repeat("word ", 2000)   // ~2600 tokens by words heuristic
	est := ForRequest(text, 100, model)
	if !est.WillExceedLimit {
		t.Fatal("WillExceedLimit = false, want true")
	}
	if est.SuggestedSplits < 2 {
		t.Errorf("SuggestedSplits = %d, want >= 2", est.SuggestedSplits)
	}
	// ceil(total / usable)
	wantSplits := (est.Total + 899) / 900
	if est.SuggestedSplits != wantSplits {
		t.Errorf("SuggestedSplits = %d, want %d", est.SuggestedSplits, wantSplits)
	}
}

func TestSplit_SmallTextUnchanged(t *testing.T) {
	chunks := Split("short text", 1000)
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Errorf("Split small = %q", chunks)
	}
}

func TestSplit_ParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("alpha beta gamma delta. ", 20)
	text := strings.Join([]string{para, para, para, para}, "\n\n")
	budget := Count(para) * 2

	chunks := Split(text, budget)
	if len(chunks) < 2 {
		t.Fatalf("Split produced %d chunks, want >= 2", len(chunks))
	}
	for i, c := range chunks {
		// Overlap carry can push a chunk slightly past the budget.
		if Count(c) > budget+ChunkOverlap/2 {
			t.Errorf("chunk %d has %d tokens, budget %d", i, Count(c), budget)
		}
	}
}

func TestSplit_OversizedParagraphFallsBackToSentences(t *testing.T) {
	para := strings.Repeat("This is a sentence about dragons and towers. ", 100)
	budget := Count(para) / 4

	chunks := Split(para, budget)
	if len(chunks) < 3 {
		t.Fatalf("Split produced %d chunks, want >= 3", len(chunks))
	}
}

func TestSplit_CarriesOverlap(t *testing.T) {
	para1 := strings.Repeat("one two three four five six seven eight nine ten. ", 30)
	para2 := strings.Repeat("uno dos tres cuatro cinco seis siete ocho nueve. ", 30)
	budget := Count(para1) + 10

	chunks := Split(para1+"\n\n"+para2, budget)
	if len(chunks) < 2 {
		t.Fatalf("Split produced %d chunks, want >= 2", len(chunks))
	}
	// The second chunk starts with the tail of the first.
	tail := chunks[0][len(chunks[0])-50:]
	if !strings.Contains(chunks[1], strings.TrimSpace(tail)) {
		t.Errorf("second chunk missing overlap from first; tail %q", tail)
	}
}

func TestUsableContext(t *testing.T) {
	if got := (ModelSpec{ContextLength: 1000}).UsableContext(); got != 900 {
		t.Errorf("UsableContext default margin = %d, want 900", got)
	}
	if got := (ModelSpec{ContextLength: 1000, SafetyMargin: 0.5}).UsableContext(); got != 500 {
		t.Errorf("UsableContext 0.5 = %d, want 500", got)
	}
	if got := (ModelSpec{}).UsableContext(); got != 0 {
		t.Errorf("UsableContext zero = %d, want 0", got)
	}
}
