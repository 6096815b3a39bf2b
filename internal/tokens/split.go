package tokens

import (
	"regexp"
	"strings"
)

// ChunkOverlap is the approximate number of trailing characters carried from
// one chunk into the next so the model keeps local context across a split.
const ChunkOverlap = 500

var sentenceEnd = regexp.MustCompile(`[.!?]["')\]]*\s+`)

// Split divides text into chunks that each fit budgetTokens. Splitting
// prefers paragraph boundaries; a single paragraph that exceeds the budget is
// split on sentence boundaries instead. Each chunk after the first begins
// with roughly ChunkOverlap characters of the previous chunk.
func Split(text string, budgetTokens int) []string {
	if budgetTokens <= 0 || Count(text) <= budgetTokens {
		return []string{text}
	}

	var units []string
	for _, para := range strings.Split(text, "\n\n") {
		if para == "" {
			continue
		}
		if Count(para) > budgetTokens {
			units = append(units, splitSentences(para, budgetTokens)...)
		} else {
			units = append(units, para)
		}
	}

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, u := range units {
		candidate := u
		if current.Len() > 0 {
			candidate = current.String() + "\n\n" + u
		}
		if Count(candidate) > budgetTokens && current.Len() > 0 {
			prev := current.String()
			flush()
			current.WriteString(overlapTail(prev))
			current.WriteString("\n\n")
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(u)
	}
	flush()

	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

// splitSentences breaks an oversized paragraph on sentence boundaries.
func splitSentences(para string, budgetTokens int) []string {
	locs := sentenceEnd.FindAllStringIndex(para, -1)
	if len(locs) == 0 {
		return []string{para}
	}

	var sentences []string
	prev := 0
	for _, loc := range locs {
		sentences = append(sentences, para[prev:loc[1]])
		prev = loc[1]
	}
	if prev < len(para) {
		sentences = append(sentences, para[prev:])
	}

	var (
		out     []string
		current strings.Builder
	)
	for _, s := range sentences {
		if current.Len() > 0 && Count(current.String()+s) > budgetTokens {
			out = append(out, current.String())
			current.Reset()
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// overlapTail returns the last ~ChunkOverlap characters of s, extended left
// to the nearest word boundary.
func overlapTail(s string) string {
	if len(s) <= ChunkOverlap {
		return s
	}
	tail := s[len(s)-ChunkOverlap:]
	if idx := strings.IndexAny(tail, " \n\t"); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}
