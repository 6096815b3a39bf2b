package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/storybrush/storybrush/internal/registry"
)

// ParseChapterRange parses a --chapters expression into 1-based reading-order
// positions. Syntax: comma-separated integers or inclusive a-b ranges, e.g.
// "1-2,5". The result is sorted and deduplicated.
func ParseChapterRange(expr string) ([]int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty element in chapter range %q", expr)
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("bad range start %q in %q", lo, expr)
			}
			b, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("bad range end %q in %q", hi, expr)
			}
			if a < 1 || b < a {
				return nil, fmt.Errorf("invalid range %q: want 1 <= start <= end", part)
			}
			for n := a; n <= b; n++ {
				seen[n] = true
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad chapter index %q in %q", part, expr)
		}
		if n < 1 {
			return nil, fmt.Errorf("chapter index %d out of range", n)
		}
		seen[n] = true
	}

	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// ElementsFilter restricts enrichment and illustration to matching catalog
// entries. Zero value matches everything.
type ElementsFilter struct {
	Type string // "*" or empty matches any type
	Name string // may contain "*" wildcards
}

// ParseElementsFilter parses a --elements-filter expression of the form
// "type:name". Either side accepts "*"; names may embed "*" wildcards.
func ParseElementsFilter(expr string) (ElementsFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return ElementsFilter{}, nil
	}
	typ, name, ok := strings.Cut(expr, ":")
	if !ok {
		return ElementsFilter{}, fmt.Errorf("elements filter %q must be type:name", expr)
	}
	typ = strings.TrimSpace(typ)
	name = strings.TrimSpace(name)
	if typ == "" || name == "" {
		return ElementsFilter{}, fmt.Errorf("elements filter %q has an empty side", expr)
	}
	return ElementsFilter{Type: typ, Name: name}, nil
}

// IsZero reports whether the filter matches everything.
func (f ElementsFilter) IsZero() bool {
	return (f.Type == "" || f.Type == "*") && (f.Name == "" || f.Name == "*")
}

// Matches reports whether the entity passes the filter.
func (f ElementsFilter) Matches(e *registry.Entity) bool {
	if f.Type != "" && f.Type != "*" && !strings.EqualFold(f.Type, e.Type) {
		return false
	}
	if f.Name == "" || f.Name == "*" {
		return true
	}
	if matchWildcard(strings.ToLower(f.Name), registry.Key(e.Name)) {
		return true
	}
	for _, a := range e.Aliases {
		if matchWildcard(strings.ToLower(f.Name), registry.Key(a)) {
			return true
		}
	}
	return false
}

// matchWildcard matches s against a pattern where "*" spans any run of
// characters. Both inputs are expected lowercase.
func matchWildcard(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// applyLimit truncates items to at most n when n is positive.
func applyLimit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
