package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/storybrush/storybrush/internal/fsutil"
)

// WriteElementsMarkdown renders the catalog as a human-readable Elements.md,
// grouped by type, and writes it atomically.
func (r *Registry) WriteElementsMarkdown(path, bookTitle string) error {
	ents := r.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "# Elements: %s\n\n", bookTitle)
	fmt.Fprintf(&b, "_Generated %s. %d element(s)._\n", time.Now().UTC().Format(time.RFC3339), len(ents))

	var lastType string
	for _, e := range ents {
		if e.Type != lastType {
			fmt.Fprintf(&b, "\n## %s\n", titleCase(e.Type))
			lastType = e.Type
		}
		fmt.Fprintf(&b, "\n### %s\n\n", e.Name)
		if len(e.Aliases) > 0 {
			fmt.Fprintf(&b, "*Also known as: %s*\n\n", strings.Join(e.Aliases, ", "))
		}
		fmt.Fprintf(&b, "%s\n", e.Description)
		if e.FirstAppearance != nil {
			fmt.Fprintf(&b, "\nFirst appears: chapter %d\n", e.FirstAppearance.Chapter)
		}
		if len(e.Appearances) > 0 {
			fmt.Fprintf(&b, "\nAppears in chapter(s): %s\n", joinInts(e.Appearances))
		}
		for _, q := range e.Quotes {
			if q.Page > 0 {
				fmt.Fprintf(&b, "\n> %s (p. %d)\n", q.Text, q.Page)
			} else {
				fmt.Fprintf(&b, "\n> %s\n", q.Text)
			}
		}
	}

	return fsutil.WriteFile(path, []byte(b.String()), 0o644)
}

func titleCase(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Other"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ", ")
}
