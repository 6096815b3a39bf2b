// Package registry maintains the catalog of visual elements (characters,
// locations, creatures, objects) discovered across chapters, merging repeat
// mentions into a single canonical entity per subject.
package registry

import (
	"sort"
	"strings"
	"time"
)

// Quote is one supporting excerpt. Page is a hint taken from the source
// chapter's page span; zero means unknown.
type Quote struct {
	Text string `json:"text"`
	Page int    `json:"page,omitempty"`
}

// Enrichment is one detail added to an entity by a merge after its creation.
type Enrichment struct {
	Detail    string    `json:"detail"`
	Chapter   int       `json:"chapter,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Appearance locates an entity's first mention.
type Appearance struct {
	Book    string `json:"book,omitempty"`
	Chapter int    `json:"chapter"`
}

// Entity is one canonical catalog entry. The canonical key is the lowercase
// form of Name; other surface forms live in Aliases. Enrichments record, in
// order, each detail later merges contributed to the description.
type Entity struct {
	Type            string       `json:"type"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	Aliases         []string     `json:"aliases,omitempty"`
	Quotes          []Quote      `json:"quotes,omitempty"`
	FirstAppearance *Appearance  `json:"firstAppearance,omitempty"`
	Appearances     []int        `json:"appearances,omitempty"`
	Enrichments     []Enrichment `json:"enrichments,omitempty"`
}

// Key returns the canonical key for a name.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Key returns the entity's canonical key.
func (e *Entity) Key() string { return Key(e.Name) }

// HasAlias reports whether name is already recorded as an alias.
func (e *Entity) HasAlias(name string) bool {
	k := Key(name)
	for _, a := range e.Aliases {
		if Key(a) == k {
			return true
		}
	}
	return false
}

// addAppearance records a chapter number, keeping the list sorted and unique.
func (e *Entity) addAppearance(chapter int) {
	if chapter <= 0 {
		return
	}
	for _, n := range e.Appearances {
		if n == chapter {
			return
		}
	}
	e.Appearances = append(e.Appearances, chapter)
	sort.Ints(e.Appearances)
}

// addQuotes appends quotes whose text is not already present.
func (e *Entity) addQuotes(quotes []Quote) {
	for _, q := range quotes {
		q.Text = strings.TrimSpace(q.Text)
		if q.Text == "" {
			continue
		}
		dup := false
		for _, have := range e.Quotes {
			if have.Text == q.Text {
				dup = true
				break
			}
		}
		if !dup {
			e.Quotes = append(e.Quotes, q)
		}
	}
}

// clone returns a deep copy.
func (e *Entity) clone() *Entity {
	out := *e
	out.Aliases = append([]string(nil), e.Aliases...)
	out.Quotes = append([]Quote(nil), e.Quotes...)
	out.Appearances = append([]int(nil), e.Appearances...)
	out.Enrichments = append([]Enrichment(nil), e.Enrichments...)
	if e.FirstAppearance != nil {
		fa := *e.FirstAppearance
		out.FirstAppearance = &fa
	}
	return &out
}
