package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/storybrush/storybrush/internal/fsutil"
	"github.com/storybrush/storybrush/internal/llm"
)

// Registry is the in-memory entity catalog. Entities live in a stable slice;
// byKey and byAlias map lowercase surface forms to slice indices, so an alias
// and its owner never reference each other directly.
type Registry struct {
	mu       sync.RWMutex
	entities []*Entity
	byKey    map[string]int
	byAlias  map[string]int

	matcher Matcher
	path    string
	book    string
	logger  *slog.Logger

	// consolidate, when set, produces merged descriptions through a model
	// call instead of the concatenation rule.
	consolidate llm.Client
	model       string
}

// Options configures optional registry behavior.
type Options struct {
	// Matcher decides cross-mention identity. Defaults to ExactMatcher.
	Matcher Matcher
	// Consolidator, when non-nil, rewrites merged descriptions via a model.
	Consolidator llm.Client
	Model        string
	// Book identifies the source book on first-appearance records.
	Book   string
	Logger *slog.Logger
}

// New creates an empty registry that persists to path.
func New(path string, opts Options) *Registry {
	if opts.Matcher == nil {
		opts.Matcher = ExactMatcher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		byKey:       make(map[string]int),
		byAlias:     make(map[string]int),
		matcher:     opts.Matcher,
		path:        path,
		book:        opts.Book,
		logger:      opts.Logger.With("component", "registry"),
		consolidate: opts.Consolidator,
		model:       opts.Model,
	}
}

// registryDoc is the persisted sidecar shape.
type registryDoc struct {
	SavedAt  time.Time `json:"savedAt"`
	Entities []*Entity `json:"entities"`
}

// Load populates the registry from its sidecar file. A missing file leaves
// the registry empty.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read entity registry: %w", err)
	}

	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("entity registry is corrupt: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = nil
	r.byKey = make(map[string]int, len(doc.Entities))
	r.byAlias = make(map[string]int)
	for _, e := range doc.Entities {
		r.addLocked(e)
	}
	return nil
}

// Save persists the catalog atomically.
func (r *Registry) Save() error {
	r.mu.RLock()
	doc := registryDoc{SavedAt: time.Now().UTC(), Entities: r.entities}
	data, err := json.MarshalIndent(doc, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal entity registry: %w", err)
	}
	if err := fsutil.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist entity registry: %w", err)
	}
	return nil
}

// Len returns the number of canonical entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// Snapshot returns a deep copy of all entities, sorted by type then name.
func (r *Registry) Snapshot() []*Entity {
	r.mu.RLock()
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the entity owning the given name (canonical or alias).
func (r *Registry) Get(name string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx, ok := r.lookupLocked(name); ok {
		return r.entities[idx].clone(), true
	}
	return nil, false
}

func (r *Registry) lookupLocked(name string) (int, bool) {
	k := Key(name)
	if idx, ok := r.byKey[k]; ok {
		return idx, true
	}
	if idx, ok := r.byAlias[k]; ok {
		return idx, true
	}
	return 0, false
}

func (r *Registry) addLocked(e *Entity) int {
	idx := len(r.entities)
	r.entities = append(r.entities, e)
	r.byKey[e.Key()] = idx
	for _, a := range e.Aliases {
		if _, taken := r.byKey[Key(a)]; !taken {
			r.byAlias[Key(a)] = idx
		}
	}
	return idx
}

// Upsert folds a newly extracted entity into the catalog. Repeat mentions
// of the same subject merge into one canonical entry; distinct subjects are
// appended. chapter, when positive, is recorded as an appearance. Returns
// the canonical entity and whether a merge happened.
func (r *Registry) Upsert(ctx context.Context, newEnt *Entity, chapter int) (*Entity, bool, error) {
	if newEnt == nil || strings.TrimSpace(newEnt.Name) == "" {
		return nil, false, fmt.Errorf("entity has no name")
	}

	r.mu.Lock()

	// Exact key or alias hit short-circuits the matcher.
	if idx, ok := r.lookupLocked(newEnt.Name); ok {
		target := r.entities[idx]
		r.mu.Unlock()
		if err := r.mergeInto(ctx, target, newEnt, chapter); err != nil {
			return nil, false, err
		}
		return target.clone(), true, nil
	}

	// Candidates are cloned under the lock: the matcher reads them outside
	// it, and concurrent merges mutate the originals. candIdx keeps each
	// clone's position in the entity arena, which only ever appends.
	var (
		candidates []*Entity
		candIdx    []int
	)
	for idx, e := range r.entities {
		if strings.EqualFold(e.Type, newEnt.Type) {
			candidates = append(candidates, e.clone())
			candIdx = append(candIdx, idx)
		}
	}
	r.mu.Unlock()

	matched := -1
	if len(candidates) > 0 {
		var err error
		matched, err = r.matcher.Match(ctx, newEnt, candidates)
		if err != nil {
			// Matcher unavailable: fall back to lowercase-name equality,
			// which already failed above, so treat the entity as distinct.
			r.logger.Warn("entity matcher failed, treating as distinct",
				"entity", newEnt.Name, "error", err)
			matched = -1
		}
	}

	r.mu.Lock()
	// Re-check under the lock: a concurrent upsert may have added the same
	// key while the matcher call ran.
	if idx, ok := r.lookupLocked(newEnt.Name); ok {
		target := r.entities[idx]
		r.mu.Unlock()
		if err := r.mergeInto(ctx, target, newEnt, chapter); err != nil {
			return nil, false, err
		}
		return target.clone(), true, nil
	}

	if matched >= 0 && matched < len(candidates) {
		target := r.entities[candIdx[matched]]
		aliasKey := Key(newEnt.Name)
		if _, taken := r.byKey[aliasKey]; !taken {
			if idx, ok := r.byKey[target.Key()]; ok {
				r.byAlias[aliasKey] = idx
			}
		}
		r.mu.Unlock()
		if err := r.mergeInto(ctx, target, newEnt, chapter); err != nil {
			return nil, false, err
		}
		return target.clone(), true, nil
	}

	e := newEnt.clone()
	e.addAppearance(chapter)
	if e.FirstAppearance == nil && chapter > 0 {
		e.FirstAppearance = &Appearance{Book: r.book, Chapter: chapter}
	}
	r.addLocked(e)
	r.mu.Unlock()
	r.logger.Debug("entity registered", "name", e.Name, "type", e.Type)
	return e.clone(), false, nil
}

// mergeInto applies the merge rules to target, an entity owned by the
// registry. The consolidation model call runs outside the lock so it cannot
// stall other readers.
func (r *Registry) mergeInto(ctx context.Context, target, newEnt *Entity, chapter int) error {
	r.mu.RLock()
	oldDesc := target.Description
	entType, entName := target.Type, target.Name
	r.mu.RUnlock()

	desc, enriched, err := r.mergeDescriptions(ctx, oldDesc, newEnt.Description, entType, entName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target.Description = desc
	if enriched {
		target.Enrichments = append(target.Enrichments, Enrichment{
			Detail:    strings.TrimSpace(newEnt.Description),
			Chapter:   chapter,
			Timestamp: time.Now().UTC(),
		})
	}
	target.addQuotes(newEnt.Quotes)
	target.addAppearance(chapter)
	for _, n := range newEnt.Appearances {
		target.addAppearance(n)
	}
	if Key(newEnt.Name) != target.Key() && !target.HasAlias(newEnt.Name) {
		target.Aliases = append(target.Aliases, newEnt.Name)
		if idx, ok := r.byKey[target.Key()]; ok {
			if _, taken := r.byKey[Key(newEnt.Name)]; !taken {
				r.byAlias[Key(newEnt.Name)] = idx
			}
		}
	}
	return nil
}

// mergeDescriptions unifies two descriptions: concatenation of the novel
// part by default, or a model rewrite when a consolidator is configured.
// The bool reports whether the new description contributed anything.
func (r *Registry) mergeDescriptions(ctx context.Context, oldDesc, newDesc, entType, entName string) (string, bool, error) {
	oldDesc = strings.TrimSpace(oldDesc)
	newDesc = strings.TrimSpace(newDesc)

	switch {
	case newDesc == "" || newDesc == oldDesc:
		return oldDesc, false, nil
	case oldDesc == "":
		return newDesc, true, nil
	case strings.Contains(strings.ToLower(oldDesc), strings.ToLower(newDesc)):
		return oldDesc, false, nil
	}

	if r.consolidate == nil {
		return oldDesc + " " + newDesc, true, nil
	}

	prompt := fmt.Sprintf(`Combine these two descriptions of the same %s "%s" into one concise visual description. Keep every concrete physical detail, drop repetition. Reply with the description only.

Description A: %s
Description B: %s`, entType, entName, oldDesc, newDesc)

	res, err := r.consolidate.Chat(ctx, &llm.ChatRequest{
		Model:    r.model,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		// Consolidation is best-effort: keep both details rather than fail
		// the chapter.
		r.logger.Warn("description consolidation failed, concatenating", "entity", entName, "error", err)
		return oldDesc + " " + newDesc, true, nil
	}
	merged := strings.TrimSpace(res.Content)
	if merged == "" {
		return oldDesc + " " + newDesc, true, nil
	}
	return merged, true, nil
}

// GetMentions returns the entities whose canonical name or any alias occurs
// in text, case-insensitively. Results are sorted by name.
func (r *Registry) GetMentions(text string) []*Entity {
	lower := strings.ToLower(text)

	r.mu.RLock()
	seen := make(map[int]bool)
	var hits []*Entity
	check := func(name string, idx int) {
		if seen[idx] || name == "" {
			return
		}
		if strings.Contains(lower, Key(name)) {
			seen[idx] = true
			hits = append(hits, r.entities[idx].clone())
		}
	}
	for idx, e := range r.entities {
		check(e.Name, idx)
		for _, a := range e.Aliases {
			check(a, idx)
		}
	}
	r.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Name < hits[j].Name })
	return hits
}

// EnrichPrompt appends a structured facts block about every entity mentioned
// in prompt. Unmentioned catalogs leave the prompt unchanged.
func (r *Registry) EnrichPrompt(prompt string) string {
	mentions := r.GetMentions(prompt)
	if len(mentions) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nCharacter and element details for visual consistency:\n")
	for _, e := range mentions {
		fmt.Fprintf(&b, "- %s (%s): %s\n", e.Name, e.Type, e.Description)
	}
	return b.String()
}

// ContextBlock renders the known-entity facts injected into analysis
// prompts. Empty when the catalog is empty.
func (r *Registry) ContextBlock() string {
	ents := r.Snapshot()
	if len(ents) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known elements so far (reuse these names for repeat subjects):\n")
	for _, e := range ents {
		fmt.Fprintf(&b, "- %s (%s): %s\n", e.Name, e.Type, e.Description)
	}
	return b.String()
}
