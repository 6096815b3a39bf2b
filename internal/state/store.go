package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/fsutil"
)

// ErrStateVersionMismatch is returned when the on-disk document was written
// by a different schema version. Migration is never attempted automatically.
var ErrStateVersionMismatch = errors.New("state schema version mismatch")

// Store owns the state document. All writers go through the store's mutex;
// readers receive immutable snapshots. Every mutation persists via the
// atomic writer, so a crash between mutations never leaves a torn file.
type Store struct {
	mu     sync.Mutex
	path   string
	state  *State
	logger *slog.Logger
}

// Load reads an existing state document. Returns (nil, nil) when the file
// does not exist.
func Load(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("state file is corrupt (re-provision the output directory to start over): %w", err)
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: file has version %d, this build expects %d (delete the output directory or run a matching release)",
			ErrStateVersionMismatch, s.SchemaVersion, SchemaVersion)
	}
	return &Store{path: path, state: &s, logger: logger}, nil
}

// LoadOrCreate loads the document at path, creating a fresh one for the
// book when none exists.
func LoadOrCreate(path string, b *book.Book, logger *slog.Logger) (*Store, error) {
	st, err := Load(path, logger)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	st = &Store{path: path, state: New(b), logger: logger}
	if err := st.Save(); err != nil {
		return nil, err
	}
	return st, nil
}

// Path returns the backing file path.
func (st *Store) Path() string { return st.path }

// Save persists the current document atomically, stamping lastUpdated.
func (st *Store) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.saveLocked()
}

func (st *Store) saveLocked() error {
	st.state.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(st.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := fsutil.WriteFile(st.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the current document.
func (st *Store) Snapshot() *State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state.Clone()
}

// UpdatePhase sets a phase's global status and timestamps, then persists.
func (st *Store) UpdatePhase(phase Phase, status Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ps := st.state.Phases[phase]
	if ps == nil {
		ps = &PhaseState{Chapters: make(map[int]*ChapterState)}
		st.state.Phases[phase] = ps
	}
	now := time.Now().UTC()
	switch status {
	case StatusInProgress:
		if ps.StartedAt == nil {
			ps.StartedAt = &now
		}
	case StatusCompleted:
		ps.CompletedAt = &now
	}
	ps.Status = status
	return st.saveLocked()
}

// UpdateChapter mutates one (phase, chapter) entry via fn, re-derives the
// phase's global status, and persists. Transitions into completed stamp
// CompletedAt; transitions into in_progress stamp StartedAt.
func (st *Store) UpdateChapter(phase Phase, num int, fn func(*ChapterState)) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ch := st.state.Chapter(phase, num)
	prev := ch.Status
	fn(ch)

	now := time.Now().UTC()
	if ch.Status == StatusInProgress && prev != StatusInProgress {
		ch.StartedAt = &now
		ch.Attempts++
	}
	if ch.Status == StatusCompleted && ch.CompletedAt == nil {
		ch.CompletedAt = &now
	}
	if ch.Status != StatusFailed {
		ch.Error = ""
		ch.RawResponse = ""
	}

	// A chapter cannot complete illustrate before it completed analyze.
	if phase == PhaseIllustrate && ch.Status == StatusCompleted {
		if an := st.state.Chapter(PhaseAnalyze, num); an.Status != StatusCompleted {
			ch.Status = prev
			ch.CompletedAt = nil
			return fmt.Errorf("chapter %d cannot complete illustrate before analyze", num)
		}
	}

	ps := st.state.Phases[phase]
	ps.Status = ps.DeriveStatus()
	if ps.Status == StatusCompleted && ps.CompletedAt == nil {
		ps.CompletedAt = &now
	}
	return st.saveLocked()
}

// MarkFailed records a chapter failure with its reason. rawResponse may
// carry the unparseable model output for later inspection.
func (st *Store) MarkFailed(phase Phase, num int, reason, rawResponse string) error {
	return st.UpdateChapter(phase, num, func(ch *ChapterState) {
		ch.Status = StatusFailed
		ch.Error = reason
		ch.RawResponse = rawResponse
	})
}

// ClearErrors resets every failed chapter of a phase back to pending and
// returns how many were cleared.
func (st *Store) ClearErrors(phase Phase) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ps := st.state.Phases[phase]
	if ps == nil {
		return 0, nil
	}
	count := 0
	for _, ch := range ps.Chapters {
		if ch.Status == StatusFailed {
			ch.Status = StatusPending
			ch.Error = ""
			ch.RawResponse = ""
			ch.StartedAt = nil
			ch.CompletedAt = nil
			count++
		}
	}
	if count > 0 {
		ps.Status = ps.DeriveStatus()
		if err := st.saveLocked(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// ForceReset sets the given chapters of a phase back to pending, leaving
// all other chapters untouched. nil resets the whole phase.
func (st *Store) ForceReset(phase Phase, chapters []int) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ps := st.state.Phases[phase]
	if ps == nil {
		return nil
	}
	reset := func(ch *ChapterState) {
		ch.Status = StatusPending
		ch.Error = ""
		ch.RawResponse = ""
		ch.StartedAt = nil
		ch.CompletedAt = nil
		ch.Attempts = 0
	}
	if chapters == nil {
		for _, ch := range ps.Chapters {
			reset(ch)
		}
	} else {
		for _, n := range chapters {
			if ch := ps.Chapters[n]; ch != nil {
				reset(ch)
			}
		}
	}
	ps.Status = ps.DeriveStatus()
	ps.CompletedAt = nil
	return st.saveLocked()
}

// AddUsage accumulates token and cost counters. Negative deltas are
// ignored: aggregate counters never decrease.
func (st *Store) AddUsage(prompt, completion int, cost float64) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if prompt > 0 {
		st.state.Usage.PromptTokens += int64(prompt)
		st.state.Usage.TotalTokens += int64(prompt)
	}
	if completion > 0 {
		st.state.Usage.CompletionTokens += int64(completion)
		st.state.Usage.TotalTokens += int64(completion)
	}
	if cost > 0 {
		st.state.Usage.CostUSD += cost
	}
	return st.saveLocked()
}

// AddImage bumps the generated-image counter.
func (st *Store) AddImage() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.Usage.ImagesGenerated++
	return st.saveLocked()
}

// SetStyleGuideDone records that the illustrate bootstrap has persisted a
// style guide.
func (st *Store) SetStyleGuideDone() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.StyleGuideDone = true
	return st.saveLocked()
}

// ValidateConsistency cross-checks the document against the book and the
// presence of the human-readable artifacts. Returns a list of discrepancy
// descriptions; empty means consistent.
func (st *Store) ValidateConsistency(b *book.Book, chaptersMdExists, elementsMdExists bool) []string {
	snap := st.Snapshot()
	var problems []string

	want := make(map[int]bool, len(b.Chapters))
	for _, ch := range b.Chapters {
		want[ch.Number] = true
	}

	for _, phase := range AllPhases {
		ps := snap.Phases[phase]
		if ps == nil {
			problems = append(problems, fmt.Sprintf("phase %s missing from state", phase))
			continue
		}
		var nums []int
		for n := range ps.Chapters {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		for _, n := range nums {
			ch := ps.Chapters[n]
			if !want[n] {
				problems = append(problems, fmt.Sprintf("phase %s tracks chapter %d which is not in the book", phase, n))
			}
			if ch.Status == StatusCompleted && ch.CompletedAt == nil {
				problems = append(problems, fmt.Sprintf("phase %s chapter %d completed without a timestamp", phase, n))
			}
		}
		if len(ps.Chapters) != len(b.Chapters) {
			problems = append(problems, fmt.Sprintf("phase %s tracks %d chapters, book has %d", phase, len(ps.Chapters), len(b.Chapters)))
		}
	}

	// Illustrate completion implies analyze completion per chapter.
	if il, an := snap.Phases[PhaseIllustrate], snap.Phases[PhaseAnalyze]; il != nil && an != nil {
		for n, ch := range il.Chapters {
			if ch.Status == StatusCompleted {
				if a := an.Chapters[n]; a == nil || a.Status != StatusCompleted {
					problems = append(problems, fmt.Sprintf("chapter %d illustrated but not analyzed", n))
				}
			}
		}
	}

	if len(snap.ScenesByChapter()) > 0 && !chaptersMdExists {
		problems = append(problems, "state holds scenes but Chapters.md is missing")
	}
	if an := snap.Phases[PhaseAnalyze]; an != nil && an.Status == StatusCompleted && !elementsMdExists {
		problems = append(problems, "analyze completed but Elements.md is missing")
	}
	return problems
}
