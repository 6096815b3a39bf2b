// Package state holds the durable pipeline state document (.state.json) and
// the store that owns all reads and writes of it.
package state

import (
	"time"

	"github.com/storybrush/storybrush/internal/book"
)

// SchemaVersion is bumped on incompatible document changes. Load refuses
// documents with any other version rather than guessing at migration.
const SchemaVersion = 2

// Status is the lifecycle of a phase or of one (phase, chapter) pair.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// rank orders statuses for deriving a phase's global status from its
// chapters: the "greatest remaining" among non-completed chapters.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusCompleted:
		return 1
	case StatusFailed:
		return 2
	case StatusInProgress:
		return 3
	default:
		return 0
	}
}

// Phase identifies one pipeline phase.
type Phase string

const (
	PhaseAnalyze    Phase = "analyze"
	PhaseExtract    Phase = "extract"
	PhaseEnrich     Phase = "enrich"
	PhaseIllustrate Phase = "illustrate"
)

// AllPhases lists phases in execution order.
var AllPhases = []Phase{PhaseAnalyze, PhaseExtract, PhaseEnrich, PhaseIllustrate}

// ChapterState tracks one chapter within one phase.
type ChapterState struct {
	Status      Status       `json:"status"`
	Error       string       `json:"error,omitempty"`
	RawResponse string       `json:"rawResponse,omitempty"` // attached on parse failures for inspection
	Scenes      []book.Scene `json:"scenes,omitempty"`
	Attempts    int          `json:"attempts,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// PhaseState tracks one phase across all chapters.
type PhaseState struct {
	Status      Status                `json:"status"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	Chapters    map[int]*ChapterState `json:"chapters"`
}

// DeriveStatus computes the phase's global status from its chapters:
// completed iff every chapter is completed, else in_progress if any is,
// else the greatest remaining status.
func (p *PhaseState) DeriveStatus() Status {
	if len(p.Chapters) == 0 {
		return StatusCompleted
	}
	allCompleted := true
	greatest := StatusPending
	for _, ch := range p.Chapters {
		if ch.Status != StatusCompleted {
			allCompleted = false
		}
		if ch.Status == StatusInProgress {
			return StatusInProgress
		}
		if ch.Status.rank() > greatest.rank() && ch.Status != StatusCompleted {
			greatest = ch.Status
		}
	}
	if allCompleted {
		return StatusCompleted
	}
	return greatest
}

// TokenUsage aggregates token and cost counters. Monotonically
// non-decreasing within a run.
type TokenUsage struct {
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	CostUSD          float64 `json:"costUSD"`
	ImagesGenerated  int64   `json:"imagesGenerated"`
}

// State is the durable pipeline state document.
type State struct {
	SchemaVersion int       `json:"schemaVersion"`
	BookTitle     string    `json:"bookTitle"`
	BookAuthor    string    `json:"bookAuthor,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdated   time.Time `json:"lastUpdated"`

	Phases map[Phase]*PhaseState `json:"phases"`
	Usage  TokenUsage            `json:"tokenUsage"`

	// StyleGuideDone is set when the illustrate bootstrap has produced a
	// persisted style guide.
	StyleGuideDone bool `json:"styleGuideDone,omitempty"`
}

// New creates a fresh state document for a book, all phases pending.
func New(b *book.Book) *State {
	now := time.Now().UTC()
	s := &State{
		SchemaVersion: SchemaVersion,
		BookTitle:     b.Title,
		BookAuthor:    b.Author,
		CreatedAt:     now,
		LastUpdated:   now,
		Phases:        make(map[Phase]*PhaseState, len(AllPhases)),
	}
	for _, p := range AllPhases {
		ps := &PhaseState{
			Status:   StatusPending,
			Chapters: make(map[int]*ChapterState, len(b.Chapters)),
		}
		for _, ch := range b.Chapters {
			ps.Chapters[ch.Number] = &ChapterState{Status: StatusPending}
		}
		s.Phases[p] = ps
	}
	return s
}

// Chapter returns the chapter state for (phase, num), creating it if absent.
func (s *State) Chapter(phase Phase, num int) *ChapterState {
	ps := s.Phases[phase]
	if ps == nil {
		ps = &PhaseState{Status: StatusPending, Chapters: make(map[int]*ChapterState)}
		s.Phases[phase] = ps
	}
	ch := ps.Chapters[num]
	if ch == nil {
		ch = &ChapterState{Status: StatusPending}
		ps.Chapters[num] = ch
	}
	return ch
}

// Clone returns a deep copy. Store readers receive clones so no caller can
// mutate shared state outside the store's mutex.
func (s *State) Clone() *State {
	out := *s
	out.Phases = make(map[Phase]*PhaseState, len(s.Phases))
	for p, ps := range s.Phases {
		cp := &PhaseState{Status: ps.Status, Chapters: make(map[int]*ChapterState, len(ps.Chapters))}
		if ps.StartedAt != nil {
			t := *ps.StartedAt
			cp.StartedAt = &t
		}
		if ps.CompletedAt != nil {
			t := *ps.CompletedAt
			cp.CompletedAt = &t
		}
		for n, ch := range ps.Chapters {
			c := *ch
			c.Scenes = append([]book.Scene(nil), ch.Scenes...)
			if ch.StartedAt != nil {
				t := *ch.StartedAt
				c.StartedAt = &t
			}
			if ch.CompletedAt != nil {
				t := *ch.CompletedAt
				c.CompletedAt = &t
			}
			cp.Chapters[n] = &c
		}
		out.Phases[p] = cp
	}
	return &out
}

// ScenesByChapter collects all scenes recorded under the analyze phase.
func (s *State) ScenesByChapter() map[int][]book.Scene {
	out := make(map[int][]book.Scene)
	ps := s.Phases[PhaseAnalyze]
	if ps == nil {
		return out
	}
	for n, ch := range ps.Chapters {
		if len(ch.Scenes) > 0 {
			out[n] = append([]book.Scene(nil), ch.Scenes...)
		}
	}
	return out
}
