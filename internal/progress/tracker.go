package progress

import (
	"sync"
	"time"
)

// Stats is the derived progress snapshot recomputed on every mutation and
// published as a stats event.
type Stats struct {
	Phase             string  `json:"phase"`
	ChaptersCompleted int     `json:"chaptersCompleted"`
	ChaptersTotal     int     `json:"chaptersTotal"`
	ImagesGenerated   int     `json:"imagesGenerated"`
	ElapsedSeconds    float64 `json:"elapsedSeconds"`
	// ETASeconds is elapsed/completed*remaining; zero until the first
	// chapter completes.
	ETASeconds float64 `json:"etaSeconds"`
}

// PhasePayload is the phase-start event body.
type PhasePayload struct {
	Phase         string `json:"phase"`
	ChaptersTotal int    `json:"chaptersTotal"`
}

// ChapterPayload is the chapter-start and chapter-complete event body.
type ChapterPayload struct {
	Phase         string `json:"phase"`
	ChapterNum    int    `json:"chapterNum"`
	ChapterTitle  string `json:"chapterTitle,omitempty"`
	ScenesFound   int    `json:"scenesFound,omitempty"`
	ConceptsFound int    `json:"conceptsFound,omitempty"`
}

// ImagePayload is the image-complete event body.
type ImagePayload struct {
	ChapterNum int    `json:"chapterNum"`
	SceneIndex int    `json:"sceneIndex"`
	Path       string `json:"path"`
}

// LogPayload is the progress event body, mirrored into progress.md.
type LogPayload struct {
	Level   string `json:"level"` // "info", "warn", "error", "success"
	Message string `json:"message"`
}

// Snapshot is the initial-state event body and the /api/state response.
type Snapshot struct {
	BookTitle      string    `json:"bookTitle"`
	CurrentPhase   string    `json:"currentPhase"`
	CurrentChapter int       `json:"currentChapter,omitempty"`
	Stats          Stats     `json:"stats"`
	StartTime      time.Time `json:"startTime"`
}

// Tracker owns the derived-progress counters and publishes events through
// the bus. One tracker serves one pipeline run.
type Tracker struct {
	bus *Bus

	mu             sync.Mutex
	bookTitle      string
	phase          string
	currentChapter int
	completed      int
	total          int
	images         int
	start          time.Time
}

// NewTracker creates a tracker over bus and publishes the initialized event.
func NewTracker(bus *Bus, bookTitle string, totalChapters int) *Tracker {
	t := &Tracker{
		bus:       bus,
		bookTitle: bookTitle,
		total:     totalChapters,
		start:     time.Now().UTC(),
	}
	bus.Publish(EventInitialized, map[string]any{
		"bookTitle":     bookTitle,
		"chaptersTotal": totalChapters,
	})
	return t
}

// Bus exposes the underlying bus for sinks.
func (t *Tracker) Bus() *Bus { return t.bus }

func (t *Tracker) statsLocked() Stats {
	elapsed := time.Since(t.start).Seconds()
	s := Stats{
		Phase:             t.phase,
		ChaptersCompleted: t.completed,
		ChaptersTotal:     t.total,
		ImagesGenerated:   t.images,
		ElapsedSeconds:    elapsed,
	}
	if t.completed > 0 && t.total > t.completed {
		s.ETASeconds = elapsed / float64(t.completed) * float64(t.total-t.completed)
	}
	return s
}

// Snapshot returns the current state for new dashboard connections.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		BookTitle:      t.bookTitle,
		CurrentPhase:   t.phase,
		CurrentChapter: t.currentChapter,
		Stats:          t.statsLocked(),
		StartTime:      t.start,
	}
}

// SetPhase records a phase transition and resets per-phase counters.
func (t *Tracker) SetPhase(phase string, totalChapters int) {
	t.mu.Lock()
	t.phase = phase
	t.total = totalChapters
	t.completed = 0
	t.currentChapter = 0
	stats := t.statsLocked()
	t.mu.Unlock()

	t.bus.Publish(EventPhaseStart, PhasePayload{Phase: phase, ChaptersTotal: totalChapters})
	t.bus.Publish(EventStats, stats)
}

// StartChapter records that a chapter entered the current phase.
func (t *Tracker) StartChapter(num int, title string) {
	t.mu.Lock()
	t.currentChapter = num
	phase := t.phase
	t.mu.Unlock()

	t.bus.Publish(EventChapterStart, ChapterPayload{Phase: phase, ChapterNum: num, ChapterTitle: title})
}

// CompleteChapter records a chapter completion and republishes stats.
func (t *Tracker) CompleteChapter(num int, title string, scenes, concepts int) {
	t.mu.Lock()
	t.completed++
	phase := t.phase
	stats := t.statsLocked()
	t.mu.Unlock()

	t.bus.Publish(EventChapterComplete, ChapterPayload{
		Phase: phase, ChapterNum: num, ChapterTitle: title,
		ScenesFound: scenes, ConceptsFound: concepts,
	})
	t.bus.Publish(EventStats, stats)
}

// LogImage records a generated image and republishes stats.
func (t *Tracker) LogImage(chapterNum, sceneIdx int, path string) {
	t.mu.Lock()
	t.images++
	stats := t.statsLocked()
	t.mu.Unlock()

	t.bus.Publish(EventImageComplete, ImagePayload{ChapterNum: chapterNum, SceneIndex: sceneIdx, Path: path})
	t.bus.Publish(EventStats, stats)
}

// Log publishes a free-form progress line.
func (t *Tracker) Log(level, message string) {
	t.bus.Publish(EventProgress, LogPayload{Level: level, Message: message})
}
