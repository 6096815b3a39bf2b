package progress

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/storybrush/storybrush/internal/fsutil"
)

// glyph maps a log level or event type to its progress.md marker.
func glyph(level string) string {
	switch level {
	case "error":
		return "❌"
	case "warn":
		return "⚠️"
	case "success":
		return "✅"
	default:
		return "ℹ️"
	}
}

// LogSink mirrors bus events into progress.md as timestamped markdown
// lines. Each append rewrites the file atomically under the file lock, so
// an external reader never sees a torn line.
type LogSink struct {
	path   string
	logger *slog.Logger
	done   chan struct{}
	cancel func()
}

// NewLogSink subscribes a sink to bus writing to path. Call Close to drain
// and detach.
func NewLogSink(bus *Bus, path string, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	ch, cancel := bus.Subscribe()
	s := &LogSink{
		path:   path,
		logger: logger.With("component", "progress-log"),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ch)
	return s
}

func (s *LogSink) run(ch <-chan Event) {
	defer close(s.done)
	for ev := range ch {
		line, ok := s.render(ev)
		if !ok {
			continue
		}
		if err := s.append(line); err != nil {
			s.logger.Warn("failed to append progress line", "error", err)
		}
	}
}

// render formats one event as a markdown line. Stats and initial-state
// events are dashboard-only noise and are skipped.
func (s *LogSink) render(ev Event) (string, bool) {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case EventInitialized:
		return fmt.Sprintf("- `%s` 🚀 Pipeline initialized", ts), true
	case EventPhaseStart:
		p, ok := ev.Data.(PhasePayload)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("- `%s` ▶️ Phase **%s** started (%d chapters)", ts, p.Phase, p.ChaptersTotal), true
	case EventChapterStart:
		p, ok := ev.Data.(ChapterPayload)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("- `%s` 📖 Chapter %d (%s): %s", ts, p.ChapterNum, p.Phase, p.ChapterTitle), true
	case EventChapterComplete:
		p, ok := ev.Data.(ChapterPayload)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("- `%s` ✅ Chapter %d (%s) complete: %d scene(s), %d element(s)",
			ts, p.ChapterNum, p.Phase, p.ScenesFound, p.ConceptsFound), true
	case EventImageComplete:
		p, ok := ev.Data.(ImagePayload)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("- `%s` 🖼️ Image rendered: chapter %d scene %d → %s", ts, p.ChapterNum, p.SceneIndex, p.Path), true
	case EventProgress:
		p, ok := ev.Data.(LogPayload)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("- `%s` %s %s", ts, glyph(p.Level), p.Message), true
	default:
		return "", false
	}
}

// append reads, extends, and atomically rewrites progress.md.
func (s *LogSink) append(line string) error {
	return fsutil.WithLock(s.path, func() error {
		existing, err := os.ReadFile(s.path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if len(existing) == 0 {
			header := fmt.Sprintf("# Progress Log\n\n_Started %s_\n\n", time.Now().UTC().Format(time.RFC3339))
			existing = []byte(header)
		}
		data := append(existing, []byte(line+"\n")...)
		return fsutil.WriteFile(s.path, data, 0o644)
	})
}

// Close detaches the sink and waits for queued lines to flush.
func (s *LogSink) Close() {
	s.cancel()
	<-s.done
}
