package progress

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func collect(ch <-chan Event, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(EventPhaseStart, PhasePayload{Phase: "analyze"})
	bus.Publish(EventChapterStart, ChapterPayload{ChapterNum: 1})
	bus.Publish(EventChapterComplete, ChapterPayload{ChapterNum: 1})

	evs := collect(ch, 3, time.Second)
	if len(evs) != 3 {
		t.Fatalf("received %d events, want 3", len(evs))
	}
	want := []EventType{EventPhaseStart, EventChapterStart, EventChapterComplete}
	for i, ev := range evs {
		if ev.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
		}
		if ev.Timestamp.IsZero() {
			t.Error("event missing timestamp")
		}
	}
}

func TestBusOverflowDisconnectsSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+50; i++ {
			bus.Publish(EventProgress, LogPayload{Message: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if bus.Overflowed() != 1 {
		t.Errorf("overflow count = %d, want 1", bus.Overflowed())
	}

	// The overflowed channel drains what it buffered and then reports
	// closed, the signal a consumer uses to reconnect and resync.
	evs := collect(ch, subscriberBuffer+1, time.Second)
	if len(evs) != subscriberBuffer {
		t.Errorf("drained %d events, want %d", len(evs), subscriberBuffer)
	}

	// A subscriber attached afterwards still receives events.
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()
	bus.Publish(EventProgress, LogPayload{Message: "y"})
	if got := collect(ch2, 1, time.Second); len(got) != 1 {
		t.Error("publish stopped after disconnecting an overflowed subscriber")
	}
}

func TestBusCloseTerminatesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe()
	bus.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("event delivered after close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Publish after close is a no-op.
	bus.Publish(EventProgress, LogPayload{Message: "late"})
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe()
	cancel()
	cancel()
}

func TestTrackerStatsAndETA(t *testing.T) {
	bus := NewBus()
	ch, cancelSub := bus.Subscribe()
	defer cancelSub()

	tr := NewTracker(bus, "Test Book", 4)
	tr.SetPhase("analyze", 4)
	tr.StartChapter(1, "Dawn")
	tr.CompleteChapter(1, "Dawn", 3, 2)

	// initialized, phase-start, stats, chapter-start, chapter-complete, stats
	evs := collect(ch, 6, time.Second)
	if len(evs) != 6 {
		t.Fatalf("received %d events, want 6", len(evs))
	}

	var lastStats Stats
	found := false
	for _, ev := range evs {
		if ev.Type == EventStats {
			lastStats = ev.Data.(Stats)
			found = true
		}
	}
	if !found {
		t.Fatal("no stats event published")
	}
	if lastStats.ChaptersCompleted != 1 || lastStats.ChaptersTotal != 4 {
		t.Errorf("stats = %+v", lastStats)
	}
	if lastStats.ETASeconds <= 0 {
		t.Errorf("ETA not derived after first completion: %+v", lastStats)
	}
	// ETA = elapsed / completed * remaining; with 1 of 4 done the remaining
	// estimate is three times the elapsed time.
	ratio := lastStats.ETASeconds / lastStats.ElapsedSeconds
	if ratio < 2.9 || ratio > 3.1 {
		t.Errorf("ETA ratio = %.2f, want 3", ratio)
	}

	snap := tr.Snapshot()
	if snap.BookTitle != "Test Book" || snap.CurrentPhase != "analyze" || snap.CurrentChapter != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTrackerPhaseResetsCounters(t *testing.T) {
	bus := NewBus()
	tr := NewTracker(bus, "Test Book", 2)
	tr.SetPhase("analyze", 2)
	tr.CompleteChapter(1, "One", 1, 0)
	tr.CompleteChapter(2, "Two", 1, 0)

	tr.SetPhase("illustrate", 2)
	snap := tr.Snapshot()
	if snap.Stats.ChaptersCompleted != 0 {
		t.Errorf("completed = %d after phase change, want 0", snap.Stats.ChaptersCompleted)
	}
	if snap.CurrentPhase != "illustrate" {
		t.Errorf("phase = %q", snap.CurrentPhase)
	}
}

func TestLogSinkWritesProgressFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.md")

	bus := NewBus()
	sink := NewLogSink(bus, path, nil)

	bus.Publish(EventPhaseStart, PhasePayload{Phase: "analyze", ChaptersTotal: 2})
	bus.Publish(EventChapterComplete, ChapterPayload{Phase: "analyze", ChapterNum: 1, ChapterTitle: "Dawn", ScenesFound: 3, ConceptsFound: 2})
	bus.Publish(EventProgress, LogPayload{Level: "error", Message: "chapter 2 failed"})
	bus.Publish(EventStats, Stats{}) // must not produce a line

	bus.Close()
	sink.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("progress.md not written: %v", err)
	}
	out := string(data)

	if !strings.HasPrefix(out, "# Progress Log") {
		t.Errorf("missing header: %q", out[:min(len(out), 40)])
	}
	for _, want := range []string{"Phase **analyze** started", "Chapter 1 (analyze) complete: 3 scene(s), 2 element(s)", "❌ chapter 2 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("progress.md missing %q", want)
		}
	}
	if strings.Contains(out, "stats") {
		t.Error("stats event leaked into progress.md")
	}
}
