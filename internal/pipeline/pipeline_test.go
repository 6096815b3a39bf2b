package pipeline

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/llm"
	"github.com/storybrush/storybrush/internal/progress"
	"github.com/storybrush/storybrush/internal/registry"
	"github.com/storybrush/storybrush/internal/state"
	"github.com/storybrush/storybrush/internal/tokens"
)

func fastExecutor() *llm.Executor {
	return llm.NewExecutor(llm.Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		RateLimitDelay:    2 * time.Millisecond,
		RateLimitMaxDelay: 10 * time.Millisecond,
		CallTimeout:       time.Second,
	}, nil, nil)
}

func dragonBook() *book.Book {
	return &book.Book{
		Title: "Dragon Book",
		Chapters: []book.Chapter{
			{Number: 1, Title: "Dawn", Content: "...A dragon...", StartPage: 1, EndPage: 10},
			{Number: 2, Title: "Dusk", Content: "...Dragon again...", StartPage: 11, EndPage: 20},
		},
	}
}

type fixture struct {
	book    *book.Book
	layout  *book.Layout
	store   *state.Store
	reg     *registry.Registry
	tracker *progress.Tracker
	bus     *progress.Bus
}

func newFixture(t *testing.T, b *book.Book) *fixture {
	t.Helper()
	dir := t.TempDir()
	layout := book.NewLayout(dir)

	store, err := state.LoadOrCreate(layout.StatePath(), b, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus := progress.NewBus()
	t.Cleanup(bus.Close)

	return &fixture{
		book:    b,
		layout:  layout,
		store:   store,
		reg:     registry.New(layout.RegistryPath(), registry.Options{}),
		tracker: progress.NewTracker(bus, b.Title, len(b.Chapters)),
		bus:     bus,
	}
}

func (f *fixture) orchestrator(t *testing.T, chat llm.Client, images llm.ImageClient, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.ModelSpec.Name == "" {
		cfg.ModelSpec = tokens.ModelSpec{Name: "test", ContextLength: 100_000}
	}
	o, err := New(f.book, f.layout, f.store, f.reg, f.tracker, chat, images, fastExecutor(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

const ch1Analysis = `{
  "scenes": [{"quote": "A dragon", "description": "A green dragon over the dawn hills", "reasoning": "opening image"}],
  "elements": [{"type": "creature", "name": "Dragon", "description": "Green scales"}]
}`

const ch2Analysis = `{
  "scenes": [{"quote": "Dragon again", "description": "The dragon lands at dusk", "reasoning": "closing image"}],
  "elements": [{"name": "Dragon", "description": "Emerald eyes"}]
}`

func TestColdAnalyzeMergesDragon(t *testing.T) {
	f := newFixture(t, dragonBook())
	chat := llm.NewMockClient(
		llm.MockStep{Content: ch1Analysis},
		llm.MockStep{Content: ch2Analysis},
	)
	o := f.orchestrator(t, chat, nil, Config{MaxConcurrency: 1})

	if err := o.Run(context.Background(), []state.Phase{state.PhaseAnalyze}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	snap := f.store.Snapshot()
	for _, num := range []int{1, 2} {
		if st := snap.Phases[state.PhaseAnalyze].Chapters[num].Status; st != state.StatusCompleted {
			t.Errorf("chapter %d = %s, want completed", num, st)
		}
	}

	if f.reg.Len() != 1 {
		t.Fatalf("registry holds %d entities, want 1", f.reg.Len())
	}
	dragon, ok := f.reg.Get("Dragon")
	if !ok {
		t.Fatal("Dragon not in registry")
	}
	if !strings.Contains(dragon.Description, "Green scales") || !strings.Contains(dragon.Description, "Emerald eyes") {
		t.Errorf("description not fused: %q", dragon.Description)
	}
	if len(dragon.Appearances) != 2 || dragon.Appearances[0] != 1 || dragon.Appearances[1] != 2 {
		t.Errorf("appearances = %v, want [1 2]", dragon.Appearances)
	}

	// Artifacts written after the phase.
	if _, err := os.Stat(f.layout.ChaptersPath()); err != nil {
		t.Errorf("Chapters.md not written: %v", err)
	}
	if _, err := os.Stat(f.layout.ElementsPath()); err != nil {
		t.Errorf("Elements.md not written: %v", err)
	}
}

func TestAnalyzeIdempotent(t *testing.T) {
	f := newFixture(t, dragonBook())
	chat := llm.NewMockClient(
		llm.MockStep{Content: ch1Analysis},
		llm.MockStep{Content: ch2Analysis},
	)
	o := f.orchestrator(t, chat, nil, Config{MaxConcurrency: 1})

	if err := o.Run(context.Background(), []state.Phase{state.PhaseAnalyze}); err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := chat.CallCount()

	if err := o.Run(context.Background(), []state.Phase{state.PhaseAnalyze}); err != nil {
		t.Fatal(err)
	}
	if chat.CallCount() != callsAfterFirst {
		t.Errorf("second run made %d extra calls", chat.CallCount()-callsAfterFirst)
	}
}

func TestChapterFilterMapping(t *testing.T) {
	b := &book.Book{
		Title: "Front Matter Book",
		Chapters: []book.Chapter{
			{Number: 3, Title: "A", Content: "x"},
			{Number: 7, Title: "B", Content: "x"},
			{Number: 9, Title: "C", Content: "x"},
			{Number: 12, Title: "D", Content: "x"},
			{Number: 14, Title: "E", Content: "x"},
		},
	}
	positions, err := ParseChapterRange("1-2,5")
	if err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, b)
	o := f.orchestrator(t, llm.NewMockClient(llm.MockStep{Content: `{"scenes":[]}`}), nil,
		Config{ChapterPositions: positions})

	nums, err := o.selectedChapters()
	if err != nil {
		t.Fatal(err)
	}
	want := []int{3, 7, 14}
	if len(nums) != len(want) {
		t.Fatalf("selected %v, want %v", nums, want)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Errorf("selected %v, want %v", nums, want)
			break
		}
	}
}

func TestParseChapterRange(t *testing.T) {
	got, err := ParseChapterRange("5,1-3,2")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("parsed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parsed %v, want %v", got, want)
		}
	}

	for _, bad := range []string{"a", "2-1", "0", "1-,", ","} {
		if _, err := ParseChapterRange(bad); err == nil {
			t.Errorf("ParseChapterRange(%q) accepted", bad)
		}
	}
}

func TestElementsFilter(t *testing.T) {
	f, err := ParseElementsFilter("character:Mira")
	if err != nil {
		t.Fatal(err)
	}
	if !f.Matches(&registry.Entity{Type: "character", Name: "Mira"}) {
		t.Error("exact match rejected")
	}
	if f.Matches(&registry.Entity{Type: "creature", Name: "Mira"}) {
		t.Error("wrong type accepted")
	}

	f, _ = ParseElementsFilter("*:drag*")
	if !f.Matches(&registry.Entity{Type: "creature", Name: "Dragon"}) {
		t.Error("wildcard name rejected")
	}
	if f.Matches(&registry.Entity{Type: "creature", Name: "Serpent"}) {
		t.Error("non-matching name accepted")
	}

	f, _ = ParseElementsFilter("creature:*")
	if !f.Matches(&registry.Entity{Type: "creature", Name: "Anything"}) {
		t.Error("type-only filter rejected")
	}

	if _, err := ParseElementsFilter("nocolon"); err == nil {
		t.Error("missing colon accepted")
	}
}

func TestRateLimitRecovery(t *testing.T) {
	f := newFixture(t, &book.Book{
		Title:    "One Chapter",
		Chapters: []book.Chapter{{Number: 1, Title: "Only", Content: "text"}},
	})
	chat := llm.NewMockClient(
		llm.MockStep{Err: &llm.RateLimitError{Message: "rate limit exceeded"}},
		llm.MockStep{Err: &llm.RateLimitError{Message: "rate limit exceeded"}},
		llm.MockStep{Content: `{"scenes":[{"description":"a scene"}],"elements":[]}`},
	)
	o := f.orchestrator(t, chat, nil, Config{MaxConcurrency: 1})

	if err := o.Run(context.Background(), []state.Phase{state.PhaseAnalyze}); err != nil {
		t.Fatalf("Run failed after rate-limit recovery: %v", err)
	}
	if chat.CallCount() != 3 {
		t.Errorf("made %d calls, want 3", chat.CallCount())
	}
	snap := f.store.Snapshot()
	if snap.Phases[state.PhaseAnalyze].Chapters[1].Status != state.StatusCompleted {
		t.Error("chapter not completed after recovery")
	}
}

func TestPersistentFailureMarksChapter(t *testing.T) {
	f := newFixture(t, dragonBook())
	chat := llm.NewMockClient(llm.MockStep{Content: "this is not json"})
	o := f.orchestrator(t, chat, nil, Config{MaxConcurrency: 1, SkipFailed: true})

	if err := o.Run(context.Background(), []state.Phase{state.PhaseAnalyze}); err != nil {
		t.Fatalf("skip-failed run must not fail: %v", err)
	}

	snap := f.store.Snapshot()
	for _, num := range []int{1, 2} {
		ch := snap.Phases[state.PhaseAnalyze].Chapters[num]
		if ch.Status != state.StatusFailed {
			t.Errorf("chapter %d = %s, want failed", num, ch.Status)
		}
		if ch.RawResponse == "" {
			t.Errorf("chapter %d failure lacks raw response", num)
		}
	}
}

func TestClearErrorsCycle(t *testing.T) {
	f := newFixture(t, &book.Book{
		Title:    "One Chapter",
		Chapters: []book.Chapter{{Number: 1, Title: "Only", Content: "text"}},
	})
	chat := llm.NewMockClient(
		llm.MockStep{Content: "garbage"},
		llm.MockStep{Content: `{"scenes":[{"description":"a scene"}]}`},
	)

	o := f.orchestrator(t, chat, nil, Config{MaxConcurrency: 1, SkipFailed: true})
	if err := o.Run(context.Background(), []state.Phase{state.PhaseAnalyze}); err != nil {
		t.Fatal(err)
	}
	if f.store.Snapshot().Phases[state.PhaseAnalyze].Chapters[1].Status != state.StatusFailed {
		t.Fatal("setup: chapter not failed")
	}

	// Parse failures consume the first two scripted attempts (retry treats
	// malformed JSON as permanent, so only one call was made). Re-run with
	// clear-errors.
	o2 := f.orchestrator(t, chat, nil, Config{MaxConcurrency: 1, ClearErrors: true})
	if err := o2.Run(context.Background(), []state.Phase{state.PhaseAnalyze}); err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	if st := f.store.Snapshot().Phases[state.PhaseAnalyze].Chapters[1].Status; st != state.StatusCompleted {
		t.Errorf("chapter = %s after clear-errors re-run, want completed", st)
	}
}

func seedAnalyzed(t *testing.T, f *fixture, num int, scenes []book.Scene) {
	t.Helper()
	if err := f.store.UpdateChapter(state.PhaseAnalyze, num, func(cs *state.ChapterState) {
		cs.Status = state.StatusCompleted
		cs.Scenes = scenes
	}); err != nil {
		t.Fatal(err)
	}
}

func TestIllustrateResumeSkipsExistingImages(t *testing.T) {
	b := &book.Book{
		Title:    "One Chapter",
		Chapters: []book.Chapter{{Number: 1, Title: "Only", Content: "text"}},
	}
	f := newFixture(t, b)
	seedAnalyzed(t, f, 1, []book.Scene{
		{Index: 1, ChapterNum: 1, Description: "scene one"},
		{Index: 2, ChapterNum: 1, Description: "scene two"},
		{Index: 3, ChapterNum: 1, Description: "scene three"},
	})

	// Two of three images survived the previous run.
	for _, idx := range []int{1, 2} {
		path := f.layout.ImagePath(1, "Only", idx)
		if err := os.WriteFile(path, []byte("old-image"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	images := llm.NewMockImageClient([]byte("new-image"))
	o := f.orchestrator(t, llm.NewMockClient(llm.MockStep{Content: "{}"}), images,
		Config{MaxConcurrency: 1, StyleBootstrapCount: 0})

	if err := o.Run(context.Background(), []state.Phase{state.PhaseIllustrate}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := len(images.Prompts()); got != 1 {
		t.Errorf("image endpoint called %d times, want exactly 1", got)
	}
	// Existing files untouched.
	for _, idx := range []int{1, 2} {
		data, _ := os.ReadFile(f.layout.ImagePath(1, "Only", idx))
		if string(data) != "old-image" {
			t.Errorf("image %d was rewritten", idx)
		}
	}
	data, err := os.ReadFile(f.layout.ImagePath(1, "Only", 3))
	if err != nil || string(data) != "new-image" {
		t.Errorf("third image not rendered: %v", err)
	}
}

func TestStyleBootstrap(t *testing.T) {
	b := &book.Book{
		Title: "Two Chapters",
		Chapters: []book.Chapter{
			{Number: 1, Title: "One", Content: "x"},
			{Number: 2, Title: "Two", Content: "x"},
		},
	}
	f := newFixture(t, b)
	seedAnalyzed(t, f, 1, []book.Scene{
		{Index: 1, ChapterNum: 1, Description: "s1"},
		{Index: 2, ChapterNum: 1, Description: "s2"},
		{Index: 3, ChapterNum: 1, Description: "s3"},
	})
	seedAnalyzed(t, f, 2, []book.Scene{
		{Index: 1, ChapterNum: 2, Description: "s4"},
		{Index: 2, ChapterNum: 2, Description: "s5"},
	})

	chat := llm.NewMockClient(llm.MockStep{
		Content: `{"style": "soft watercolor with ink outlines", "palette": "muted greens", "medium": "watercolor"}`,
	})
	images := llm.NewMockImageClient([]byte("img"))
	o := f.orchestrator(t, chat, images, Config{MaxConcurrency: 2, StyleBootstrapCount: 3})

	if err := o.Run(context.Background(), []state.Phase{state.PhaseIllustrate}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Guide persisted after the third image.
	guide, err := LoadStyleGuide(f.layout.StyleGuidePath())
	if err != nil || guide == nil {
		t.Fatalf("style guide not persisted: %v", err)
	}
	if guide.Style != "soft watercolor with ink outlines" {
		t.Errorf("guide = %+v", guide)
	}
	if chat.CallCount() != 1 {
		t.Errorf("synthesis calls = %d, want 1", chat.CallCount())
	}

	prompts := images.Prompts()
	if len(prompts) != 5 {
		t.Fatalf("rendered %d images, want 5", len(prompts))
	}
	styled := 0
	for _, p := range prompts {
		if strings.Contains(p, "soft watercolor") {
			styled++
		}
	}
	// The three bootstrap prompts carry no style; the remaining two do.
	if styled != 2 {
		t.Errorf("%d prompts carried the style guide, want 2", styled)
	}
	if f.store.Snapshot().StyleGuideDone != true {
		t.Error("state does not record the bootstrap")
	}
}

func TestStyleBootstrapResumesFromDisk(t *testing.T) {
	b := &book.Book{
		Title:    "One Chapter",
		Chapters: []book.Chapter{{Number: 1, Title: "Only", Content: "x"}},
	}
	f := newFixture(t, b)
	seedAnalyzed(t, f, 1, []book.Scene{
		{Index: 1, ChapterNum: 1, Description: "s1"},
		{Index: 2, ChapterNum: 1, Description: "s2"},
		{Index: 3, ChapterNum: 1, Description: "s3"},
	})
	// All bootstrap images exist; the synthesis call was interrupted.
	for _, idx := range []int{1, 2, 3} {
		os.WriteFile(f.layout.ImagePath(1, "Only", idx), []byte("img"), 0o644)
	}
	// Force re-render of nothing: illustrate sees existing files and only
	// synthesis remains.
	chat := llm.NewMockClient(llm.MockStep{Content: `{"style": "charcoal sketch"}`})
	images := llm.NewMockImageClient([]byte("img"))
	o := f.orchestrator(t, chat, images, Config{MaxConcurrency: 1, StyleBootstrapCount: 3})

	if err := o.Run(context.Background(), []state.Phase{state.PhaseIllustrate}); err != nil {
		t.Fatal(err)
	}
	guide, err := LoadStyleGuide(f.layout.StyleGuidePath())
	if err != nil || guide == nil || guide.Style != "charcoal sketch" {
		t.Fatalf("guide not synthesized from resumed bootstrap: %+v, %v", guide, err)
	}
	if len(images.Prompts()) != 0 {
		t.Errorf("image endpoint called %d times, want 0", len(images.Prompts()))
	}
}

func TestEnrichIsIdempotentAndOffline(t *testing.T) {
	f := newFixture(t, dragonBook())
	f.reg.Upsert(context.Background(),
		&registry.Entity{Type: "creature", Name: "Dragon", Description: "Green scales, emerald eyes"}, 1)
	seedAnalyzed(t, f, 1, []book.Scene{{Index: 1, ChapterNum: 1, Description: "A dragon over the hills"}})
	seedAnalyzed(t, f, 2, []book.Scene{{Index: 1, ChapterNum: 2, Description: "An empty field"}})

	chat := llm.NewMockClient(llm.MockStep{Content: "{}"})
	o := f.orchestrator(t, chat, nil, Config{MaxConcurrency: 1})

	if err := o.Run(context.Background(), []state.Phase{state.PhaseEnrich}); err != nil {
		t.Fatal(err)
	}
	if chat.CallCount() != 0 {
		t.Errorf("enrich made %d AI calls, want 0", chat.CallCount())
	}

	scenes := f.store.Snapshot().ScenesByChapter()
	if !strings.Contains(scenes[1][0].Description, "Green scales") {
		t.Errorf("scene not enriched: %q", scenes[1][0].Description)
	}
	if strings.Contains(scenes[2][0].Description, "Character details") {
		t.Errorf("unmentioned scene was enriched: %q", scenes[2][0].Description)
	}

	// Second pass must not stack the block.
	if err := f.store.ForceReset(state.PhaseEnrich, nil); err != nil {
		t.Fatal(err)
	}
	if err := o.Run(context.Background(), []state.Phase{state.PhaseEnrich}); err != nil {
		t.Fatal(err)
	}
	enriched := f.store.Snapshot().ScenesByChapter()[1][0].Description
	if strings.Count(enriched, "Character details:") != 1 {
		t.Errorf("details block stacked: %q", enriched)
	}
}

func TestExtractBulkVsIterative(t *testing.T) {
	f := newFixture(t, dragonBook())
	chat := llm.NewMockClient(llm.MockStep{
		Content: `{"elements":[{"type":"creature","name":"Dragon","description":"Green scales"}]}`,
	})
	o := f.orchestrator(t, chat, nil, Config{MaxConcurrency: 1, BulkExtractCap: 100_000})

	if err := o.Run(context.Background(), []state.Phase{state.PhaseExtract}); err != nil {
		t.Fatal(err)
	}
	if chat.CallCount() != 1 {
		t.Errorf("bulk extract made %d calls, want 1", chat.CallCount())
	}
	if f.reg.Len() != 1 {
		t.Errorf("registry holds %d entities", f.reg.Len())
	}

	// Iterative path: cap below the book size forces one call per chapter.
	f2 := newFixture(t, dragonBook())
	chat2 := llm.NewMockClient(llm.MockStep{
		Content: `{"elements":[{"type":"creature","name":"Dragon","description":"Green scales"}]}`,
	})
	o2 := f2.orchestrator(t, chat2, nil, Config{MaxConcurrency: 1, BulkExtractCap: 5})
	if err := o2.Run(context.Background(), []state.Phase{state.PhaseExtract}); err != nil {
		t.Fatal(err)
	}
	if chat2.CallCount() != 2 {
		t.Errorf("iterative extract made %d calls, want 2", chat2.CallCount())
	}
}

func TestForceResetsOnlySelectedScope(t *testing.T) {
	f := newFixture(t, dragonBook())
	chat := llm.NewMockClient(
		llm.MockStep{Content: ch1Analysis},
		llm.MockStep{Content: ch2Analysis},
	)
	o := f.orchestrator(t, chat, nil, Config{MaxConcurrency: 1})
	if err := o.Run(context.Background(), []state.Phase{state.PhaseAnalyze}); err != nil {
		t.Fatal(err)
	}

	// Force re-run chapter 1 only.
	chat2 := llm.NewMockClient(llm.MockStep{Content: ch1Analysis})
	o2 := f.orchestrator(t, chat2, nil, Config{
		MaxConcurrency: 1, Force: true, ChapterPositions: []int{1},
	})
	if err := o2.Run(context.Background(), []state.Phase{state.PhaseAnalyze}); err != nil {
		t.Fatal(err)
	}
	if chat2.CallCount() != 1 {
		t.Errorf("forced narrow run made %d calls, want 1", chat2.CallCount())
	}
	// Chapter 2 kept its completed slot.
	if st := f.store.Snapshot().Phases[state.PhaseAnalyze].Chapters[2].Status; st != state.StatusCompleted {
		t.Errorf("chapter 2 = %s after narrow force, want completed", st)
	}
}

func TestBareArrayResponseTreatedAsScenes(t *testing.T) {
	resp, err := parseAnalysisResponse([]byte(`[{"description": "a scene"}]`))
	if err != nil {
		t.Fatalf("bare array rejected: %v", err)
	}
	if len(resp.Scenes) != 1 || resp.Scenes[0].Description != "a scene" {
		t.Errorf("parsed = %+v", resp)
	}

	resp, err = parseAnalysisResponse([]byte("```json\n{\"scenes\": []}\n```"))
	if err != nil {
		t.Fatalf("fenced response rejected: %v", err)
	}
	if resp.Scenes == nil && resp.Elements != nil {
		t.Errorf("parsed = %+v", resp)
	}
}

func TestSceneCount(t *testing.T) {
	ch := &book.Chapter{StartPage: 1, EndPage: 30}
	if k := sceneCount(ch, 10); k != 3 {
		t.Errorf("k = %d, want 3", k)
	}
	short := &book.Chapter{StartPage: 1, EndPage: 2}
	if k := sceneCount(short, 10); k != 1 {
		t.Errorf("k = %d, want minimum 1", k)
	}
}

func TestChunkChapterSplitsOversized(t *testing.T) {
	f := newFixture(t, dragonBook())
	o := f.orchestrator(t, llm.NewMockClient(llm.MockStep{Content: "{}"}), nil, Config{
		ModelSpec: tokens.ModelSpec{Name: "tiny", ContextLength: 1000},
	})

	big := strings.Repeat("Some sentence about dragons and hills. ", 500)
	chunks := o.chunkChapter(&book.Chapter{Number: 1, Content: big})
	if len(chunks) < 2 {
		t.Errorf("oversized chapter produced %d chunks", len(chunks))
	}

	small := o.chunkChapter(&book.Chapter{Number: 1, Content: "short"})
	if len(small) != 1 {
		t.Errorf("small chapter produced %d chunks", len(small))
	}
}

func TestRegenerateSceneOverwritesImage(t *testing.T) {
	f := newFixture(t, dragonBook())
	chat := llm.NewMockClient(
		llm.MockStep{Content: ch1Analysis},
		llm.MockStep{Content: ch2Analysis},
	)
	o := f.orchestrator(t, chat, llm.NewMockImageClient([]byte("first-render")), Config{
		MaxConcurrency: 1,
	})
	if err := o.Run(context.Background(), []state.Phase{state.PhaseAnalyze, state.PhaseIllustrate}); err != nil {
		t.Fatal(err)
	}

	path := f.layout.ImagePath(1, "Dawn", 1)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("illustrate did not write %s: %v", path, err)
	}

	o2 := f.orchestrator(t, chat, llm.NewMockImageClient([]byte("second-render")), Config{
		MaxConcurrency: 1,
	})
	if err := o2.RegenerateScene(context.Background(), 1, 1); err != nil {
		t.Fatalf("RegenerateScene failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second-render" {
		t.Errorf("image not overwritten: %q", data)
	}

	scenes := f.store.Snapshot().ScenesByChapter()[1]
	if len(scenes) == 0 || scenes[0].ImagePath != path {
		t.Errorf("scene record path = %+v", scenes)
	}

	if err := o2.RegenerateScene(context.Background(), 1, 99); err == nil {
		t.Error("unknown scene index accepted")
	}
	if err := o2.RegenerateScene(context.Background(), 42, 1); err == nil {
		t.Error("unknown chapter accepted")
	}
}
