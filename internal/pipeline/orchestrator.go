// Package pipeline runs the illustration phases (analyze, extract, enrich,
// illustrate) over a parsed book, with durable per-chapter state, bounded
// concurrency, and rate-limit-aware retries.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/llm"
	"github.com/storybrush/storybrush/internal/progress"
	"github.com/storybrush/storybrush/internal/registry"
	"github.com/storybrush/storybrush/internal/state"
	"github.com/storybrush/storybrush/internal/tokens"
)

// DefaultMaxConcurrency bounds the worker pool for analyze and illustrate.
const DefaultMaxConcurrency = 3

// DefaultBulkExtractCap is the byte ceiling for the bulk extract strategy.
const DefaultBulkExtractCap = 50_000

// DefaultPagesPerImage sets how many pages of text yield one scene.
const DefaultPagesPerImage = 10

// Config carries the per-run knobs of the orchestrator.
type Config struct {
	MaxConcurrency      int
	PagesPerImage       int
	StyleBootstrapCount int
	BulkExtractCap      int

	// ChapterPositions are 1-based reading-order positions from --chapters;
	// nil selects every chapter.
	ChapterPositions []int
	Filter           ElementsFilter
	Limit            int

	Force       bool
	SkipFailed  bool
	RetryFailed bool
	ClearErrors bool

	ChatModel      string
	ImageModel     string
	ImageSize      string
	ExpectedOutput int // expected completion size for token estimates
	ModelSpec      tokens.ModelSpec
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.PagesPerImage <= 0 {
		c.PagesPerImage = DefaultPagesPerImage
	}
	if c.BulkExtractCap <= 0 {
		c.BulkExtractCap = DefaultBulkExtractCap
	}
	if c.ExpectedOutput <= 0 {
		c.ExpectedOutput = 2000
	}
}

// Orchestrator sequences phases over one book. Phases run strictly in
// order; within a phase, chapters run through a bounded pool.
type Orchestrator struct {
	book    *book.Book
	layout  *book.Layout
	store   *state.Store
	reg     *registry.Registry
	tracker *progress.Tracker
	chat    llm.Client
	images  llm.ImageClient
	exec    *llm.Executor
	cfg     Config
	logger  *slog.Logger

	schema *jsonschema.Schema
	gate   *styleGate

	started time.Time
}

// New wires an orchestrator. images may be nil when the illustrate phase is
// not requested.
func New(b *book.Book, layout *book.Layout, store *state.Store, reg *registry.Registry,
	tracker *progress.Tracker, chat llm.Client, images llm.ImageClient,
	exec *llm.Executor, cfg Config, logger *slog.Logger) (*Orchestrator, error) {

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := llm.CompileSchema("analysis.json", []byte(analysisSchema))
	if err != nil {
		return nil, fmt.Errorf("analysis schema is invalid: %w", err)
	}
	return &Orchestrator{
		book:    b,
		layout:  layout,
		store:   store,
		reg:     reg,
		tracker: tracker,
		chat:    chat,
		images:  images,
		exec:    exec,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		schema:  schema,
	}, nil
}

// selectedChapters resolves the --chapters positions against the book and
// applies --limit. Returns dense chapter numbers in reading order.
func (o *Orchestrator) selectedChapters() ([]int, error) {
	var nums []int
	if o.cfg.ChapterPositions == nil {
		nums = o.book.ChapterNumbers()
	} else {
		var err error
		nums, err = o.book.MapReadingOrder(o.cfg.ChapterPositions)
		if err != nil {
			return nil, err
		}
	}
	return applyLimit(nums, o.cfg.Limit), nil
}

// Run executes the requested phases in pipeline order. Each phase is a
// barrier: no chapter enters phase k+1 until phase k has finished its pass.
func (o *Orchestrator) Run(ctx context.Context, phases []state.Phase) error {
	o.started = time.Now()

	nums, err := o.selectedChapters()
	if err != nil {
		return err
	}
	if len(nums) == 0 {
		o.logger.Info("no chapters selected, nothing to do")
		return nil
	}

	for _, phase := range phases {
		if err := o.preparePhase(phase, nums); err != nil {
			return err
		}
	}

	for _, phase := range phases {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		o.tracker.SetPhase(string(phase), len(nums))
		if err := o.store.UpdatePhase(phase, state.StatusInProgress); err != nil {
			return err
		}

		var phaseErr error
		switch phase {
		case state.PhaseAnalyze:
			phaseErr = o.runAnalyze(ctx, nums)
		case state.PhaseExtract:
			phaseErr = o.runExtract(ctx, nums)
		case state.PhaseEnrich:
			phaseErr = o.runEnrich(ctx, nums)
		case state.PhaseIllustrate:
			phaseErr = o.runIllustrate(ctx, nums)
		default:
			phaseErr = fmt.Errorf("unknown phase %q", phase)
		}
		if phaseErr != nil {
			return fmt.Errorf("phase %s: %w", phase, phaseErr)
		}
	}
	return nil
}

// preparePhase applies --clear-errors and --force to the selected scope
// before any work is scheduled.
func (o *Orchestrator) preparePhase(phase state.Phase, nums []int) error {
	if o.cfg.ClearErrors {
		n, err := o.store.ClearErrors(phase)
		if err != nil {
			return err
		}
		if n > 0 {
			fmt.Fprintf(os.Stdout, "Cleared %d failed chapter(s) for retry\n", n)
			o.tracker.Log("info", fmt.Sprintf("Cleared %d failed chapter(s) for retry", n))
		}
	}
	if o.cfg.Force {
		// Only the selected slots are rewritten; unselected chapters keep
		// their completed status.
		if err := o.store.ForceReset(phase, nums); err != nil {
			return err
		}
	}
	return nil
}

// shouldProcess decides whether a chapter needs work in phase. Completed
// chapters are skipped; failed ones only run under --retry-failed (or after
// --clear-errors, which already reset them to pending).
func (o *Orchestrator) shouldProcess(phase state.Phase, num int) bool {
	snap := o.store.Snapshot()
	ps := snap.Phases[phase]
	if ps == nil {
		return true
	}
	ch := ps.Chapters[num]
	if ch == nil {
		return true
	}
	switch ch.Status {
	case state.StatusCompleted:
		return false
	case state.StatusFailed:
		return o.cfg.RetryFailed
	default:
		return true
	}
}

// failChapter records a failure and decides whether the pool continues.
func (o *Orchestrator) failChapter(phase state.Phase, num int, raw string, cause error) error {
	if err := o.store.MarkFailed(phase, num, cause.Error(), raw); err != nil {
		return err
	}
	o.tracker.Log("error", fmt.Sprintf("Chapter %d %s failed: %v", num, phase, cause))
	if o.cfg.SkipFailed {
		o.logger.Warn("chapter failed, continuing", "phase", phase, "chapter", num, "error", cause)
		return nil
	}
	return fmt.Errorf("chapter %d: %w", num, cause)
}

// runPool schedules fn for each chapter number through a bounded pool,
// dequeuing in ascending order.
func (o *Orchestrator) runPool(ctx context.Context, width int, nums []int, fn func(context.Context, int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(width)
	for _, num := range nums {
		num := num
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fn(ctx, num)
		})
	}
	return g.Wait()
}

// writeArtifacts refreshes the human-readable outputs after a mutating
// phase.
func (o *Orchestrator) writeArtifacts() error {
	scenes := o.store.Snapshot().ScenesByChapter()
	if err := book.WriteChaptersMarkdown(o.layout.ChaptersPath(), o.book, scenes); err != nil {
		return err
	}
	if err := o.reg.WriteElementsMarkdown(o.layout.ElementsPath(), o.book.Title); err != nil {
		return err
	}
	if err := book.WriteContentsMarkdown(o.layout.ContentsPath(), o.book, scenes); err != nil {
		return err
	}
	return o.reg.Save()
}

// Summary renders the end-of-run report printed on exit.
func (o *Orchestrator) Summary() string {
	snap := o.store.Snapshot()

	var b strings.Builder
	b.WriteString("\n=== Run Summary ===\n")
	fmt.Fprintf(&b, "Book: %s\n", snap.BookTitle)
	for _, phase := range state.AllPhases {
		ps := snap.Phases[phase]
		if ps == nil {
			continue
		}
		completed, failed := 0, 0
		for _, ch := range ps.Chapters {
			switch ch.Status {
			case state.StatusCompleted:
				completed++
			case state.StatusFailed:
				failed++
			}
		}
		fmt.Fprintf(&b, "  %-10s %-12s %d/%d chapters completed", phase, ps.Status, completed, len(ps.Chapters))
		if failed > 0 {
			fmt.Fprintf(&b, ", %d failed", failed)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Tokens: %d prompt, %d completion ($%.4f)\n",
		snap.Usage.PromptTokens, snap.Usage.CompletionTokens, snap.Usage.CostUSD)
	fmt.Fprintf(&b, "Images: %d\n", snap.Usage.ImagesGenerated)
	fmt.Fprintf(&b, "Elements: %d\n", o.reg.Len())
	if !o.started.IsZero() {
		fmt.Fprintf(&b, "Elapsed: %s\n", time.Since(o.started).Round(time.Second))
	}

	// Failed chapters surface their reasons so a re-run with --clear-errors
	// is an informed choice.
	for _, phase := range state.AllPhases {
		ps := snap.Phases[phase]
		if ps == nil {
			continue
		}
		for num, ch := range ps.Chapters {
			if ch.Status == state.StatusFailed {
				fmt.Fprintf(&b, "  failed: %s chapter %d: %s\n", phase, num, ch.Error)
			}
		}
	}
	return b.String()
}
