package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/fsutil"
	"github.com/storybrush/storybrush/internal/llm"
	"github.com/storybrush/storybrush/internal/state"
)

// styleGate serializes image generation until the bootstrap count is
// reached and a style guide has been synthesized. Once done, generation
// proceeds in parallel with the guide applied. A persisted guide (or a
// bootstrap count of zero) opens the gate immediately.
type styleGate struct {
	mu        sync.Mutex
	need      int
	collected [][]byte
	guide     *StyleGuide
	done      bool
}

// Guide returns the active style guide, nil while bootstrapping.
func (g *styleGate) Guide() *StyleGuide {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.guide
}

// runIllustrate renders every enriched scene of the selected chapters.
// Scenes within a chapter run in order; chapters interleave up to the pool
// width once the bootstrap gate is open.
func (o *Orchestrator) runIllustrate(ctx context.Context, nums []int) error {
	if o.images == nil {
		return fmt.Errorf("no image endpoint configured")
	}

	guide, err := LoadStyleGuide(o.layout.StyleGuidePath())
	if err != nil {
		return err
	}
	o.gate = &styleGate{need: o.cfg.StyleBootstrapCount, guide: guide}
	if guide != nil || o.cfg.StyleBootstrapCount <= 0 {
		// A count of zero disables style extraction entirely.
		o.gate.done = true
	} else {
		o.preloadBootstrapImages(nums)
		if len(o.gate.collected) >= o.gate.need {
			// A previous run rendered enough images but died before the
			// synthesis call; finish it before any new generation.
			if serr := o.finishBootstrap(ctx); serr != nil {
				o.logger.Warn("style guide synthesis failed", "error", serr)
				o.gate.done = true
			}
		}
	}

	err = o.runPool(ctx, o.cfg.MaxConcurrency, nums, func(ctx context.Context, num int) error {
		return o.illustrateChapter(ctx, num)
	})
	if werr := o.writeArtifacts(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// preloadBootstrapImages feeds images already on disk into the gate, so an
// interrupted bootstrap resumes its count instead of restarting it.
func (o *Orchestrator) preloadBootstrapImages(nums []int) {
	scenes := o.store.Snapshot().ScenesByChapter()
	for _, num := range nums {
		ch := o.book.Chapter(num)
		if ch == nil {
			continue
		}
		for _, sc := range scenes[num] {
			if len(o.gate.collected) >= o.gate.need {
				return
			}
			data, err := os.ReadFile(o.layout.ImagePath(num, ch.Title, sc.Index))
			if err != nil {
				continue
			}
			o.gate.collected = append(o.gate.collected, data)
		}
	}
}

// illustrateChapter renders each scene of one chapter in order.
func (o *Orchestrator) illustrateChapter(ctx context.Context, num int) error {
	ch := o.book.Chapter(num)
	if ch == nil {
		return fmt.Errorf("chapter %d not in book", num)
	}
	if !o.shouldProcess(state.PhaseIllustrate, num) {
		o.logger.Debug("chapter already illustrated, skipping", "chapter", num)
		return nil
	}

	scenes := o.store.Snapshot().ScenesByChapter()[num]
	if len(scenes) == 0 {
		// Nothing analyzed for this chapter; the slot still reaches
		// completed so the phase can settle.
		o.logger.Warn("chapter has no scenes to illustrate", "chapter", num)
	}
	scenes = o.filterScenes(scenes)

	if err := o.store.UpdateChapter(state.PhaseIllustrate, num, func(cs *state.ChapterState) {
		cs.Status = state.StatusInProgress
	}); err != nil {
		return err
	}
	o.tracker.StartChapter(num, ch.Title)

	rendered := 0
	for i := range scenes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sc := &scenes[i]
		path := o.layout.ImagePath(num, ch.Title, sc.Index)
		if _, err := os.Stat(path); err == nil {
			// Resume: the image survived a previous run, no new call.
			sc.ImagePath = path
			continue
		}

		if err := o.renderScene(ctx, sc, path); err != nil {
			return o.failChapter(state.PhaseIllustrate, num, "", fmt.Errorf("scene %d: %w", sc.Index, err))
		}
		sc.ImagePath = path
		rendered++
		o.tracker.LogImage(num, sc.Index, path)
	}

	if err := o.store.UpdateChapter(state.PhaseIllustrate, num, func(cs *state.ChapterState) {
		cs.Status = state.StatusCompleted
	}); err != nil {
		return err
	}
	if len(scenes) > 0 {
		if err := o.store.UpdateChapter(state.PhaseAnalyze, num, func(cs *state.ChapterState) {
			for i := range cs.Scenes {
				for j := range scenes {
					if cs.Scenes[i].Index == scenes[j].Index {
						cs.Scenes[i].ImagePath = scenes[j].ImagePath
					}
				}
			}
		}); err != nil {
			return err
		}
	}
	o.tracker.CompleteChapter(num, ch.Title, rendered, 0)
	return nil
}

// filterScenes applies --elements-filter: only scenes mentioning a matching
// entity are rendered. An empty filter keeps everything.
func (o *Orchestrator) filterScenes(scenes []book.Scene) []book.Scene {
	if o.cfg.Filter.IsZero() {
		return scenes
	}
	var kept []book.Scene
	for _, sc := range scenes {
		for _, e := range o.reg.GetMentions(sc.Description) {
			if o.cfg.Filter.Matches(e) {
				kept = append(kept, sc)
				break
			}
		}
	}
	return kept
}

// renderScene generates one image, routing through the bootstrap gate while
// it is closed, and writes the bytes atomically.
func (o *Orchestrator) renderScene(ctx context.Context, sc *book.Scene, path string) error {
	gateHeld := false
	if o.gate != nil {
		o.gate.mu.Lock()
		if o.gate.done {
			o.gate.mu.Unlock()
		} else {
			gateHeld = true
		}
	}
	if gateHeld {
		defer o.gate.mu.Unlock()
	}

	var style *StyleGuide
	if o.gate != nil && !gateHeld {
		style = o.gate.Guide()
	}
	// While the gate is held the guide is nil: bootstrap images define the
	// style rather than follow one.

	prompt := composeImagePrompt(*sc, style, o.reg)

	var res *llm.ImageResult
	err := o.exec.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = o.images.Generate(ctx, &llm.ImageRequest{
			Prompt: prompt,
			Model:  o.cfg.ImageModel,
			Size:   o.cfg.ImageSize,
		})
		return callErr
	})
	if err != nil {
		return err
	}

	if err := fsutil.WriteFile(path, res.Data, 0o644); err != nil {
		return err
	}
	if uerr := o.store.AddImage(); uerr != nil {
		o.logger.Warn("failed to persist image counter", "path", path, "error", uerr)
	}

	if gateHeld {
		o.gate.collected = append(o.gate.collected, res.Data)
		if len(o.gate.collected) >= o.gate.need {
			if err := o.finishBootstrap(ctx); err != nil {
				// The guide is an enhancement; images keep rendering
				// without one and the next run retries synthesis.
				o.logger.Warn("style guide synthesis failed", "error", err)
				o.gate.done = true
			}
		}
	}
	return nil
}

// finishBootstrap synthesizes and persists the style guide from the
// collected images. Caller holds the gate.
func (o *Orchestrator) finishBootstrap(ctx context.Context) error {
	o.tracker.Log("info", "Synthesizing visual style guide from bootstrap images")

	guide, err := synthesizeStyleGuide(ctx, o.chat, o.cfg.ChatModel, o.gate.collected)
	if err != nil {
		return err
	}
	if err := guide.Save(o.layout.StyleGuidePath()); err != nil {
		return err
	}
	if err := o.store.SetStyleGuideDone(); err != nil {
		return err
	}

	o.gate.guide = guide
	o.gate.done = true
	o.gate.collected = nil
	o.tracker.Log("success", "Style guide persisted; applying to subsequent images")
	return nil
}
