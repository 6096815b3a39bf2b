package pipeline

import (
	"context"
	"fmt"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/state"
)

// RegenerateScene re-renders one scene's image, overwriting the existing
// file. Scene records come from Chapters.md, so regeneration works against
// any output directory whose analyze phase has run.
func (o *Orchestrator) RegenerateScene(ctx context.Context, chapterNum, sceneIdx int) error {
	if o.images == nil {
		return fmt.Errorf("no image endpoint configured")
	}
	ch := o.book.Chapter(chapterNum)
	if ch == nil {
		return fmt.Errorf("chapter %d not in book", chapterNum)
	}

	scenes, err := book.ParseChaptersMarkdown(o.layout.ChaptersPath())
	if err != nil {
		return fmt.Errorf("failed to read scene records: %w", err)
	}
	var target *book.Scene
	for i := range scenes[chapterNum] {
		if scenes[chapterNum][i].Index == sceneIdx {
			target = &scenes[chapterNum][i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("chapter %d has no scene %d", chapterNum, sceneIdx)
	}

	guide, err := LoadStyleGuide(o.layout.StyleGuidePath())
	if err != nil {
		return err
	}
	// No bootstrap on a single-scene rerun; whatever guide exists applies.
	o.gate = &styleGate{done: true, guide: guide}

	path := o.layout.ImagePath(chapterNum, ch.Title, sceneIdx)
	if err := o.renderScene(ctx, target, path); err != nil {
		return err
	}
	o.tracker.LogImage(chapterNum, sceneIdx, path)

	return o.store.UpdateChapter(state.PhaseAnalyze, chapterNum, func(cs *state.ChapterState) {
		for i := range cs.Scenes {
			if cs.Scenes[i].Index == sceneIdx {
				cs.Scenes[i].ImagePath = path
			}
		}
	})
}
