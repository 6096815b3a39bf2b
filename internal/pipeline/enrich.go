package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/storybrush/storybrush/internal/state"
)

// characterDetailsMarker guards enrichment idempotence: a scene that already
// carries the block is never enriched twice.
const characterDetailsMarker = "Character details:"

// runEnrich appends registry facts to every analyzed scene description.
// The phase is sequential, makes no model calls, and is idempotent.
func (o *Orchestrator) runEnrich(ctx context.Context, nums []int) error {
	scenesByChapter := o.store.Snapshot().ScenesByChapter()

	for _, num := range nums {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !o.shouldProcess(state.PhaseEnrich, num) {
			continue
		}

		scenes := scenesByChapter[num]
		enriched := 0
		for i := range scenes {
			if strings.Contains(scenes[i].Description, characterDetailsMarker) {
				continue
			}
			mentions := o.reg.GetMentions(scenes[i].Description)
			if len(mentions) > 0 && !o.cfg.Filter.IsZero() {
				kept := mentions[:0]
				for _, e := range mentions {
					if o.cfg.Filter.Matches(e) {
						kept = append(kept, e)
					}
				}
				mentions = kept
			}
			if len(mentions) == 0 {
				continue
			}

			var b strings.Builder
			b.WriteString(scenes[i].Description)
			b.WriteString("\n\n")
			b.WriteString(characterDetailsMarker)
			b.WriteString("\n")
			for _, e := range mentions {
				fmt.Fprintf(&b, "- %s (%s): %s\n", e.Name, e.Type, e.Description)
			}
			scenes[i].Description = b.String()
			enriched++
		}

		if err := o.store.UpdateChapter(state.PhaseEnrich, num, func(cs *state.ChapterState) {
			cs.Status = state.StatusCompleted
		}); err != nil {
			return err
		}
		if enriched > 0 {
			if err := o.store.UpdateChapter(state.PhaseAnalyze, num, func(cs *state.ChapterState) {
				cs.Scenes = scenes
			}); err != nil {
				return err
			}
		}
		var title string
		if ch := o.book.Chapter(num); ch != nil {
			title = ch.Title
		}
		o.tracker.CompleteChapter(num, title, len(scenes), 0)
	}

	return o.writeArtifacts()
}
