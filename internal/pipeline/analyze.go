package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/llm"
	"github.com/storybrush/storybrush/internal/registry"
	"github.com/storybrush/storybrush/internal/state"
	"github.com/storybrush/storybrush/internal/tokens"
)

// runAnalyze schedules the per-chapter scene-and-element pass through the
// worker pool, then refreshes the markdown artifacts.
func (o *Orchestrator) runAnalyze(ctx context.Context, nums []int) error {
	err := o.runPool(ctx, o.cfg.MaxConcurrency, nums, func(ctx context.Context, num int) error {
		return o.analyzeChapter(ctx, num)
	})
	if werr := o.writeArtifacts(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// analyzeChapter runs the unified analysis call for one chapter, splitting
// the text when it exceeds the model's usable context. A split stays hidden
// inside the one chapter slot: chunks aggregate into a single record.
func (o *Orchestrator) analyzeChapter(ctx context.Context, num int) error {
	ch := o.book.Chapter(num)
	if ch == nil {
		return fmt.Errorf("chapter %d not in book", num)
	}
	if !o.shouldProcess(state.PhaseAnalyze, num) {
		o.logger.Debug("chapter already analyzed, skipping", "chapter", num)
		return nil
	}

	if err := o.store.UpdateChapter(state.PhaseAnalyze, num, func(cs *state.ChapterState) {
		cs.Status = state.StatusInProgress
	}); err != nil {
		return err
	}
	o.tracker.StartChapter(num, ch.Title)

	k := sceneCount(ch, o.cfg.PagesPerImage)
	chunks := o.chunkChapter(ch)

	var (
		scenes   []book.Scene
		elements int
	)
	for _, chunk := range chunks {
		resp, raw, err := o.analysisCall(ctx, ch, chunk, k)
		if err != nil {
			return o.failChapter(state.PhaseAnalyze, num, raw, err)
		}

		for _, re := range resp.Elements {
			if _, _, err := o.reg.Upsert(ctx, toEntity(re, ch.StartPage), num); err != nil {
				o.logger.Warn("element upsert failed", "chapter", num, "element", re.Name, "error", err)
				continue
			}
			elements++
		}
		for _, rs := range resp.Scenes {
			scenes = append(scenes, book.Scene{
				Index:       len(scenes) + 1,
				ChapterNum:  num,
				Quote:       rs.Quote,
				Description: rs.Description,
				Reasoning:   rs.Reasoning,
			})
		}
	}

	if err := o.store.UpdateChapter(state.PhaseAnalyze, num, func(cs *state.ChapterState) {
		cs.Status = state.StatusCompleted
		cs.Scenes = scenes
	}); err != nil {
		return err
	}
	o.tracker.CompleteChapter(num, ch.Title, len(scenes), elements)
	return nil
}

// chunkChapter splits chapter text when the pre-flight estimate exceeds the
// usable context. Whole chapters pass through as a single chunk.
func (o *Orchestrator) chunkChapter(ch *book.Chapter) []string {
	est := tokens.ForRequest(ch.Content, o.cfg.ExpectedOutput, o.cfg.ModelSpec)
	if !est.WillExceedLimit {
		return []string{ch.Content}
	}

	budget := o.cfg.ModelSpec.UsableContext() - o.cfg.ExpectedOutput
	if budget <= 0 {
		// The expected output alone exceeds the window; halve the usable
		// context so chunking still makes forward progress.
		budget = o.cfg.ModelSpec.UsableContext() / 2
	}
	chunks := tokens.Split(ch.Content, budget)
	o.logger.Info("chapter exceeds context, splitting",
		"chapter", ch.Number, "chunks", len(chunks), "estimated_tokens", est.Total)
	return chunks
}

// analysisCall executes one analyze request through the retry executor and
// validates the structured response. The raw model output is returned so a
// parse failure can be attached to the failure record.
func (o *Orchestrator) analysisCall(ctx context.Context, ch *book.Chapter, text string, k int) (*analysisResponse, string, error) {
	prompt := buildAnalysisPrompt(ch, text, k, o.reg.ContextBlock())

	var res *llm.ChatResult
	err := o.exec.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = o.chat.Chat(ctx, &llm.ChatRequest{
			Model:          o.cfg.ChatModel,
			Messages:       []llm.Message{{Role: "user", Content: prompt}},
			ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
		})
		return callErr
	})
	if err != nil {
		return nil, "", err
	}

	if uerr := o.store.AddUsage(res.PromptTokens, res.CompletionTokens, res.CostUSD); uerr != nil {
		o.logger.Warn("failed to persist token usage", "chapter", ch.Number, "error", uerr)
	}

	raw := res.Content
	trimmed := stripCodeFence(strings.TrimSpace(raw))
	// Bare arrays are tolerated as a scenes list; the schema describes the
	// object form only.
	if !strings.HasPrefix(trimmed, "[") {
		if verr := llm.ValidateJSON(o.schema, []byte(trimmed)); verr != nil {
			return nil, raw, verr
		}
	}
	resp, perr := parseAnalysisResponse([]byte(raw))
	if perr != nil {
		return nil, raw, perr
	}
	return resp, raw, nil
}

// toEntity adapts the wire element shape to the catalog's type. Models that
// omit the type get "other" so same-subject matching still groups them.
// page, when positive, becomes the page hint on every carried quote.
func toEntity(re rawElement, page int) *registry.Entity {
	typ := re.Type
	if typ == "" {
		typ = "other"
	}
	quotes := make([]registry.Quote, 0, len(re.Quotes))
	for _, q := range re.Quotes {
		quotes = append(quotes, registry.Quote{Text: q, Page: page})
	}
	return &registry.Entity{
		Type:        typ,
		Name:        re.Name,
		Description: re.Description,
		Quotes:      quotes,
	}
}
