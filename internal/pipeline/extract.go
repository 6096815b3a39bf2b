package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/storybrush/storybrush/internal/llm"
	"github.com/storybrush/storybrush/internal/state"
)

// runExtract performs the whole-book element pass. Small books go through
// one bulk call; books over the byte cap loop chapters iteratively, feeding
// each batch through the registry's matcher. Extract runs sequentially.
func (o *Orchestrator) runExtract(ctx context.Context, nums []int) error {
	total := 0
	for _, num := range nums {
		if ch := o.book.Chapter(num); ch != nil {
			total += len(ch.Content)
		}
	}

	var err error
	if total <= o.cfg.BulkExtractCap {
		err = o.extractBulk(ctx, nums)
	} else {
		o.logger.Info("book exceeds bulk cap, extracting iteratively",
			"bytes", total, "cap", o.cfg.BulkExtractCap)
		err = o.extractIterative(ctx, nums)
	}
	if werr := o.writeArtifacts(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// extractBulk concatenates the selected chapters and asks for one
// consolidated catalog.
func (o *Orchestrator) extractBulk(ctx context.Context, nums []int) error {
	var blob strings.Builder
	for _, num := range nums {
		ch := o.book.Chapter(num)
		if ch == nil {
			continue
		}
		fmt.Fprintf(&blob, "## Chapter %d: %s\n\n%s\n\n", ch.Number, ch.Title, ch.Content)
	}

	elements, raw, err := o.extractCall(ctx, blob.String())
	if err != nil {
		// Bulk has no single owning chapter; the failure lands on the first
		// selected slot so --clear-errors can reach it.
		return o.failChapter(state.PhaseExtract, nums[0], raw, err)
	}

	for _, re := range elements {
		if _, _, uerr := o.reg.Upsert(ctx, toEntity(re, 0), 0); uerr != nil {
			o.logger.Warn("element upsert failed", "element", re.Name, "error", uerr)
		}
	}

	for _, num := range nums {
		if err := o.store.UpdateChapter(state.PhaseExtract, num, func(cs *state.ChapterState) {
			cs.Status = state.StatusCompleted
		}); err != nil {
			return err
		}
	}
	o.tracker.Log("success", fmt.Sprintf("Extracted %d element(s) in one bulk pass", len(elements)))
	return nil
}

// extractIterative loops the chapters once, merging each chapter's elements
// through the registry.
func (o *Orchestrator) extractIterative(ctx context.Context, nums []int) error {
	for _, num := range nums {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ch := o.book.Chapter(num)
		if ch == nil || !o.shouldProcess(state.PhaseExtract, num) {
			continue
		}

		if err := o.store.UpdateChapter(state.PhaseExtract, num, func(cs *state.ChapterState) {
			cs.Status = state.StatusInProgress
		}); err != nil {
			return err
		}
		o.tracker.StartChapter(num, ch.Title)

		elements, raw, err := o.extractCall(ctx, ch.Content)
		if err != nil {
			if ferr := o.failChapter(state.PhaseExtract, num, raw, err); ferr != nil {
				return ferr
			}
			continue
		}
		for _, re := range elements {
			if _, _, uerr := o.reg.Upsert(ctx, toEntity(re, ch.StartPage), num); uerr != nil {
				o.logger.Warn("element upsert failed", "chapter", num, "element", re.Name, "error", uerr)
			}
		}

		if err := o.store.UpdateChapter(state.PhaseExtract, num, func(cs *state.ChapterState) {
			cs.Status = state.StatusCompleted
		}); err != nil {
			return err
		}
		o.tracker.CompleteChapter(num, ch.Title, 0, len(elements))
	}
	return nil
}

// extractCall runs one element-extraction request and parses its catalog.
func (o *Orchestrator) extractCall(ctx context.Context, text string) ([]rawElement, string, error) {
	prompt := buildExtractPrompt(o.book.Title, text)

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
		o.logger.Warn("failed to persist token usage", "error", uerr)
	}

	raw := res.Content
	trimmed := stripCodeFence(strings.TrimSpace(raw))

	var resp struct {
		Elements []rawElement `json:"elements"`
	}
	if strings.HasPrefix(trimmed, "[") {
		if perr := json.Unmarshal([]byte(trimmed), &resp.Elements); perr != nil {
			return nil, raw, fmt.Errorf("extract response is a malformed JSON array: %w", perr)
		}
		return resp.Elements, raw, nil
	}
	if perr := json.Unmarshal([]byte(trimmed), &resp); perr != nil {
		return nil, raw, fmt.Errorf("extract response is not valid JSON: %w", perr)
	}
	return resp.Elements, raw, nil
}
