package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/config"
	"github.com/storybrush/storybrush/internal/state"
)

var statusOutputDir string

var statusCmd = &cobra.Command{
	Use:          "status <book.json>",
	Short:        "Show pipeline state for a book's output directory",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusOutputDir, "output-dir", "", "output directory override")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	if statusOutputDir != "" {
		cfg.OutputDir = statusOutputDir
	}

	b, err := book.Load(args[0])
	if err != nil {
		return err
	}
	layout := book.NewLayout(cfg.OutputDir)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, err := state.Load(layout.StatePath(), logger)
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Printf("No run state in %s; nothing has been processed yet.\n", layout.Path())
		return nil
	}
	snap := store.Snapshot()

	fmt.Printf("Book: %s\n", snap.BookTitle)
	if snap.BookAuthor != "" {
		fmt.Printf("Author: %s\n", snap.BookAuthor)
	}
	fmt.Printf("Last updated: %s\n\n", snap.LastUpdated.Local().Format("2006-01-02 15:04:05"))

	for _, phase := range state.AllPhases {
		ps := snap.Phases[phase]
		if ps == nil {
			continue
		}
		var completed, failed int
		for _, ch := range ps.Chapters {
			switch ch.Status {
			case state.StatusCompleted:
				completed++
			case state.StatusFailed:
				failed++
			}
		}
		fmt.Printf("%-12s %-12s %d/%d chapters", phase, ps.DeriveStatus(), completed, len(ps.Chapters))
		if failed > 0 {
			fmt.Printf(", %d failed", failed)
		}
		fmt.Println()

		nums := make([]int, 0, len(ps.Chapters))
		for num := range ps.Chapters {
			nums = append(nums, num)
		}
		sort.Ints(nums)
		for _, num := range nums {
			ch := ps.Chapters[num]
			if ch.Status != state.StatusFailed {
				continue
			}
			fmt.Printf("    chapter %d: %s\n", num, ch.Error)
		}
	}

	fmt.Printf("\nTokens: %d prompt, %d completion ($%.4f)\n",
		snap.Usage.PromptTokens, snap.Usage.CompletionTokens, snap.Usage.CostUSD)
	fmt.Printf("Images: %d\n", snap.Usage.ImagesGenerated)

	chaptersExists := fileExists(layout.ChaptersPath())
	elementsExists := fileExists(layout.ElementsPath())
	if warnings := store.ValidateConsistency(b, chaptersExists, elementsExists); len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
