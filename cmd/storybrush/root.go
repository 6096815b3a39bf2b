package main

import (
	"github.com/spf13/cobra"

	"github.com/storybrush/storybrush/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "storybrush",
	Short: "Book illustration pipeline with AI scene analysis and image generation",
	Long: `Storybrush turns a parsed book into a set of illustrations by running
the text through a phased AI pipeline.

The pipeline includes:
  - Scene identification with structured analysis per chapter
  - Character and element extraction into a persistent catalog
  - Prompt enrichment for visual consistency across images
  - Image generation with a style guide bootstrapped from early output

Runs are resumable: state is checkpointed after every chapter, so an
interrupted run picks up where it left off.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./storybrush.yaml or ~/.storybrush/storybrush.yaml)",
	)

	rootCmd.AddCommand(versionCmd)
}
