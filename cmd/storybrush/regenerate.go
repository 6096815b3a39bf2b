package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/config"
	"github.com/storybrush/storybrush/internal/llm"
	"github.com/storybrush/storybrush/internal/pipeline"
	"github.com/storybrush/storybrush/internal/progress"
	"github.com/storybrush/storybrush/internal/registry"
	"github.com/storybrush/storybrush/internal/state"
)

var regenOpts struct {
	chapter   int
	scene     int
	outputDir string
	imageKey  string
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <book.json>",
	Short: "Re-render one scene's image, overwriting the existing file",
	Long: `Regenerate re-renders a single scene image from the scene record in
Chapters.md, applying the persisted style guide when one exists. The
existing image file is overwritten.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runRegenerate,
}

func init() {
	f := regenerateCmd.Flags()
	f.IntVar(&regenOpts.chapter, "chapter", 0, "chapter number")
	f.IntVar(&regenOpts.scene, "scene", 0, "scene index within the chapter")
	f.StringVar(&regenOpts.outputDir, "output-dir", "", "output directory override")
	f.StringVar(&regenOpts.imageKey, "image-key", "", "image API key override")
	_ = regenerateCmd.MarkFlagRequired("chapter")
	_ = regenerateCmd.MarkFlagRequired("scene")

	rootCmd.AddCommand(regenerateCmd)
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	if regenOpts.outputDir != "" {
		cfg.OutputDir = regenOpts.outputDir
	}
	if regenOpts.imageKey != "" {
		cfg.Image.APIKey = regenOpts.imageKey
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	b, err := book.Load(args[0])
	if err != nil {
		return err
	}
	layout := book.NewLayout(cfg.OutputDir)

	store, err := state.Load(layout.StatePath(), logger)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("no run state in %s; run the analyze phase first", layout.Path())
	}

	reg := registry.New(layout.RegistryPath(), registry.Options{Book: b.Title, Logger: logger})
	if err := reg.Load(); err != nil {
		return err
	}

	imageKey := config.ResolveEnvVars(cfg.Image.APIKey)
	if imageKey == "" {
		imageKey = config.ResolveEnvVars(cfg.Endpoint.APIKey)
	}
	if imageKey == "" {
		return fmt.Errorf("no API key: set STORYBRUSH_IMAGE_API_KEY or pass --image-key")
	}
	images := llm.NewOpenAIImageClient(llm.OpenAIImageConfig{
		APIKey:  imageKey,
		BaseURL: cfg.Image.BaseURL,
		Model:   cfg.Image.Model,
		Size:    cfg.Image.Size,
	})

	bus := progress.NewBus()
	defer bus.Close()
	tracker := progress.NewTracker(bus, b.Title, len(b.Chapters))
	sink := progress.NewLogSink(bus, layout.ProgressPath(), logger)
	defer sink.Close()

	orch, err := pipeline.New(b, layout, store, reg, tracker, nil, images,
		llm.NewExecutor(llm.DefaultPolicy(), logger, nil), pipeline.Config{
			ImageModel: cfg.Image.Model,
			ImageSize:  cfg.Image.Size,
			ModelSpec:  cfg.ModelSpec(),
		}, logger)
	if err != nil {
		return err
	}

	if err := orch.RegenerateScene(ctx, regenOpts.chapter, regenOpts.scene); err != nil {
		return err
	}
	fmt.Printf("Regenerated chapter %d scene %d\n", regenOpts.chapter, regenOpts.scene)
	return nil
}
