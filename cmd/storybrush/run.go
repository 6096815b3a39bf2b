package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/storybrush/storybrush/internal/book"
	"github.com/storybrush/storybrush/internal/config"
	"github.com/storybrush/storybrush/internal/dashboard"
	"github.com/storybrush/storybrush/internal/llm"
	"github.com/storybrush/storybrush/internal/pipeline"
	"github.com/storybrush/storybrush/internal/progress"
	"github.com/storybrush/storybrush/internal/registry"
	"github.com/storybrush/storybrush/internal/state"
)

var runOpts struct {
	// Phase selection. When none are set, analyze runs by default.
	text     bool
	elements bool
	enrich   bool
	images   bool

	chapters       string
	elementsFilter string
	limit          int

	continueRun bool
	force       bool
	skipFailed  bool
	retryFailed bool
	clearErrors bool

	model     string
	apiKey    string
	imageKey  string
	provider  string
	outputDir string

	concurrency int
	verbose     bool

	dashboardOn   bool
	dashboardHost string
	dashboardPort int
}

var runCmd = &cobra.Command{
	Use:   "run <book.json>",
	Short: "Run pipeline phases over a parsed book",
	Long: `Run executes the selected phases over a parsed book descriptor.

Phases are selected with --text, --elements, --enrich, and --images and
always execute in that order. With no phase flag, scene analysis (--text)
runs alone.

State is saved after every chapter, so re-running the same command skips
completed work. Use --force to redo completed chapters, --retry-failed to
retry failed ones, and --clear-errors to reset failure records first.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runPipeline,
}

func init() {
	f := runCmd.Flags()

	f.BoolVar(&runOpts.text, "text", false, "run scene analysis")
	f.BoolVar(&runOpts.elements, "elements", false, "run standalone element extraction")
	f.BoolVar(&runOpts.enrich, "enrich", false, "run prompt enrichment")
	f.BoolVar(&runOpts.images, "images", false, "run image generation")

	f.StringVar(&runOpts.chapters, "chapters", "", "chapter selection by reading-order position, e.g. \"1-5,8\"")
	f.StringVar(&runOpts.elementsFilter, "elements-filter", "", "restrict image scenes to elements matching type:name (name may use *)")
	f.IntVar(&runOpts.limit, "limit", 0, "process at most N selected chapters")

	f.BoolVar(&runOpts.continueRun, "continue", false, "resume a previous run; errors when no state exists")
	f.BoolVar(&runOpts.force, "force", false, "reprocess selected chapters even when completed")
	f.BoolVar(&runOpts.skipFailed, "skip-failed", false, "record chapter failures and keep going")
	f.BoolVar(&runOpts.retryFailed, "retry-failed", false, "reprocess chapters in the failed state")
	f.BoolVar(&runOpts.clearErrors, "clear-errors", false, "reset failed chapters to pending before running")

	f.StringVar(&runOpts.model, "model", "", "chat model override")
	f.StringVar(&runOpts.apiKey, "api-key", "", "chat API key override")
	f.StringVar(&runOpts.imageKey, "image-key", "", "image API key override (defaults to the chat key)")
	f.StringVar(&runOpts.provider, "provider", "", "endpoint preset (openai, openrouter, gemini, ollama) or a base URL")
	f.StringVar(&runOpts.outputDir, "output-dir", "", "output directory override")

	f.IntVar(&runOpts.concurrency, "concurrency", 0, "max chapters processed in parallel")
	f.BoolVar(&runOpts.verbose, "verbose", false, "debug logging")

	f.BoolVar(&runOpts.dashboardOn, "dashboard", false, "serve the live dashboard during the run")
	f.StringVar(&runOpts.dashboardHost, "dashboard-host", "", "dashboard bind host")
	f.IntVar(&runOpts.dashboardPort, "dashboard-port", 0, "dashboard port")

	rootCmd.AddCommand(runCmd)
}

// selectedPhases maps the phase flags to pipeline order. Analyze is the
// default when nothing is selected.
func selectedPhases() []state.Phase {
	var phases []state.Phase
	if runOpts.text {
		phases = append(phases, state.PhaseAnalyze)
	}
	if runOpts.elements {
		phases = append(phases, state.PhaseExtract)
	}
	if runOpts.enrich {
		phases = append(phases, state.PhaseEnrich)
	}
	if runOpts.images {
		phases = append(phases, state.PhaseIllustrate)
	}
	if len(phases) == 0 {
		phases = []state.Phase{state.PhaseAnalyze}
	}
	return phases
}

// providerBaseURL resolves an endpoint preset name, passing full URLs
// through unchanged.
func providerBaseURL(provider string) (string, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return "https://api.openai.com/v1", nil
	case "openrouter":
		return "https://openrouter.ai/api/v1", nil
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta", nil
	case "ollama":
		return "http://localhost:11434/v1", nil
	default:
		if strings.Contains(provider, "://") {
			return provider, nil
		}
		return "", fmt.Errorf("unknown provider %q (use openai, openrouter, gemini, ollama, or a base URL)", provider)
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return err
	}
	cfg := mgr.Get()

	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Endpoint.Model = runOpts.model
	}
	if flags.Changed("api-key") {
		cfg.Endpoint.APIKey = runOpts.apiKey
	}
	if flags.Changed("image-key") {
		cfg.Image.APIKey = runOpts.imageKey
	}
	if flags.Changed("provider") {
		baseURL, perr := providerBaseURL(runOpts.provider)
		if perr != nil {
			return perr
		}
		cfg.Endpoint.BaseURL = baseURL
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = runOpts.outputDir
	}
	if flags.Changed("concurrency") {
		cfg.Pipeline.MaxConcurrency = runOpts.concurrency
	}
	if flags.Changed("dashboard") {
		cfg.Dashboard.Enabled = runOpts.dashboardOn
	}
	if flags.Changed("dashboard-host") {
		cfg.Dashboard.Host = runOpts.dashboardHost
	}
	if flags.Changed("dashboard-port") {
		cfg.Dashboard.Port = runOpts.dashboardPort
	}

	level := slog.LevelInfo
	if runOpts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	mgr.OnChange(func(*config.Config) {
		logger.Info("configuration reloaded")
	})
	mgr.WatchConfig()

	b, err := book.Load(args[0])
	if err != nil {
		return err
	}

	layout := book.NewLayout(cfg.OutputDir)
	if err := layout.EnsureExists(); err != nil {
		return err
	}

	var store *state.Store
	if runOpts.continueRun {
		store, err = state.Load(layout.StatePath(), logger)
		if err != nil {
			return err
		}
		if store == nil {
			return fmt.Errorf("--continue: no previous run state in %s", layout.Path())
		}
	} else {
		store, err = state.LoadOrCreate(layout.StatePath(), b, logger)
		if err != nil {
			return err
		}
	}

	phases := selectedPhases()

	apiKey := config.ResolveEnvVars(cfg.Endpoint.APIKey)
	if apiKey == "" {
		return fmt.Errorf("no API key: set STORYBRUSH_API_KEY or pass --api-key")
	}
	chat := llm.NewClientFor(llm.EndpointConfig{
		APIKey:  apiKey,
		BaseURL: cfg.Endpoint.BaseURL,
		Model:   cfg.Endpoint.Model,
	})
	exec := llm.NewExecutor(llm.DefaultPolicy(), logger, nil)

	regOpts := registry.Options{
		Matcher: registry.NewLLMMatcher(chat, cfg.Endpoint.Model, cfg.Pipeline.MatchThreshold, logger),
		Book:    b.Title,
		Logger:  logger,
	}
	if cfg.Pipeline.ConsolidateWithAI {
		regOpts.Consolidator = chat
		regOpts.Model = cfg.Endpoint.Model
	}
	reg := registry.New(layout.RegistryPath(), regOpts)
	if err := reg.Load(); err != nil {
		return err
	}

	bus := progress.NewBus()
	defer bus.Close()
	tracker := progress.NewTracker(bus, b.Title, len(b.Chapters))
	sink := progress.NewLogSink(bus, layout.ProgressPath(), logger)
	defer sink.Close()

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(tracker, logger)
		if err := srv.Start(cfg.Dashboard.Host, cfg.Dashboard.Port); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		fmt.Printf("Dashboard: http://%s\n", srv.Addr())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(sctx)
		}()
	}

	var images llm.ImageClient
	for _, p := range phases {
		if p != state.PhaseIllustrate {
			continue
		}
		imageKey := config.ResolveEnvVars(cfg.Image.APIKey)
		if imageKey == "" {
			imageKey = apiKey
		}
		images = llm.NewOpenAIImageClient(llm.OpenAIImageConfig{
			APIKey:  imageKey,
			BaseURL: cfg.Image.BaseURL,
			Model:   cfg.Image.Model,
			Size:    cfg.Image.Size,
		})
	}

	var positions []int
	if runOpts.chapters != "" {
		positions, err = pipeline.ParseChapterRange(runOpts.chapters)
		if err != nil {
			return err
		}
	}
	var filter pipeline.ElementsFilter
	if runOpts.elementsFilter != "" {
		filter, err = pipeline.ParseElementsFilter(runOpts.elementsFilter)
		if err != nil {
			return err
		}
	}

	orch, err := pipeline.New(b, layout, store, reg, tracker, chat, images, exec, pipeline.Config{
		MaxConcurrency:      cfg.Pipeline.MaxConcurrency,
		PagesPerImage:       cfg.Pipeline.PagesPerImage,
		StyleBootstrapCount: cfg.Pipeline.StyleBootstrapCount,
		BulkExtractCap:      cfg.Pipeline.BulkExtractCap,
		ChapterPositions:    positions,
		Filter:              filter,
		Limit:               runOpts.limit,
		Force:               runOpts.force,
		SkipFailed:          runOpts.skipFailed,
		RetryFailed:         runOpts.retryFailed,
		ClearErrors:         runOpts.clearErrors,
		ChatModel:           cfg.Endpoint.Model,
		ImageModel:          cfg.Image.Model,
		ImageSize:           cfg.Image.Size,
		ModelSpec:           cfg.ModelSpec(),
	}, logger)
	if err != nil {
		return err
	}

	runErr := orch.Run(ctx, phases)
	fmt.Print(orch.Summary())
	return runErr
}
