// Package config loads the storybrush configuration: endpoint settings,
// pipeline knobs, and dashboard options, from file, environment, and flags,
// with hot reload on file changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/storybrush/storybrush/internal/pipeline"
	"github.com/storybrush/storybrush/internal/tokens"
)

// Endpoint configures one AI endpoint. APIKey accepts ${ENV_VAR} syntax.
type Endpoint struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// ImageEndpoint configures the image generation endpoint.
type ImageEndpoint struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Model   string `mapstructure:"model" yaml:"model"`
	Size    string `mapstructure:"size" yaml:"size"`
}

// Pipeline carries the orchestration knobs.
type Pipeline struct {
	MaxConcurrency      int     `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	PagesPerImage       int     `mapstructure:"pages_per_image" yaml:"pages_per_image"`
	StyleBootstrapCount int     `mapstructure:"style_bootstrap_count" yaml:"style_bootstrap_count"`
	BulkExtractCap      int     `mapstructure:"bulk_extract_cap" yaml:"bulk_extract_cap"`
	MatchThreshold      float64 `mapstructure:"match_threshold" yaml:"match_threshold"`
	ConsolidateWithAI   bool    `mapstructure:"consolidate_with_ai" yaml:"consolidate_with_ai"`
}

// Model carries the context-window and pricing parameters used for
// pre-flight token accounting.
type Model struct {
	ContextLength   int     `mapstructure:"context_length" yaml:"context_length"`
	InputCostPer1M  float64 `mapstructure:"input_cost_per_1m" yaml:"input_cost_per_1m"`
	OutputCostPer1M float64 `mapstructure:"output_cost_per_1m" yaml:"output_cost_per_1m"`
	SafetyMargin    float64 `mapstructure:"safety_margin" yaml:"safety_margin"`
}

// Dashboard configures the live view server.
type Dashboard struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// Config is the full configuration document.
type Config struct {
	Endpoint  Endpoint      `mapstructure:"endpoint" yaml:"endpoint"`
	Image     ImageEndpoint `mapstructure:"image" yaml:"image"`
	Pipeline  Pipeline      `mapstructure:"pipeline" yaml:"pipeline"`
	Model     Model         `mapstructure:"model" yaml:"model"`
	Dashboard Dashboard     `mapstructure:"dashboard" yaml:"dashboard"`
	OutputDir string        `mapstructure:"output_dir" yaml:"output_dir"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: Endpoint{
			BaseURL: "https://api.openai.com/v1",
			APIKey:  "${STORYBRUSH_API_KEY}",
			Model:   "gpt-4o-mini",
		},
		Image: ImageEndpoint{
			BaseURL: "https://api.openai.com/v1",
			APIKey:  "${STORYBRUSH_IMAGE_API_KEY}",
			Model:   "gpt-image-1",
			Size:    "1024x1024",
		},
		Pipeline: Pipeline{
			MaxConcurrency:      pipeline.DefaultMaxConcurrency,
			PagesPerImage:       pipeline.DefaultPagesPerImage,
			StyleBootstrapCount: pipeline.DefaultStyleBootstrapCount,
			BulkExtractCap:      pipeline.DefaultBulkExtractCap,
			MatchThreshold:      0.7,
		},
		Model: Model{
			ContextLength: 128_000,
			SafetyMargin:  tokens.DefaultSafetyMargin,
		},
		Dashboard: Dashboard{
			Host: "localhost",
			Port: 3000,
		},
		OutputDir: "output",
	}
}

// ModelSpec converts the model section for the token accountant.
func (c *Config) ModelSpec() tokens.ModelSpec {
	return tokens.ModelSpec{
		Name:            c.Endpoint.Model,
		ContextLength:   c.Model.ContextLength,
		InputCostPer1M:  c.Model.InputCostPer1M,
		OutputCostPer1M: c.Model.OutputCostPer1M,
		SafetyMargin:    c.Model.SafetyMargin,
	}
}

// Manager loads configuration and hot-reloads it on file changes.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a manager, reading cfgFile when given or searching the
// default locations otherwise. A missing file is not an error; defaults and
// environment apply.
func NewManager(cfgFile string) (*Manager, error) {
	m := &Manager{v: viper.New()}
	if err := m.initViper(cfgFile); err != nil {
		return nil, err
	}
	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	m.config = cfg
	return m, nil
}

func (m *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	m.v.SetDefault("endpoint", map[string]any{
		"base_url": defaults.Endpoint.BaseURL,
		"api_key":  defaults.Endpoint.APIKey,
		"model":    defaults.Endpoint.Model,
	})
	m.v.SetDefault("image", map[string]any{
		"base_url": defaults.Image.BaseURL,
		"api_key":  defaults.Image.APIKey,
		"model":    defaults.Image.Model,
		"size":     defaults.Image.Size,
	})
	m.v.SetDefault("pipeline.max_concurrency", defaults.Pipeline.MaxConcurrency)
	m.v.SetDefault("pipeline.pages_per_image", defaults.Pipeline.PagesPerImage)
	m.v.SetDefault("pipeline.style_bootstrap_count", defaults.Pipeline.StyleBootstrapCount)
	m.v.SetDefault("pipeline.bulk_extract_cap", defaults.Pipeline.BulkExtractCap)
	m.v.SetDefault("pipeline.match_threshold", defaults.Pipeline.MatchThreshold)
	m.v.SetDefault("model.context_length", defaults.Model.ContextLength)
	m.v.SetDefault("model.safety_margin", defaults.Model.SafetyMargin)
	m.v.SetDefault("dashboard.host", defaults.Dashboard.Host)
	m.v.SetDefault("dashboard.port", defaults.Dashboard.Port)
	m.v.SetDefault("output_dir", defaults.OutputDir)

	m.v.SetEnvPrefix("STORYBRUSH")
	m.v.AutomaticEnv()

	if cfgFile != "" {
		m.v.SetConfigFile(cfgFile)
	} else {
		m.v.SetConfigName("storybrush")
		m.v.SetConfigType("yaml")
		m.v.AddConfigPath(".")
		m.v.AddConfigPath("$HOME/.storybrush")
	}

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// An explicit --config path must exist.
			if cfgFile != "" || !os.IsNotExist(err) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	return nil
}

func (m *Manager) load() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback invoked after each successful hot reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// WatchConfig enables hot reloading of the config file.
func (m *Manager) WatchConfig() {
	m.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := m.load()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.config = cfg
		callbacks := make([]func(*Config), len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	m.v.WatchConfig()
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references. Unset variables expand to
// the empty string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}
