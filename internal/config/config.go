// Package config loads the researcher configuration from defaults, an optional config file, the environment and
// command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	envPrefix = "RESEARCHER"
)

// Config holds the configuration for the researcher
type Config struct {
	Provider      string `mapstructure:"provider"`
	Model         string `mapstructure:"model"`
	MaxTokens     int    `mapstructure:"max_tokens"`
	MaxRetries    int    `mapstructure:"max_retries"`
	SystemPrompt  string `mapstructure:"system_prompt"`
	Sentinel      string `mapstructure:"sentinel"`
	ParallelTools bool   `mapstructure:"parallel_tools"`

	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Search    SearchConfig    `mapstructure:"search"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Specialists []SpecialistConfig `mapstructure:"specialists"`
}

type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// OpenAIConfig configures any OpenAI-compatible chat completions API
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type SearchConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// GitHubConfig configures the github_search tool. Without a token the tool uses unauthenticated, heavily rate limited
// access
type GitHubConfig struct {
	Token string `mapstructure:"token"`
}

type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// SpecialistConfig describes an agent exposed to the main agent as a tool
type SpecialistConfig struct {
	Name         string `mapstructure:"name"`
	Description  string `mapstructure:"description"`
	SystemPrompt string `mapstructure:"system_prompt"`
	Framing      string `mapstructure:"framing"`
	// Tools names the built-in tools the specialist may use. Empty means none
	Tools []string `mapstructure:"tools"`
}

// flagKeys maps command line flag names to configuration keys
var flagKeys = map[string]string{
	"provider":       "provider",
	"model":          "model",
	"max-tokens":     "max_tokens",
	"max-retries":    "max_retries",
	"parallel-tools": "parallel_tools",
	"log-level":      "log_level",
	"log-format":     "log_format",
	"telemetry":      "telemetry.enabled",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderAnthropic)
	v.SetDefault("model", "")
	v.SetDefault("max_tokens", 4096)
	v.SetDefault("max_retries", 3)
	v.SetDefault("system_prompt", "")
	v.SetDefault("sentinel", "FINAL ANSWER")
	v.SetDefault("parallel_tools", false)
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("search.endpoint", "https://html.duckduckgo.com/html/")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.timeout", "20s")
	v.SetDefault("github.token", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "console")
}

// defaultModels picks a model when none is configured
var defaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-20250514",
	ProviderOpenAI:    "palmyra-x5",
}

// Load reads the configuration. path may be empty, in which case only defaults, the environment and flags are used.
// flags may be nil
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional variable names are accepted alongside the prefixed ones
	bindings := map[string][]string{
		"anthropic.api_key": {"RESEARCHER_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"},
		"openai.api_key":    {"RESEARCHER_OPENAI_API_KEY", "OPENAI_API_KEY"},
		"openai.base_url":   {"RESEARCHER_OPENAI_BASE_URL", "OPENAI_BASE_URL"},
		"github.token":      {"RESEARCHER_GITHUB_TOKEN", "GITHUB_TOKEN"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Model == "" {
		cfg.Model = defaultModels[cfg.Provider]
	}
	return cfg, nil
}

// Validate checks if the required configuration is present
func (c Config) Validate() error {
	var errs []error

	switch c.Provider {
	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("missing required environment variable: ANTHROPIC_API_KEY"))
		}
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("missing required environment variable: OPENAI_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q, expected %q or %q", c.Provider, ProviderAnthropic, ProviderOpenAI))
	}

	if c.Model == "" {
		errs = append(errs, errors.New("model must be set"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries))
	}
	if c.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("max_tokens must be at least 1, got %d", c.MaxTokens))
	}
	if c.Search.MaxResults < 1 {
		errs = append(errs, fmt.Errorf("search.max_results must be at least 1, got %d", c.Search.MaxResults))
	}

	seen := make(map[string]bool)
	for i, s := range c.Specialists {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("specialists[%d]: name must be set", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("specialists[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Description == "" {
			errs = append(errs, fmt.Errorf("specialist %s: description must be set", s.Name))
		}
	}

	return errors.Join(errs...)
}
