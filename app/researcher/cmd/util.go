package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/cchalm/researcher/internal/agent"
	"github.com/cchalm/researcher/internal/ai"
	"github.com/cchalm/researcher/internal/config"
	"github.com/cchalm/researcher/internal/telemetry"
	"github.com/cchalm/researcher/internal/tools"
	"github.com/cchalm/researcher/internal/transport"
)

func setupContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	// Setup graceful shutdown
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Warn("Interrupt signal detected, shutting down gracefully...")
		cancel()
		<-interrupt
		logger.Fatal("Forcing shutdown")
	}()

	return ctx
}

func createRateLimitedHTTPClient() *http.Client {
	return &http.Client{
		Transport: transport.WithRateLimiting(nil, transport.WithLogger(logger.Named("transport"))),
	}
}

func createGithubClient(ctx context.Context, token string) *github.Client {
	if token == "" {
		return github.NewClient(createRateLimitedHTTPClient())
	}
	tokenSource := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	// oauth2 uses the client stored in the context as the base of its transport
	ctx = context.WithValue(ctx, oauth2.HTTPClient, createRateLimitedHTTPClient())
	httpClient := oauth2.NewClient(ctx, tokenSource)
	return github.NewClient(httpClient)
}

func createAnthropicClient(apiKey string) anthropic.Client {
	return anthropic.NewClient(
		option.WithHTTPClient(createRateLimitedHTTPClient()),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(5),
	)
}

func createTelemetryProvider(ctx context.Context) (*telemetry.Provider, error) {
	telemetryConfig := telemetry.TelemetryConfig{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceVersion: versionInfo.Version,
	}
	return telemetry.NewProvider(ctx, telemetryConfig, logger.Named("telemetry"))
}

func createEndpoint(cfg config.Config) (ai.ModelEndpoint, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		sender := ai.NewStreamingMessageSender(createAnthropicClient(cfg.Anthropic.APIKey))
		return ai.NewAnthropicEndpoint(sender, int64(cfg.MaxTokens), logger.Named("anthropic")), nil
	case config.ProviderOpenAI:
		client := ai.NewOpenAIClient(ai.OpenAIConfig{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			HTTPClient: createRateLimitedHTTPClient(),
		})
		return ai.NewOpenAIEndpoint(client, cfg.MaxTokens, logger.Named("openai")), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// builtinTools creates the tools available to the agent and to specialists, in manifest order
func builtinTools(ctx context.Context, cfg config.Config) []tools.Tool {
	searchClient := createRateLimitedHTTPClient()
	searchClient.Timeout = cfg.Search.Timeout

	return []tools.Tool{
		tools.NewWebSearchTool(searchClient, cfg.Search.Endpoint, cfg.Search.MaxResults),
		tools.NewWebsiteTextTool(searchClient, 0),
		tools.NewCalculatorTool(),
		tools.NewGitHubSearchTool(createGithubClient(ctx, cfg.GitHub.Token), cfg.Search.MaxResults),
		tools.NewCurrentTimeTool(),
	}
}

// buildToolRegistry registers the built-in tools and one tool per configured specialist. Specialists share the
// endpoint of the main agent and may only use the built-in tools they name
func buildToolRegistry(ctx context.Context, cfg config.Config, endpoint ai.ModelEndpoint, provider *telemetry.Provider) (*tools.ToolRegistry, error) {
	builtins := builtinTools(ctx, cfg)
	byName := make(map[string]tools.Tool, len(builtins))
	for _, tool := range builtins {
		byName[tool.Spec().Name] = tool
	}

	registry := tools.NewToolRegistry(logger.Named("tools"))
	if err := registry.Register(builtins...); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	for _, spec := range cfg.Specialists {
		specialistRegistry := tools.NewToolRegistry(logger.Named("tools").With(zap.String("specialist", spec.Name)))
		for _, name := range spec.Tools {
			tool, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("specialist %s: unknown tool %q", spec.Name, name)
			}
			if err := specialistRegistry.Register(tool); err != nil {
				return nil, fmt.Errorf("specialist %s: %w", spec.Name, err)
			}
		}

		specialistAgent := agent.NewAgent(endpoint, specialistRegistry, agent.Config{
			Model:        cfg.Model,
			SystemPrompt: spec.SystemPrompt,
			MaxRetries:   cfg.MaxRetries,
			Sentinel:     cfg.Sentinel,
			Tracer:       provider.Tracer(),
			Logger:       logger.Named("specialist").With(zap.String("specialist", spec.Name)),
		})
		specialist := agent.NewSpecialist(specialistAgent, agent.SpecialistSpec{
			Name:        spec.Name,
			Description: spec.Description,
			Framing:     spec.Framing,
		})
		if err := registry.Register(specialist); err != nil {
			return nil, fmt.Errorf("failed to register specialist: %w", err)
		}
	}

	return registry, nil
}

// createAgent builds the research agent from the loaded configuration. The returned provider must be shut down by the
// caller
func createAgent(ctx context.Context) (*agent.Agent, *telemetry.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	provider, err := createTelemetryProvider(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}

	endpoint, err := createEndpoint(cfg)
	if err != nil {
		return nil, nil, err
	}

	registry, err := buildToolRegistry(ctx, cfg, endpoint, provider)
	if err != nil {
		return nil, nil, err
	}

	a := agent.NewAgent(endpoint, registry, agent.Config{
		Model:         cfg.Model,
		SystemPrompt:  cfg.SystemPrompt,
		MaxRetries:    cfg.MaxRetries,
		Sentinel:      cfg.Sentinel,
		ParallelTools: cfg.ParallelTools,
		Tracer:        provider.Tracer(),
		Logger:        logger.Named("agent"),
	})
	logger.Info("Agent ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("tools", registry.Len()))
	return a, provider, nil
}

func shutdownTelemetry(provider *telemetry.Provider) {
	if err := provider.Shutdown(context.Background()); err != nil {
		logger.Warn("Failed to shut down telemetry", zap.Error(err))
	}
}
