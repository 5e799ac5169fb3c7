package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cchalm/researcher/internal/config"
	"github.com/cchalm/researcher/internal/logging"
)

var (
	configPath string
	cfg        config.Config
	logger     = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "researcher",
	Short: "Research assistant that answers questions using web search and other tools",
	Long: `Researcher answers questions by letting a language model call tools such as web search,
a web page reader and a calculator, feeding the results back until the model commits to a
final answer.`,
	PersistentPreRunE: loadRootConfig,
	SilenceUsage:      true,
}

func Execute() error {
	return rootCmd.Execute()
}

func loadRootConfig(cmd *cobra.Command, _ []string) error {
	// Load .env file
	dotenvErr := godotenv.Load()

	loaded, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = loaded

	logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	if dotenvErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flags.String("provider", "", "Model provider: anthropic or openai")
	flags.String("model", "", "Model identifier")
	flags.Int("max-tokens", 0, "Maximum output tokens per model call")
	flags.Int("max-retries", 0, "Attempts per question before falling back to a transcript summary")
	flags.Bool("parallel-tools", false, "Run the tool calls of a single reply concurrently")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: console or json")
	flags.Bool("telemetry", false, "Export traces over OTLP/HTTP")
}
