package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cchalm/researcher/internal/ai"
	"github.com/cchalm/researcher/internal/telemetry"
)

var showSchemas bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered to the model",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		endpoint, err := createEndpoint(cfg)
		if err != nil {
			return err
		}
		provider, err := telemetry.NewProvider(ctx, telemetry.TelemetryConfig{}, logger)
		if err != nil {
			return err
		}
		registry, err := buildToolRegistry(ctx, cfg, endpoint, provider)
		if err != nil {
			return err
		}
		return printTools(cmd.OutOrStdout(), registry.Specs(), showSchemas)
	},
}

func init() {
	toolsCmd.Flags().BoolVar(&showSchemas, "schemas", false, "Include each tool's input schema")
	rootCmd.AddCommand(toolsCmd)
}

func printTools(out io.Writer, specs []ai.ToolSpec, withSchemas bool) error {
	for _, spec := range specs {
		fmt.Fprintf(out, "%s\n    %s\n", spec.Name, spec.Description)
		if !withSchemas {
			continue
		}
		schema, err := json.MarshalIndent(spec.InputSchema, "    ", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode schema of %s: %w", spec.Name, err)
		}
		fmt.Fprintf(out, "    %s\n", schema)
	}
	return nil
}
