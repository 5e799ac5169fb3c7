package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a single question and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var printTranscript bool

func init() {
	askCmd.Flags().BoolVar(&printTranscript, "transcript", false, "Print the session transcript as Markdown after the answer")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := setupContext()

	a, provider, err := createAgent(ctx)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(provider)

	session := a.NewSession()
	answer, err := session.Invoke(ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("failed to answer: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), answer)

	if printTranscript {
		md, err := session.Markdown()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), md)
	}
	return nil
}
