package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/baalimago/go_away_boilerplate/pkg/ancli"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cchalm/researcher/internal/agent"
	"github.com/cchalm/researcher/internal/tools"
)

const (
	commandTranscript = "/transcript"
	commandReset      = "/reset"
	commandHelp       = "/help"

	maxInputLine = 1024 * 1024

	chatHelp = `Commands:
  /transcript  print the session so far as Markdown
  /reset       start a new session
  /help        show this help
  exit, quit   leave`
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions interactively",
	Long: `Starts an interactive session. Every line is sent to the agent as a question, and the
session remembers earlier questions and answers.

` + chatHelp,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := setupContext()

	a, provider, err := createAgent(ctx)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(provider)

	ancli.PrintOK(fmt.Sprintf("researcher ready with %d tools, type %s for commands or exit to leave\n", len(a.Tools()), commandHelp))
	r := newREPL(a, os.Stdin, cmd.OutOrStdout())
	err = r.run(ctx)
	if errors.Is(err, context.Canceled) {
		ancli.Okf("Seems like you wanted out. Byebye!\n")
		return nil
	}
	return err
}

// repl reads questions line by line and answers them within one session
type repl struct {
	agent   *agent.Agent
	session *agent.Session
	in      io.Reader
	out     io.Writer
}

func newREPL(a *agent.Agent, in io.Reader, out io.Writer) *repl {
	return &repl{
		agent:   a,
		session: a.NewSession(),
		in:      in,
		out:     out,
	}
}

func (r *repl) run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxInputLine)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%v: ", ancli.ColoredMessage(ancli.CYAN, "you"))
		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case isExit(line):
			return nil
		case line == commandHelp:
			fmt.Fprintln(r.out, chatHelp)
		case line == commandTranscript:
			md, err := r.session.Markdown()
			if err != nil {
				ancli.PrintErr(fmt.Sprintf("failed to render transcript: %v\n", err))
				continue
			}
			fmt.Fprintln(r.out, md)
		case line == commandReset:
			r.session = r.agent.NewSession()
			ancli.PrintOK(fmt.Sprintf("started session %s\n", r.session.ID()))
		default:
			if err := r.ask(ctx, line); err != nil {
				return err
			}
		}
	}
}

// ask answers a single question. Only cancellation ends the loop; every other failure is reported and the session
// continues
func (r *repl) ask(ctx context.Context, question string) error {
	answer, err := r.session.Invoke(ctx, question)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ute tools.UnexpectedToolError
		if errors.As(err, &ute) {
			logger.Error("Model requested a tool outside the manifest", zap.String("tool", ute.Name))
		}
		ancli.PrintErr(fmt.Sprintf("failed to answer: %v\n", err))
		return nil
	}
	fmt.Fprintf(r.out, "%v: %s\n\n", ancli.ColoredMessage(ancli.CYAN, "researcher"), answer)
	return nil
}

func isExit(line string) bool {
	switch strings.ToLower(line) {
	case "exit", "quit":
		return true
	}
	return false
}
