// Package agent implements the tool-augmented dialogue loop: the model is offered a set of tools, requested tools are
// run and their results fed back, and the loop ends when the model marks its answer as final.
package agent

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cchalm/researcher/internal/ai"
	"github.com/cchalm/researcher/internal/telemetry"
	"github.com/cchalm/researcher/internal/tools"
)

const (
	DefaultMaxRetries = 3
	DefaultSentinel   = "FINAL ANSWER"

	// ToolUsePlaceholder stands in for messages without leading text when the transcript is summarized
	ToolUsePlaceholder = "<skipped> Tool Use <skipped>"

	maxParallelTools = 8
)

//go:embed prompts/researcher.md
var researcherPrompt string

//go:embed prompts/extractor.md
var extractorPrompt string

// DefaultSystemPrompt returns the system prompt of the research agent
func DefaultSystemPrompt() string {
	return strings.TrimSpace(researcherPrompt)
}

// Config configures an Agent
type Config struct {
	Model        string
	SystemPrompt string
	// MaxRetries is the number of attempts Invoke makes before summarizing the transcript
	MaxRetries int
	// Sentinel marks a reply as the final answer
	Sentinel string
	// ParallelTools runs the tool uses of a single reply concurrently. Results keep the order of the requests
	ParallelTools bool

	Tracer trace.Tracer
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Sentinel == "" {
		c.Sentinel = DefaultSentinel
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.NoopTracer()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Agent holds what sessions share: the model endpoint, the tools and the configuration. An Agent is safe for
// concurrent use; all conversation state lives in a Session
type Agent struct {
	endpoint ai.ModelEndpoint
	registry *tools.ToolRegistry
	config   Config
}

// NewAgent creates an agent that talks to endpoint and offers it the tools in registry
func NewAgent(endpoint ai.ModelEndpoint, registry *tools.ToolRegistry, config Config) *Agent {
	if registry == nil {
		registry = tools.NewToolRegistry(config.Logger)
	}
	return &Agent{
		endpoint: endpoint,
		registry: registry,
		config:   config.withDefaults(),
	}
}

// Tools returns the tool manifest offered to the model
func (a *Agent) Tools() []ai.ToolSpec {
	return a.registry.Specs()
}

// Session is a single conversation with the agent. A session is not safe for concurrent use
type Session struct {
	agent      *Agent
	id         string
	transcript *Transcript
	logger     *zap.Logger
}

// NewSession starts a new conversation with an empty transcript
func (a *Agent) NewSession() *Session {
	id := telemetry.NewSessionID()
	return &Session{
		agent:      a,
		id:         id,
		transcript: NewTranscript(),
		logger:     a.config.Logger.With(zap.String("session", id)),
	}
}

// ID returns the session's unique identifier
func (s *Session) ID() string {
	return s.id
}

// Transcript returns the session's transcript
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

// Invoke answers input. Each attempt appends to the same transcript, so later attempts see earlier ones. Model
// endpoint failures and tool failures do not fail the call: when no attempt produces a final answer, Invoke returns the
// transcript summary instead. Errors are returned only for a request to an unregistered tool, which is an
// UnexpectedToolError, and for context cancellation
func (s *Session) Invoke(ctx context.Context, input string) (answer string, err error) {
	cfg := s.agent.config
	ctx, span := cfg.Tracer.Start(ctx, "agent.invoke", trace.WithAttributes(
		telemetry.AttrSessionID.String(s.id),
		telemetry.AttrModel.String(cfg.Model),
	))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		s.logger.Info("Starting attempt", zap.Int("attempt", attempt), zap.Int("maxAttempts", cfg.MaxRetries))
		answer, ok, err := s.attempt(ctx, attempt, input)
		if err != nil {
			return "", err
		}
		if ok {
			span.SetAttributes(telemetry.AttrAttempt.Int(attempt))
			return answer, nil
		}
	}

	s.logger.Warn("No final answer after all attempts, summarizing the transcript",
		zap.Int("attempts", cfg.MaxRetries),
		zap.Int("messages", s.transcript.Len()))
	span.SetAttributes(telemetry.AttrOutcome.String("fallback"))
	return s.summarize(), nil
}

// attempt runs one round of the loop. It reports ok when it produced an answer. A failed model call ends the attempt
// without an answer and without an error
func (s *Session) attempt(ctx context.Context, n int, input string) (answer string, ok bool, err error) {
	cfg := s.agent.config
	ctx, span := cfg.Tracer.Start(ctx, "agent.attempt", trace.WithAttributes(telemetry.AttrAttempt.Int(n)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	s.transcript.Append(ai.NewUserMessage(ai.NewTextBlock(input)))

	reply, err := s.converse(ctx)
	if err != nil {
		return "", false, s.endpointFailure(ctx, span, err)
	}
	s.transcript.Append(reply)
	candidate, _ := reply.FirstText()

	if uses := reply.ToolUses(); len(uses) > 0 {
		results, err := s.runTools(ctx, uses)
		if err != nil {
			return "", false, err
		}
		s.transcript.Append(ai.NewUserMessage(results...))

		reply, err = s.converse(ctx)
		if err != nil {
			return "", false, s.endpointFailure(ctx, span, err)
		}
		s.transcript.Append(reply)
		candidate, _ = reply.FirstText()
	}

	if strings.Contains(candidate, cfg.Sentinel) {
		span.SetAttributes(telemetry.AttrOutcome.String("final_answer"))
		return candidate, true, nil
	}

	s.logger.Info("Reply is not marked final, extracting the answer")
	extracted, err := s.extract(ctx, input, candidate)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		s.logger.Warn("Answer extraction failed", zap.Int("attempt", n), zap.Error(err))
		span.SetAttributes(telemetry.AttrOutcome.String("extraction_error"))
		return "", false, nil
	}
	span.SetAttributes(telemetry.AttrOutcome.String("extracted"))
	return extracted, true, nil
}

// endpointFailure logs a failed model call. It returns an error only when the failure was caused by cancellation
func (s *Session) endpointFailure(ctx context.Context, span trace.Span, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Warn("Model call failed, moving on to the next attempt", zap.Error(err))
	span.SetAttributes(telemetry.AttrOutcome.String("endpoint_error"))
	return nil
}

// converse sends the transcript to the model with the session's system prompt and tools
func (s *Session) converse(ctx context.Context) (ai.Message, error) {
	cfg := s.agent.config
	return s.call(ctx, ai.ConverseRequest{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Messages:     withoutDanglingToolUses(s.transcript.Messages()),
		Tools:        s.agent.registry.Specs(),
	})
}

func (s *Session) call(ctx context.Context, req ai.ConverseRequest) (ai.Message, error) {
	ctx, span := s.agent.config.Tracer.Start(ctx, "model.converse", trace.WithAttributes(
		telemetry.AttrModel.String(req.Model),
	))
	defer span.End()

	s.logger.Debug("Calling model", zap.Int("messages", len(req.Messages)), zap.Int("tools", len(req.Tools)))
	resp, err := s.agent.endpoint.Converse(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return ai.Message{}, err
	}

	span.SetAttributes(
		telemetry.AttrInputTokens.Int64(resp.Usage.InputTokens),
		telemetry.AttrOutputTokens.Int64(resp.Usage.OutputTokens),
	)
	s.transcript.AddUsage(resp.Usage)

	msg := resp.Message
	msg.Role = ai.RoleAssistant
	return msg, nil
}

// runTools runs every requested tool and returns one result block per request, in request order. All names are
// resolved before any tool runs, so an unexpected tool fails the attempt without side effects
func (s *Session) runTools(ctx context.Context, uses []ai.ToolUse) ([]ai.ContentBlock, error) {
	for _, use := range uses {
		if _, ok := s.agent.registry.Lookup(use.Name); !ok {
			s.logger.Error("Model requested an unregistered tool", zap.String("tool", use.Name))
			return nil, tools.UnexpectedToolError{Name: use.Name}
		}
	}

	s.logger.Info("Running tools", zap.Int("count", len(uses)), zap.Bool("parallel", s.agent.config.ParallelTools))

	var outcomes []toolOutcome
	if s.agent.config.ParallelTools && len(uses) > 1 {
		mapper := iter.Mapper[ai.ToolUse, toolOutcome]{MaxGoroutines: maxParallelTools}
		outcomes = mapper.Map(uses, func(use *ai.ToolUse) toolOutcome {
			result, err := s.runTool(ctx, *use)
			return toolOutcome{result: result, err: err}
		})
	} else {
		for _, use := range uses {
			result, err := s.runTool(ctx, use)
			outcomes = append(outcomes, toolOutcome{result: result, err: err})
			if err != nil {
				break
			}
		}
	}

	blocks := make([]ai.ContentBlock, 0, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.err != nil {
			return nil, outcome.err
		}
		result := outcome.result
		blocks = append(blocks, ai.ContentBlock{Type: ai.BlockToolResult, ToolResult: &result})
	}
	return blocks, nil
}

type toolOutcome struct {
	result ai.ToolResult
	err    error
}

func (s *Session) runTool(ctx context.Context, use ai.ToolUse) (ai.ToolResult, error) {
	ctx, span := s.agent.config.Tracer.Start(ctx, "tool.run", trace.WithAttributes(
		telemetry.AttrToolName.String(use.Name),
	))
	defer span.End()

	result, err := s.agent.registry.ProcessToolUse(ctx, use)
	if err != nil {
		telemetry.RecordError(span, err)
		return ai.ToolResult{}, err
	}
	span.SetAttributes(telemetry.AttrToolIsError.Bool(result.IsError))
	return result, nil
}

// extract asks the model, without tools and under the extraction prompt, to pull the answer to input out of the
// conversation so far
func (s *Session) extract(ctx context.Context, input string, candidate string) (string, error) {
	ctx, span := s.agent.config.Tracer.Start(ctx, "agent.extract")
	defer span.End()

	messages := collapseToolResults(s.transcript.Messages())
	messages = append(messages, ai.NewUserMessage(
		ai.NewTextBlock(fmt.Sprintf("User Query: %s\nAI Response: %s", input, candidate)),
	))

	reply, err := s.call(ctx, ai.ConverseRequest{
		Model:        s.agent.config.Model,
		SystemPrompt: strings.TrimSpace(extractorPrompt),
		Messages:     messages,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("failed to extract answer: %w", err)
	}

	text, ok := reply.FirstText()
	if !ok {
		err := errors.New("extraction reply has no text")
		telemetry.RecordError(span, err)
		return "", err
	}
	return text, nil
}

// summarize joins the leading text of every message in the transcript. Messages that do not start with text are
// rendered as ToolUsePlaceholder
func (s *Session) summarize() string {
	msgs := s.transcript.Messages()
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if len(msg.Content) > 0 && msg.Content[0].Type == ai.BlockText {
			lines = append(lines, msg.Content[0].Text)
		} else {
			lines = append(lines, ToolUsePlaceholder)
		}
	}
	return strings.Join(lines, "\n")
}
