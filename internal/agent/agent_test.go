package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cchalm/researcher/internal/ai"
	"github.com/cchalm/researcher/internal/tools"
)

// scriptedEndpoint replies to model calls from a fixed script and records every request
type scriptedEndpoint struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []ai.ConverseRequest
}

type scriptedReply struct {
	msg ai.Message
	err error
}

func reply(blocks ...ai.ContentBlock) scriptedReply {
	return scriptedReply{msg: ai.NewAssistantMessage(blocks...)}
}

func replyText(text string) scriptedReply {
	return reply(ai.NewTextBlock(text))
}

func replyErr(err error) scriptedReply {
	return scriptedReply{err: err}
}

func toolUse(id string, name string, input string) ai.ContentBlock {
	return ai.NewToolUseBlock(id, name, json.RawMessage(input))
}

func (e *scriptedEndpoint) Converse(ctx context.Context, req ai.ConverseRequest) (*ai.ConverseResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, req)
	if len(e.replies) == 0 {
		return nil, errors.New("no scripted reply left")
	}
	r := e.replies[0]
	e.replies = e.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &ai.ConverseResponse{
		Message:    r.msg,
		StopReason: "end_turn",
		Usage:      ai.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (e *scriptedEndpoint) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

// fakeTool returns a fixed response, or fails, and counts its calls
type fakeTool struct {
	name     string
	response string
	err      error
	panics   bool
	delay    time.Duration

	mu     sync.Mutex
	inputs []string
}

func (f *fakeTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{Name: f.name, Description: "fake tool " + f.name}
}

func (f *fakeTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, string(input))
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics {
		panic("fake tool exploded")
	}
	return f.response, f.err
}

func (f *fakeTool) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func newTestAgent(t *testing.T, endpoint ai.ModelEndpoint, config Config, registered ...tools.Tool) *Agent {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := tools.NewToolRegistry(logger)
	require.NoError(t, registry.Register(registered...))

	config.Logger = logger
	if config.Model == "" {
		config.Model = "test-model"
	}
	return NewAgent(endpoint, registry, config)
}

func TestInvoke_SentinelInFirstReply(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{replyText("FINAL ANSWER: Paris")}}
	session := newTestAgent(t, endpoint, Config{}, &fakeTool{name: "web_search"}).NewSession()

	answer, err := session.Invoke(context.Background(), "What is the capital of France?")

	require.NoError(t, err)
	assert.Equal(t, "FINAL ANSWER: Paris", answer)
	require.Equal(t, 1, endpoint.calls())
	assert.Equal(t, 2, session.Transcript().Len())

	req := endpoint.requests[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, DefaultSystemPrompt(), req.SystemPrompt)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "web_search", req.Tools[0].Name)
	assert.Equal(t, []ai.Message{ai.NewUserMessage(ai.NewTextBlock("What is the capital of France?"))}, req.Messages)
}

func TestInvoke_CalculatorToolRoundTrip(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		reply(toolUse("tool-1", "calculator", `{"expression": "2+2"}`)),
		replyText("FINAL ANSWER: 4"),
	}}
	calculator := tools.NewCalculatorTool()
	session := newTestAgent(t, endpoint, Config{}, calculator).NewSession()

	answer, err := session.Invoke(context.Background(), "2+2?")

	require.NoError(t, err)
	assert.Equal(t, "FINAL ANSWER: 4", answer)
	require.Equal(t, 2, endpoint.calls())

	// user, assistant tool use, user tool result, assistant answer
	msgs := session.Transcript().Messages()
	require.Len(t, msgs, 4)
	require.Len(t, msgs[2].Content, 1)
	result := msgs[2].Content[0].ToolResult
	require.NotNil(t, result)
	assert.Equal(t, ai.RoleUser, msgs[2].Role)
	assert.Equal(t, "tool-1", result.ToolUseID)
	assert.Equal(t, "4", result.Text())
	assert.False(t, result.IsError)

	// The second call carries the tool result
	assert.Equal(t, msgs[:3], endpoint.requests[1].Messages)
}

func TestInvoke_UnexpectedTool(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		reply(toolUse("tool-1", "delete_everything", `{}`)),
	}}
	known := &fakeTool{name: "web_search"}
	session := newTestAgent(t, endpoint, Config{}, known).NewSession()

	_, err := session.Invoke(context.Background(), "clean up")

	var ute tools.UnexpectedToolError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, "delete_everything", ute.Name)
	assert.Equal(t, 1, endpoint.calls())
	assert.Equal(t, 0, known.calls())
}

func TestInvoke_UnexpectedToolRunsNoTools(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		reply(
			toolUse("tool-1", "web_search", `{"query": "x"}`),
			toolUse("tool-2", "not_registered", `{}`),
		),
	}}
	search := &fakeTool{name: "web_search", response: "results"}
	session := newTestAgent(t, endpoint, Config{}, search).NewSession()

	_, err := session.Invoke(context.Background(), "q")

	var ute tools.UnexpectedToolError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, 0, search.calls())
}

func TestInvoke_ToolFailuresBecomeResults(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		reply(
			toolUse("tool-1", "broken", `{}`),
			toolUse("tool-2", "explosive", `{}`),
			toolUse("tool-3", "web_search", `{"query": "go"}`),
		),
		replyText("FINAL ANSWER: partial results"),
	}}
	session := newTestAgent(t, endpoint, Config{},
		&fakeTool{name: "broken", err: errors.New("connection reset")},
		&fakeTool{name: "explosive", panics: true},
		&fakeTool{name: "web_search", response: "golang.org"},
	).NewSession()

	answer, err := session.Invoke(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, "FINAL ANSWER: partial results", answer)

	msgs := session.Transcript().Messages()
	require.Len(t, msgs, 4)
	results := msgs[2].Content
	require.Len(t, results, 3)

	assert.Equal(t, "tool-1", results[0].ToolResult.ToolUseID)
	assert.True(t, results[0].ToolResult.IsError)
	assert.Equal(t, "Failed to run broken. Error: connection reset", results[0].ToolResult.Text())

	assert.Equal(t, "tool-2", results[1].ToolResult.ToolUseID)
	assert.True(t, results[1].ToolResult.IsError)
	assert.Contains(t, results[1].ToolResult.Text(), "fake tool exploded")

	assert.Equal(t, "tool-3", results[2].ToolResult.ToolUseID)
	assert.False(t, results[2].ToolResult.IsError)
	assert.Equal(t, "golang.org", results[2].ToolResult.Text())
}

func TestInvoke_ParallelToolsKeepRequestOrder(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		reply(
			toolUse("tool-1", "slow", `{}`),
			toolUse("tool-2", "fast", `{}`),
			toolUse("tool-3", "slow", `{}`),
		),
		replyText("FINAL ANSWER: done"),
	}}
	slow := &fakeTool{name: "slow", response: "slow result", delay: 30 * time.Millisecond}
	fast := &fakeTool{name: "fast", response: "fast result"}
	session := newTestAgent(t, endpoint, Config{ParallelTools: true}, slow, fast).NewSession()

	_, err := session.Invoke(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, 2, slow.calls())
	assert.Equal(t, 1, fast.calls())

	results := session.Transcript().Messages()[2].Content
	require.Len(t, results, 3)
	assert.Equal(t, "tool-1", results[0].ToolResult.ToolUseID)
	assert.Equal(t, "slow result", results[0].ToolResult.Text())
	assert.Equal(t, "tool-2", results[1].ToolResult.ToolUseID)
	assert.Equal(t, "fast result", results[1].ToolResult.Text())
	assert.Equal(t, "tool-3", results[2].ToolResult.ToolUseID)
}

func TestInvoke_ExtractsAnswerWithoutSentinel(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		replyText("I believe it is Paris."),
		replyText("Paris"),
	}}
	session := newTestAgent(t, endpoint, Config{}, &fakeTool{name: "web_search"}).NewSession()

	answer, err := session.Invoke(context.Background(), "Capital of France?")

	require.NoError(t, err)
	assert.Equal(t, "Paris", answer)
	require.Equal(t, 2, endpoint.calls())

	extraction := endpoint.requests[1]
	assert.Equal(t, strings.TrimSpace(extractorPrompt), extraction.SystemPrompt)
	assert.Empty(t, extraction.Tools)
	require.Len(t, extraction.Messages, 3)
	framing, ok := extraction.Messages[2].FirstText()
	require.True(t, ok)
	assert.Equal(t, "User Query: Capital of France?\nAI Response: I believe it is Paris.", framing)

	// The extraction exchange is not part of the session
	assert.Equal(t, 2, session.Transcript().Len())
}

func TestInvoke_ExtractionCollapsesToolBlocks(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		reply(ai.NewTextBlock("Let me calculate."), toolUse("tool-1", "calculator", `{"expression": "6*7"}`)),
		replyText("The result is 42"),
		replyText("42"),
	}}
	session := newTestAgent(t, endpoint, Config{}, tools.NewCalculatorTool()).NewSession()

	answer, err := session.Invoke(context.Background(), "6 times 7")

	require.NoError(t, err)
	assert.Equal(t, "42", answer)
	require.Equal(t, 3, endpoint.calls())

	extraction := endpoint.requests[2]
	for _, msg := range extraction.Messages {
		for _, block := range msg.Content {
			assert.Equal(t, ai.BlockText, block.Type)
		}
	}
	assert.Equal(t, []ai.ContentBlock{ai.NewTextBlock("Let me calculate.")}, extraction.Messages[1].Content)
	assert.Equal(t, []ai.ContentBlock{ai.NewTextBlock("42")}, extraction.Messages[2].Content)
}

func TestInvoke_EndpointErrorsRetryAndAccumulate(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		replyErr(errors.New("throttled")),
		replyErr(errors.New("throttled")),
		replyErr(errors.New("throttled")),
	}}
	session := newTestAgent(t, endpoint, Config{MaxRetries: 3}).NewSession()

	answer, err := session.Invoke(context.Background(), "hello")

	require.NoError(t, err)
	assert.Equal(t, "hello\nhello\nhello", answer)
	require.Equal(t, 3, endpoint.calls())
	for i, req := range endpoint.requests {
		assert.Len(t, req.Messages, i+1, "attempt %d should see every earlier attempt", i+1)
	}
	assert.Equal(t, 3, session.Transcript().Len())
}

func TestInvoke_RecoversOnLaterAttempt(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		replyErr(errors.New("service unavailable")),
		replyText("FINAL ANSWER: 7"),
	}}
	session := newTestAgent(t, endpoint, Config{}).NewSession()

	answer, err := session.Invoke(context.Background(), "3+4")

	require.NoError(t, err)
	assert.Equal(t, "FINAL ANSWER: 7", answer)
	// Two user messages from the two attempts, then the answer
	assert.Equal(t, 3, session.Transcript().Len())
}

func TestInvoke_FallbackSummarizesTranscript(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		reply(toolUse("tool-1", "web_search", `{"query": "weather"}`)),
		replyText("Still looking."),
		replyErr(errors.New("extraction unavailable")),
	}}
	session := newTestAgent(t, endpoint, Config{MaxRetries: 1},
		&fakeTool{name: "web_search", response: "sunny"},
	).NewSession()

	answer, err := session.Invoke(context.Background(), "Weather?")

	require.NoError(t, err)
	assert.Equal(t, "Weather?\n"+ToolUsePlaceholder+"\n"+ToolUsePlaceholder+"\nStill looking.", answer)
	assert.Equal(t, 3, endpoint.calls())
}

func TestInvoke_ExtractionWithoutTextRetries(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		replyText("hmm"),
		reply(),
		replyText("FINAL ANSWER: yes"),
	}}
	session := newTestAgent(t, endpoint, Config{}).NewSession()

	answer, err := session.Invoke(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, "FINAL ANSWER: yes", answer)
	assert.Equal(t, 3, endpoint.calls())
}

func TestInvoke_TranscriptIsAppendOnly(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		reply(toolUse("tool-1", "calculator", `{"expression": "1+1"}`)),
		replyText("FINAL ANSWER: 2"),
		replyText("no marker here"),
		replyErr(errors.New("extraction down")),
		replyErr(errors.New("model down")),
		replyText("FINAL ANSWER: 3"),
	}}
	session := newTestAgent(t, endpoint, Config{}, tools.NewCalculatorTool()).NewSession()

	before := []ai.Message{}
	for _, input := range []string{"1+1", "1+2"} {
		_, err := session.Invoke(context.Background(), input)
		require.NoError(t, err)

		after := session.Transcript().Messages()
		require.Greater(t, len(after), len(before))
		assert.Equal(t, before, after[:len(before)])
		before = after
	}
}

func TestInvoke_DanglingToolUseNotResent(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		reply(toolUse("tool-1", "web_search", `{"query": "a"}`)),
		reply(ai.NewTextBlock("I need more."), toolUse("tool-2", "web_search", `{"query": "b"}`)),
		replyErr(errors.New("extraction down")),
		replyText("FINAL ANSWER: b"),
	}}
	session := newTestAgent(t, endpoint, Config{}, &fakeTool{name: "web_search", response: "r"}).NewSession()

	answer, err := session.Invoke(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, "FINAL ANSWER: b", answer)
	require.Equal(t, 4, endpoint.calls())

	for _, msg := range endpoint.requests[3].Messages {
		for _, use := range msg.ToolUses() {
			assert.NotEqual(t, "tool-2", use.ID)
		}
	}
	// The transcript itself keeps the unanswered request
	assert.Len(t, session.Transcript().Messages()[3].ToolUses(), 1)
}

func TestInvoke_CustomSentinel(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{replyText("DONE: 5")}}
	session := newTestAgent(t, endpoint, Config{Sentinel: "DONE:"}).NewSession()

	answer, err := session.Invoke(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, "DONE: 5", answer)
	assert.Equal(t, 1, endpoint.calls())
}

func TestInvoke_CanceledContext(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{replyText("FINAL ANSWER: x")}}
	session := newTestAgent(t, endpoint, Config{}).NewSession()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := session.Invoke(ctx, "q")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, endpoint.calls())
}

func TestSessions_AreIndependent(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		replyText("FINAL ANSWER: one"),
		replyText("FINAL ANSWER: two"),
	}}
	agent := newTestAgent(t, endpoint, Config{})
	first := agent.NewSession()
	second := agent.NewSession()

	_, err := first.Invoke(context.Background(), "first")
	require.NoError(t, err)
	_, err = second.Invoke(context.Background(), "second")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 2, first.Transcript().Len())
	assert.Equal(t, 2, second.Transcript().Len())
	assert.Len(t, endpoint.requests[1].Messages, 1)
}

func TestInvoke_AccumulatesUsage(t *testing.T) {
	endpoint := &scriptedEndpoint{replies: []scriptedReply{
		replyText("maybe"),
		replyText("extracted"),
	}}
	session := newTestAgent(t, endpoint, Config{}).NewSession()

	_, err := session.Invoke(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, ai.Usage{InputTokens: 20, OutputTokens: 10}, session.Transcript().Usage())
}
