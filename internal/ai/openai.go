package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ChatCompleter is the subset of the go-openai client used by OpenAIEndpoint
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIEndpoint is a ModelEndpoint backed by any OpenAI-compatible chat completions API, e.g. Writer's Palmyra
// models or OpenRouter
type OpenAIEndpoint struct {
	client          ChatCompleter
	maxOutputTokens int
	logger          *zap.Logger
}

// OpenAIConfig configures an OpenAI-compatible client
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// HTTPClient is optional
	HTTPClient openai.HTTPDoer
}

// NewOpenAIClient creates a go-openai client for an OpenAI-compatible API
func NewOpenAIClient(cfg OpenAIConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}
	return openai.NewClientWithConfig(config)
}

func NewOpenAIEndpoint(client ChatCompleter, maxOutputTokens int, logger *zap.Logger) *OpenAIEndpoint {
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIEndpoint{
		client:          client,
		maxOutputTokens: maxOutputTokens,
		logger:          logger,
	}
}

func (oe *OpenAIEndpoint) Converse(ctx context.Context, req ConverseRequest) (*ConverseResponse, error) {
	completionReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: oe.maxOutputTokens,
		Messages:  toOpenAIMessages(req.SystemPrompt, req.Messages),
	}
	if len(req.Tools) > 0 {
		completionReq.Tools = toOpenAITools(req.Tools)
		completionReq.ToolChoice = "auto"
	}

	resp, err := oe.client.CreateChatCompletion(ctx, completionReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	oe.logger.Debug("Token usage",
		zap.Int("prompt", resp.Usage.PromptTokens),
		zap.Int("completion", resp.Usage.CompletionTokens),
	)

	choice := resp.Choices[0]
	msg := fromOpenAIMessage(choice.Message)
	if len(msg.Content) == 0 {
		return nil, ErrNoContent
	}
	return &ConverseResponse{
		Message:    msg,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}

func toOpenAITools(specs []ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.InputSchema,
			},
		})
	}
	return tools
}

// toOpenAIMessages flattens the block-structured transcript into chat messages. Tool results become "tool" role
// messages, which must directly follow the assistant message that requested them
func toOpenAIMessages(systemPrompt string, msgs []Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for _, msg := range coalesce(msgs) {
		var text []string
		switch msg.Role {
		case RoleAssistant:
			assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, block := range msg.Content {
				switch block.Type {
				case BlockText:
					text = append(text, block.Text)
				case BlockToolUse:
					args := string(block.ToolUse.Input)
					if args == "" {
						args = "{}"
					}
					assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
						ID:   block.ToolUse.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      block.ToolUse.Name,
							Arguments: args,
						},
					})
				}
			}
			assistant.Content = strings.Join(text, "\n")
			out = append(out, assistant)
		default:
			for _, block := range msg.Content {
				switch block.Type {
				case BlockText:
					text = append(text, block.Text)
				case BlockToolResult:
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    block.ToolResult.Text(),
						ToolCallID: block.ToolResult.ToolUseID,
					})
				}
			}
			if len(text) > 0 {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: strings.Join(text, "\n"),
				})
			}
		}
	}
	return out
}

func fromOpenAIMessage(msg openai.ChatCompletionMessage) Message {
	out := Message{Role: RoleAssistant}
	if msg.Content != "" {
		out.Content = append(out.Content, NewTextBlock(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			// Some OpenAI-compatible providers omit call ids; results still need something to link to
			id = "call_" + uuid.NewString()
		}
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out.Content = append(out.Content, NewToolUseBlock(id, tc.Function.Name, args))
	}
	return out
}
