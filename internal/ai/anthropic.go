package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"
)

const defaultMaxOutputTokens = 4096

// AnthropicEndpoint is a ModelEndpoint backed by the Anthropic messages API
type AnthropicEndpoint struct {
	sender          MessageSender
	maxOutputTokens int64
	logger          *zap.Logger
}

// NewAnthropicEndpoint creates an endpoint that sends requests with sender. A non-positive maxOutputTokens selects
// the default
func NewAnthropicEndpoint(sender MessageSender, maxOutputTokens int64, logger *zap.Logger) *AnthropicEndpoint {
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnthropicEndpoint{
		sender:          sender,
		maxOutputTokens: maxOutputTokens,
		logger:          logger,
	}
}

func (ae *AnthropicEndpoint) Converse(ctx context.Context, req ConverseRequest) (*ConverseResponse, error) {
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: ae.maxOutputTokens,
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, spec := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: toAnthropicTool(spec)})
	}

	response, err := ae.sender.SendMessage(ctx, params)
	if err != nil {
		return nil, err
	}

	ae.logger.Debug("Token usage",
		zap.Int64("input", response.Usage.InputTokens),
		zap.Int64("output", response.Usage.OutputTokens),
		zap.Int64("cacheCreate", response.Usage.CacheCreationInputTokens),
		zap.Int64("cacheRead", response.Usage.CacheReadInputTokens),
	)

	msg := fromAnthropicMessage(response)
	if len(msg.Content) == 0 {
		return nil, ErrNoContent
	}
	return &ConverseResponse{
		Message:    msg,
		StopReason: string(response.StopReason),
		Usage: Usage{
			InputTokens:  response.Usage.InputTokens,
			OutputTokens: response.Usage.OutputTokens,
		},
	}, nil
}

func toAnthropicTool(spec ToolSpec) *anthropic.ToolParam {
	tool := &anthropic.ToolParam{
		Name: spec.Name,
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: spec.InputSchema.Properties,
			Required:   spec.InputSchema.Required,
		},
	}
	if spec.Description != "" {
		tool.Description = anthropic.String(spec.Description)
	}
	return tool
}

func toAnthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	// Messages that would convert to no blocks are dropped before coalescing, so the roles around them still merge
	var sendable []Message
	for _, msg := range msgs {
		if hasSendableContent(msg) {
			sendable = append(sendable, msg)
		}
	}

	var params []anthropic.MessageParam
	for _, msg := range coalesce(sendable) {
		blocks, err := toAnthropicBlocks(msg.Content)
		if err != nil {
			return nil, err
		}
		switch msg.Role {
		case RoleUser:
			params = append(params, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unknown role: %q", msg.Role)
		}
	}
	return params, nil
}

func hasSendableContent(msg Message) bool {
	for _, block := range msg.Content {
		if block.Type != BlockText || block.Text != "" {
			return true
		}
	}
	return false
}

func toAnthropicBlocks(content []ContentBlock) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, block := range content {
		switch block.Type {
		case BlockText:
			if block.Text == "" {
				// The API rejects empty text blocks
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(block.Text))
		case BlockToolUse:
			input := block.ToolUse.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(block.ToolUse.ID, input, block.ToolUse.Name))
		case BlockToolResult:
			result := block.ToolResult
			blocks = append(blocks, anthropic.NewToolResultBlock(result.ToolUseID, result.Text(), result.IsError))
		default:
			return nil, fmt.Errorf("unknown content block type: %q", block.Type)
		}
	}
	return blocks, nil
}

func fromAnthropicMessage(msg anthropic.Message) Message {
	out := Message{Role: RoleAssistant}
	for _, contentBlock := range msg.Content {
		switch content := contentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			if content.Text == "" {
				continue
			}
			out.Content = append(out.Content, NewTextBlock(content.Text))
		case anthropic.ToolUseBlock:
			out.Content = append(out.Content, NewToolUseBlock(content.ID, content.Name, content.Input))
		}
	}
	return out
}
