package ai

import "context"

// ModelEndpoint is a text-generation model that can answer with text or with tool use requests
type ModelEndpoint interface {
	// Converse sends the full message history to the model and returns its reply. Implementations must not modify
	// req.Messages
	Converse(ctx context.Context, req ConverseRequest) (*ConverseResponse, error)
}

// ConverseRequest is a single model call
type ConverseRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	// Tools may be empty, in which case the model is not offered any tools
	Tools []ToolSpec
}

// ConverseResponse is the model's reply to a ConverseRequest
type ConverseResponse struct {
	Message    Message
	StopReason string
	Usage      Usage
}

// Usage reports token consumption for a single model call
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// coalesce merges adjacent messages with the same role. Model APIs require alternating roles, but a transcript can
// hold two user messages in a row, e.g. when a model call failed between them
func coalesce(msgs []Message) []Message {
	var merged []Message
	for _, msg := range msgs {
		if len(msg.Content) == 0 {
			continue
		}
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			merged[n-1].Content = append(merged[n-1].Content, msg.Content...)
			continue
		}
		merged = append(merged, Message{
			Role:    msg.Role,
			Content: append([]ContentBlock(nil), msg.Content...),
		})
	}
	return merged
}
