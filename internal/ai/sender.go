package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	anthropt "github.com/anthropics/anthropic-sdk-go/option"
)

// MessageSender sends a single request to the Anthropic messages API
type MessageSender interface {
	SendMessage(ctx context.Context, params anthropic.MessageNewParams, opts ...anthropt.RequestOption) (anthropic.Message, error)
}

// StreamingMessageSender sends messages over the streaming API and accumulates the events into a single message.
// Streaming avoids the request timeouts the SDK imposes on long non-streaming calls
type StreamingMessageSender struct {
	client anthropic.Client
}

func NewStreamingMessageSender(client anthropic.Client) StreamingMessageSender {
	return StreamingMessageSender{
		client: client,
	}
}

func (sms StreamingMessageSender) SendMessage(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...anthropt.RequestOption,
) (anthropic.Message, error) {
	stream := sms.client.Messages.NewStreaming(ctx, params, opts...)
	defer stream.Close()

	response := anthropic.Message{}
	for stream.Next() {
		if err := response.Accumulate(stream.Current()); err != nil {
			return anthropic.Message{}, fmt.Errorf("failed to accumulate response content stream: %w", err)
		}
	}
	if stream.Err() != nil {
		return anthropic.Message{}, fmt.Errorf("failed to stream response: %w", stream.Err())
	}
	if response.StopReason == "" {
		b, err := json.Marshal(response)
		if err != nil {
			return anthropic.Message{}, fmt.Errorf("malformed message, and failed to marshal it for inspection: %w", err)
		}
		return anthropic.Message{}, fmt.Errorf("malformed message: %s", string(b))
	}

	return response, nil
}
