package agent

import (
	"github.com/cchalm/researcher/internal/ai"
)

// Transcript is the ordered message history of one session. It only grows: messages are appended and never modified
// or removed, and callers only ever see copies
type Transcript struct {
	messages []ai.Message
	usage    ai.Usage
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append adds a message to the end of the transcript
func (t *Transcript) Append(msg ai.Message) {
	t.messages = append(t.messages, ai.CloneMessages([]ai.Message{msg})...)
}

// Messages returns a copy of the transcript's messages
func (t *Transcript) Messages() []ai.Message {
	return ai.CloneMessages(t.messages)
}

// Len returns the number of messages in the transcript
func (t *Transcript) Len() int {
	return len(t.messages)
}

// AddUsage accumulates the token usage of a model call made on behalf of the session
func (t *Transcript) AddUsage(usage ai.Usage) {
	t.usage.InputTokens += usage.InputTokens
	t.usage.OutputTokens += usage.OutputTokens
}

// Usage returns the total token usage of the session
func (t *Transcript) Usage() ai.Usage {
	return t.usage
}

// collapseToolResults converts a transcript into plain text for a model call made without tools. Tool results are
// replaced by their text content and tool use requests are dropped
func collapseToolResults(msgs []ai.Message) []ai.Message {
	collapsed := make([]ai.Message, 0, len(msgs))
	for _, msg := range msgs {
		out := ai.Message{Role: msg.Role}
		for _, block := range msg.Content {
			switch block.Type {
			case ai.BlockText:
				out.Content = append(out.Content, block)
			case ai.BlockToolResult:
				if block.ToolResult != nil {
					out.Content = append(out.Content, block.ToolResult.Content...)
				}
			}
		}
		collapsed = append(collapsed, out)
	}
	return collapsed
}

// withoutDanglingToolUses drops tool use blocks that no message answers with a tool result. A follow-up reply may
// request tools that are never run, and model APIs reject histories holding unanswered tool uses
func withoutDanglingToolUses(msgs []ai.Message) []ai.Message {
	answered := make(map[string]bool)
	for _, msg := range msgs {
		for _, block := range msg.Content {
			if block.Type == ai.BlockToolResult && block.ToolResult != nil {
				answered[block.ToolResult.ToolUseID] = true
			}
		}
	}

	pruned := make([]ai.Message, 0, len(msgs))
	for _, msg := range msgs {
		out := ai.Message{Role: msg.Role}
		for _, block := range msg.Content {
			if block.Type == ai.BlockToolUse && (block.ToolUse == nil || !answered[block.ToolUse.ID]) {
				continue
			}
			out.Content = append(out.Content, block)
		}
		pruned = append(pruned, out)
	}
	return pruned
}
