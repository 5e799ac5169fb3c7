// Package ai provides the provider-neutral conversation model and the model endpoints that speak it.
package ai

import (
	"encoding/json"
	"errors"
	"strings"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the variants of ContentBlock
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ErrNoContent is returned by endpoints when the model replies with an empty message
var ErrNoContent = errors.New("model returned no content")

// Message is a single entry in a conversation
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a tagged union of text, tool use and tool result. Exactly one of Text, ToolUse and ToolResult is
// meaningful, as selected by Type
type ContentBlock struct {
	Type       BlockType   `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"toolUse,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// ToolUse is a request from the model to invoke a tool by name
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the answer to a ToolUse, linked to it by ToolUseID
type ToolResult struct {
	ToolUseID string         `json:"toolUseId"`
	Content   []ContentBlock `json:"content"`
	IsError   bool           `json:"isError,omitempty"`
}

// ToolSpec describes a tool to the model. The schema is forwarded verbatim and never interpreted by the loop
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema is a JSON-Schema object descriptor for a tool's arguments
type InputSchema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

// MarshalJSON renders the schema as a complete JSON-Schema object
func (s InputSchema) MarshalJSON() ([]byte, error) {
	properties := s.Properties
	if properties == nil {
		properties = map[string]any{}
	}
	return json.Marshal(struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required,omitempty"`
	}{
		Type:       "object",
		Properties: properties,
		Required:   s.Required,
	})
}

// NewTextBlock creates a text content block
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewToolUseBlock creates a tool use content block
func NewToolUseBlock(id string, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// NewToolResultBlock creates a tool result content block holding a single text block
func NewToolResultBlock(toolUseID string, text string, isError bool) ContentBlock {
	return ContentBlock{
		Type: BlockToolResult,
		ToolResult: &ToolResult{
			ToolUseID: toolUseID,
			Content:   []ContentBlock{NewTextBlock(text)},
			IsError:   isError,
		},
	}
}

// NewUserMessage creates a user message from content blocks
func NewUserMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleUser, Content: blocks}
}

// NewAssistantMessage creates an assistant message from content blocks
func NewAssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Content: blocks}
}

// FirstText returns the text of the first text block in the message, if any
func (m Message) FirstText() (string, bool) {
	for _, block := range m.Content {
		if block.Type == BlockText {
			return block.Text, true
		}
	}
	return "", false
}

// ToolUses returns the message's tool use requests in the order the model emitted them
func (m Message) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, block := range m.Content {
		if block.Type == BlockToolUse && block.ToolUse != nil {
			uses = append(uses, *block.ToolUse)
		}
	}
	return uses
}

// Text returns the concatenated text of the result's text blocks
func (r ToolResult) Text() string {
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == BlockText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// CloneMessages returns a deep copy of msgs. Nothing reachable from the copy is shared with the original
func CloneMessages(msgs []Message) []Message {
	cloned := make([]Message, len(msgs))
	for i, msg := range msgs {
		cloned[i] = Message{
			Role:    msg.Role,
			Content: cloneBlocks(msg.Content),
		}
	}
	return cloned
}

func cloneBlocks(blocks []ContentBlock) []ContentBlock {
	if len(blocks) == 0 {
		return nil
	}
	cloned := make([]ContentBlock, len(blocks))
	for i, block := range blocks {
		cloned[i] = block
		if block.ToolUse != nil {
			use := *block.ToolUse
			use.Input = append(json.RawMessage(nil), use.Input...)
			cloned[i].ToolUse = &use
		}
		if block.ToolResult != nil {
			result := *block.ToolResult
			result.Content = cloneBlocks(result.Content)
			cloned[i].ToolResult = &result
		}
	}
	return cloned
}
