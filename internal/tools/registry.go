// Package tools provides the tool registry consulted by the dialogue loop and the built-in tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cchalm/researcher/internal/ai"
)

// Tool defines the interface for all tools
type Tool interface {
	// Spec returns the manifest entry describing the tool to the model
	Spec() ai.ToolSpec

	// Run performs the tool call with the model-supplied JSON arguments and returns a text result or an error. The
	// error will be a ToolInputError if it is recoverable by fixing inputs
	Run(ctx context.Context, input json.RawMessage) (string, error)
}

// ToolInputError represents an error that could be recovered by correcting inputs to the tool. This error will be
// uploaded to the AI, so it must not contain any sensitive information
type ToolInputError struct {
	cause error
}

func (tie ToolInputError) Error() string {
	return fmt.Sprintf("tool input error: %s", tie.cause)
}

func (tie ToolInputError) Unwrap() error {
	return tie.cause
}

func NewToolInputError(cause error) ToolInputError {
	return ToolInputError{cause: cause}
}

// UnexpectedToolError is returned when the model requests a tool that is not in the registered manifest
type UnexpectedToolError struct {
	Name string
}

func (ute UnexpectedToolError) Error() string {
	return fmt.Sprintf("an unexpected tool was used: %q", ute.Name)
}

// ToolRegistry maps tool names to tools. Registration happens at startup; afterwards the registry is read-only and
// safe for concurrent use
type ToolRegistry struct {
	tools  map[string]Tool
	order  []string
	logger *zap.Logger
}

// NewToolRegistry creates an empty tool registry
func NewToolRegistry(logger *zap.Logger) *ToolRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolRegistry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds tools to the registry. Names must be unique
func (tr *ToolRegistry) Register(tools ...Tool) error {
	for _, tool := range tools {
		name := tool.Spec().Name
		if name == "" {
			return fmt.Errorf("tool %T has no name", tool)
		}
		if _, ok := tr.tools[name]; ok {
			return fmt.Errorf("duplicate tool name: %s", name)
		}
		tr.tools[name] = tool
		tr.order = append(tr.order, name)
	}
	return nil
}

// Lookup returns the tool registered under name
func (tr *ToolRegistry) Lookup(name string) (Tool, bool) {
	tool, ok := tr.tools[name]
	return tool, ok
}

// Specs returns the tool manifest in registration order
func (tr *ToolRegistry) Specs() []ai.ToolSpec {
	specs := make([]ai.ToolSpec, 0, len(tr.order))
	for _, name := range tr.order {
		specs = append(specs, tr.tools[name].Spec())
	}
	return specs
}

// Len returns the number of registered tools
func (tr *ToolRegistry) Len() int {
	return len(tr.order)
}

// ProcessToolUse runs the tool requested by use and returns the result to send back to the model. The only error
// returned is UnexpectedToolError; failures of the tool itself are reported in the result so the conversation can
// continue
func (tr *ToolRegistry) ProcessToolUse(ctx context.Context, use ai.ToolUse) (ai.ToolResult, error) {
	tool, ok := tr.tools[use.Name]
	if !ok {
		return ai.ToolResult{}, UnexpectedToolError{Name: use.Name}
	}

	input := use.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	tr.logger.Info("Calling tool", zap.String("tool", use.Name), zap.ByteString("input", input))
	response, err := runTool(ctx, tool, input)

	var tie ToolInputError
	if errors.As(err, &tie) {
		// Give the AI the opportunity to correct the inputs
		tr.logger.Warn("Recoverable tool error, reporting to the AI", zap.String("tool", use.Name), zap.Error(err))
		return newToolResult(use.ID, tie.Error(), true), nil
	} else if err != nil {
		tr.logger.Warn("Tool failed", zap.String("tool", use.Name), zap.Error(err))
		return newToolResult(use.ID, fmt.Sprintf("Failed to run %s. Error: %s", use.Name, err), true), nil
	}

	tr.logger.Debug("Tool response", zap.String("tool", use.Name), zap.Int("size", len(response)))
	return newToolResult(use.ID, response, false), nil
}

// runTool converts a panicking tool into an error so that one broken tool cannot take down the session
func runTool(ctx context.Context, tool Tool, input json.RawMessage) (response string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Run(ctx, input)
}

func newToolResult(toolUseID string, text string, isError bool) ai.ToolResult {
	return ai.ToolResult{
		ToolUseID: toolUseID,
		Content:   []ai.ContentBlock{ai.NewTextBlock(text)},
		IsError:   isError,
	}
}

// parseInputJSON is a helper to unmarshal tool input
func parseInputJSON(input json.RawMessage, target any) error {
	err := json.Unmarshal(input, target)
	if err != nil {
		err = NewToolInputError(err)
	}
	return err
}
