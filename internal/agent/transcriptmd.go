package agent

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cchalm/researcher/internal/ai"
)

//go:embed transcript_template.tmpl
var transcriptMarkdownTemplate string

const maxRenderedToolResult = 5000

// transcriptMarkdownData is the simplified view of a session handed to the template
type transcriptMarkdownData struct {
	SessionID    string
	Model        string
	SystemPrompt string
	CreatedAt    string
	Entries      []transcriptEntry
	Usage        ai.Usage
}

// transcriptEntry is a single rendered step of the conversation
type transcriptEntry struct {
	Kind       string // "user_text", "assistant_text", "tool_action"
	Text       string
	ToolName   string
	ToolInput  string
	ToolResult string
	HasResult  bool
	IsError    bool
}

// Markdown renders the session's transcript as a Markdown document. Tool uses are shown together with their results
func (s *Session) Markdown() (string, error) {
	data := buildTranscriptData(s.transcript.Messages())
	data.SessionID = s.id
	data.Model = s.agent.config.Model
	data.SystemPrompt = s.agent.config.SystemPrompt
	data.CreatedAt = time.Now().Format("2006-01-02 15:04:05 MST")
	data.Usage = s.transcript.Usage()

	return renderTranscriptMarkdown(data)
}

func buildTranscriptData(msgs []ai.Message) *transcriptMarkdownData {
	data := &transcriptMarkdownData{}
	// Index into data.Entries of each tool action, so that results can be attached when they arrive
	pending := make(map[string]int)

	for _, msg := range msgs {
		for _, block := range msg.Content {
			switch block.Type {
			case ai.BlockText:
				if strings.TrimSpace(block.Text) == "" {
					continue
				}
				kind := "user_text"
				if msg.Role == ai.RoleAssistant {
					kind = "assistant_text"
				}
				data.Entries = append(data.Entries, transcriptEntry{Kind: kind, Text: block.Text})

			case ai.BlockToolUse:
				if block.ToolUse == nil {
					continue
				}
				pending[block.ToolUse.ID] = len(data.Entries)
				data.Entries = append(data.Entries, transcriptEntry{
					Kind:      "tool_action",
					ToolName:  block.ToolUse.Name,
					ToolInput: string(block.ToolUse.Input),
				})

			case ai.BlockToolResult:
				if block.ToolResult == nil {
					continue
				}
				i, ok := pending[block.ToolResult.ToolUseID]
				if !ok {
					continue
				}
				data.Entries[i].HasResult = true
				data.Entries[i].IsError = block.ToolResult.IsError
				data.Entries[i].ToolResult = block.ToolResult.Text()
				delete(pending, block.ToolResult.ToolUseID)
			}
		}
	}

	return data
}

func renderTranscriptMarkdown(data *transcriptMarkdownData) (string, error) {
	funcMap := template.FuncMap{
		"prettifyJSON": func(jsonStr string) string {
			var prettyJSON bytes.Buffer
			if err := json.Indent(&prettyJSON, []byte(jsonStr), "", "  "); err == nil {
				return prettyJSON.String()
			}
			return jsonStr
		},
		"truncateContent": func(content string) string {
			runes := []rune(content)
			if len(runes) > maxRenderedToolResult {
				return string(runes[:maxRenderedToolResult]) + "\n... (content truncated)"
			}
			return content
		},
		"toolSummary": func(toolName string) string {
			switch toolName {
			case "web_search":
				return "🔎 Searching the web"
			case "website_text":
				return "🌐 Reading a web page"
			case "calculator":
				return "🧮 Calculating"
			case "github_search":
				return "🐙 Searching GitHub"
			case "current_time":
				return "🕒 Checking the time"
			default:
				return fmt.Sprintf("🔧 Using tool: %s", toolName)
			}
		},
		"indent": func(prefix string, text string) string {
			prefixed := strings.Builder{}
			for line := range strings.Lines(text) {
				prefixed.WriteString(prefix)
				prefixed.WriteString(line)
			}
			return prefixed.String()
		},
	}

	tmpl, err := template.New("transcript").Funcs(funcMap).Parse(transcriptMarkdownTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse transcript template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute transcript template: %w", err)
	}

	return buf.String(), nil
}
