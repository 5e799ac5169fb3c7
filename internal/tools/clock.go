package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/cchalm/researcher/internal/ai"
)

// CurrentTimeTool tells the model the current date and time, which it cannot know from its training data
type CurrentTimeTool struct {
	now func() time.Time
}

type CurrentTimeInput struct {
	Timezone string `json:"timezone,omitempty"`
}

func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        "current_time",
		Description: "Get the current date and time. Use this to interpret relative dates such as 'this year'.",
		InputSchema: ai.InputSchema{
			Properties: map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA time zone name, e.g. Asia/Kolkata. Defaults to UTC.",
				},
			},
		},
	}
}

func (t *CurrentTimeTool) Run(_ context.Context, input json.RawMessage) (string, error) {
	var in CurrentTimeInput
	if err := parseInputJSON(input, &in); err != nil {
		return "", err
	}

	loc := time.UTC
	if in.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(in.Timezone)
		if err != nil {
			return "", NewToolInputError(fmt.Errorf("unknown time zone %q", in.Timezone))
		}
	}
	return t.now().In(loc).Format("Monday, 2006-01-02 15:04:05 MST"), nil
}
