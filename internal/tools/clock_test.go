package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentTimeTool(t *testing.T) {
	tool := &CurrentTimeTool{now: func() time.Time {
		return time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
	}}

	out, err := tool.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "Friday, 2025-03-14 09:30:00 UTC", out)

	out, err = tool.Run(context.Background(), json.RawMessage(`{"timezone": "Asia/Kolkata"}`))
	require.NoError(t, err)
	assert.Equal(t, "Friday, 2025-03-14 15:00:00 IST", out)
}

func TestCurrentTimeTool_UnknownZone(t *testing.T) {
	_, err := NewCurrentTimeTool().Run(context.Background(), json.RawMessage(`{"timezone": "Mars/Olympus"}`))

	var tie ToolInputError
	assert.ErrorAs(t, err, &tie)
}
