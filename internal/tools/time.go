package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relayhq/relay/internal/mcp"
)

// TimeArgs are the arguments to the time tool.
type TimeArgs struct {
	Timezone string `json:"timezone,omitempty"` // IANA zone name; default UTC
	Format   string `json:"format,omitempty"`    // Go reference-time layout; default RFC3339
}

// NewTimeTool builds the time tool definition.
func NewTimeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "time",
		Description: `Returns the current date and time. Defaults to UTC in RFC3339 format; pass an IANA timezone name (e.g. "America/New_York") and/or a Go reference-time layout to customize.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone name, e.g. \"America/New_York\". Default: UTC"},
				"format":   {"type": "string", "description": "Go reference-time layout, e.g. \"2006-01-02 15:04:05\". Default: RFC3339"}
			}
		}`),
	}
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

// MakeTimeHandler creates a handler for the time tool.
func MakeTimeHandler() mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args TimeArgs
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return toolError("invalid arguments: %v", err), nil
			}
		}

		loc := time.UTC
		if args.Timezone != "" {
			l, err := time.LoadLocation(args.Timezone)
			if err != nil {
				return toolError("unknown timezone %q: %v", args.Timezone, err), nil
			}
			loc = l
		}

		layout := time.RFC3339
		if args.Format != "" {
			layout = args.Format
		}

		return toolText(nowFunc().In(loc).Format(layout)), nil
	}
}
