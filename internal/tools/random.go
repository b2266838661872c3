package tools

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"

	"github.com/relayhq/relay/internal/mcp"
)

// RandomArgs are the arguments to the random tool. Exactly one mode applies:
// Choices selects among a list; otherwise an integer in [Min, Max] (default
// [0, 100]) is drawn.
type RandomArgs struct {
	Min     int      `json:"min,omitempty"`
	Max     int      `json:"max,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

// NewRandomTool builds the random tool definition.
func NewRandomTool() mcp.Tool {
	return mcp.Tool{
		Name:        "random",
		Description: `Generate a random value: either an integer in [min, max] (default [0, 100]), or, if "choices" is given, one randomly selected element from that list.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"min":     {"type": "integer", "description": "Minimum integer value (inclusive). Default 0. Ignored if choices is set."},
				"max":     {"type": "integer", "description": "Maximum integer value (inclusive). Default 100. Ignored if choices is set."},
				"choices": {"type": "array", "items": {"type": "string"}, "description": "If set, pick one element at random from this list instead of generating an integer."}
			}
		}`),
	}
}

// MakeRandomHandler creates a handler for the random tool.
func MakeRandomHandler() mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args RandomArgs
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return toolError("invalid arguments: %v", err), nil
			}
		}

		if len(args.Choices) > 0 {
			return toolText(args.Choices[rand.Intn(len(args.Choices))]), nil
		}

		min, max := args.Min, args.Max
		if max == 0 {
			max = 100
		}
		if min > max {
			return toolError("min (%d) must be <= max (%d)", min, max), nil
		}

		n := min + rand.Intn(max-min+1)
		return toolText(strconv.Itoa(n)), nil
	}
}
