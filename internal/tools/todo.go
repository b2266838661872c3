package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/relayhq/relay/internal/mcp"
)

// Scratchpad holds the agent's current plan/notes. Safe for concurrent
// access. Every reminderInterval (10) tool rounds of a turn, the orchestrator
// appends its content to the tail of the outgoing request so the agent's
// goals stay in the model's recent attention window.
type Scratchpad struct {
	mu      sync.RWMutex
	content string
}

// Content returns the current scratchpad text. Implements
// agent.ScratchpadReader.
func (s *Scratchpad) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// TodoWriteArgs are the arguments to todo_write.
type TodoWriteArgs struct {
	Content string `json:"content"`
}

// NewTodoWriteTool builds the todo_write tool definition.
func NewTodoWriteTool() mcp.Tool {
	return mcp.Tool{
		Name:        "todo_write",
		Description: `Write or replace your working plan/scratchpad. The content replaces any previous plan and is re-sent to you at the end of your context every 10th tool round of a turn. Use this to track goals, progress, and next steps for tasks with 3+ steps. Rewrite it as you complete steps to stay focused. Skip for simple single-step tasks.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {"type": "string", "description": "Your current plan, todo list, or working notes. This replaces the previous content entirely."}
			},
			"required": ["content"]
		}`),
	}
}

// MakeTodoWriteHandler creates a handler that stores content in pad.
func MakeTodoWriteHandler(pad *Scratchpad) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args TodoWriteArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("invalid arguments: %v", err), nil
		}
		if args.Content == "" {
			return toolError("content cannot be empty"), nil
		}

		pad.mu.Lock()
		pad.content = args.Content
		pad.mu.Unlock()

		return toolText("Plan updated."), nil
	}
}

// NewTodoReadTool builds the todo_read tool definition. The teacher never
// split a read path out of Scratchpad/TodoWrite; the orchestrator's
// recitation injection covers the model's own attention, but the model can
// also ask to see its plan back explicitly (e.g. after a long tool loop).
func NewTodoReadTool() mcp.Tool {
	return mcp.Tool{
		Name:        "todo_read",
		Description: `Read back your current working plan/scratchpad, as previously written with todo_write. Returns "(no plan written yet)" if nothing has been written yet.`,
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

// MakeTodoReadHandler creates a handler that returns pad's current content.
func MakeTodoReadHandler(pad *Scratchpad) mcp.ToolHandler {
	return func(_ context.Context, _ json.RawMessage) (*mcp.ToolResult, error) {
		content := pad.Content()
		if content == "" {
			return toolText("(no plan written yet)"), nil
		}
		return toolText(content), nil
	}
}
