package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relayhq/relay/internal/hashline"
	"github.com/relayhq/relay/internal/mcp"
)

// NewFileArgs are the arguments to file_new.
type NewFileArgs struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

// NewFileNewTool builds the file_new tool definition.
func NewFileNewTool() mcp.Tool {
	return mcp.Tool{
		Name:        "file_new",
		Description: `Creates a new file with the given content. Fails if the file already exists — use file_edit to modify an existing file.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file":    {"type": "string", "description": "Path to the file to create"},
				"content": {"type": "string", "description": "Full file content"}
			},
			"required": ["file", "content"]
		}`),
	}
}

// NewFileHandler handles file_new calls.
type NewFileHandler struct {
	tracker *FileReadTracker
}

// NewNewFileHandler creates a handler for file_new.
func NewNewFileHandler(tracker *FileReadTracker) *NewFileHandler {
	return &NewFileHandler{tracker: tracker}
}

// Handle implements mcp.ToolHandler.
func (h *NewFileHandler) Handle(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args NewFileArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.File == "" {
		return toolError("file path cannot be empty"), nil
	}

	absPath, err := validatePath(args.File)
	if err != nil {
		return toolError("%v", err), nil
	}

	if _, err := os.Stat(absPath); err == nil {
		return toolError("file already exists: %s (use file_edit to modify it)", args.File), nil
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return toolError("failed to create directories: %v", err), nil
	}

	if err := os.WriteFile(absPath, []byte(args.Content), 0600); err != nil {
		return toolError("failed to create file: %v", err), nil
	}

	// A file_new'd file counts as read: its hashes are fresh in the reply
	// below, so an immediate file_edit against them should not be rejected.
	h.tracker.MarkRead(absPath)

	tagged := hashline.TagLines(args.Content, 1)
	return toolText(fmt.Sprintf("Created %s (%d lines):\n\n%s", args.File, len(tagged), hashline.FormatTagged(tagged))), nil
}
