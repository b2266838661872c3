// Package subagent spawns a bounded, recursion-limited child Orchestrator
// run for delegating a self-contained sub-task off the main conversation,
// returning only its final text answer and token usage to the caller.
package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/relayhq/relay/internal/agent"
	"github.com/relayhq/relay/internal/events"
	"github.com/relayhq/relay/internal/history"
	"github.com/relayhq/relay/internal/mcp"
	"github.com/relayhq/relay/internal/provider"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent, depth 1 = sub-agent spawned by root. A
	// sub-agent may not itself spawn a sub-agent.
	MaxSubAgentDepth = 1

	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for user-specified max_iterations.
	MaxAllowedIterations = 20
)

// Options configures a sub-agent run.
type Options struct {
	Provider      provider.Provider
	Tools         *mcp.Registry
	Prompt        string
	MaxIterations int
}

// Result reports a sub-agent run outcome.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Run executes a bounded sub-agent turn and returns its final assistant
// content. Each call gets a fresh, disposable conversation in an
// in-memory history store — a sub-agent's work is not meant to persist
// past the call that spawned it.
func Run(ctx context.Context, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("sub-agent cancelled: %v", err)
	}
	if opts.Provider == nil {
		return Result{}, fmt.Errorf("provider is required")
	}
	if opts.Tools == nil {
		return Result{}, fmt.Errorf("tool registry is required")
	}
	if opts.Prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}

	maxIter := MaxSubAgentIterations
	if opts.MaxIterations > 0 {
		if opts.MaxIterations > MaxAllowedIterations {
			return Result{}, fmt.Errorf("max_iterations too large (max: %d)", MaxAllowedIterations)
		}
		maxIter = opts.MaxIterations
	}

	store := history.NewMemoryStore()
	conversationID := uuid.NewString()
	if err := store.CreateConversation(ctx, conversationID); err != nil {
		return Result{}, fmt.Errorf("sub-agent: create conversation: %w", err)
	}
	if _, err := store.AppendMessage(ctx, conversationID, history.NewSystemMessage(SystemPrompt())); err != nil {
		return Result{}, fmt.Errorf("sub-agent: persist system prompt: %w", err)
	}

	orch := &agent.Orchestrator{
		Provider:      opts.Provider,
		Tools:         opts.Tools,
		Store:         store,
		MaxToolRounds: maxIter,
		Depth:         MaxSubAgentDepth,
	}

	collector := &events.CollectorSink{}
	if err := orch.SendTurn(ctx, conversationID, opts.Prompt, collector); err != nil {
		return Result{}, fmt.Errorf("sub-agent failed: %v", err)
	}

	var finalText string
	var totalIn, totalOut int
	for _, ev := range collector.Snapshot() {
		switch ev.Type {
		case events.TurnFinal:
			finalText = ev.FinalText
		case events.TurnCancelled:
			return Result{}, fmt.Errorf("sub-agent cancelled")
		}
	}

	msgs, err := store.LoadMessages(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("sub-agent: load messages: %w", err)
	}
	for _, m := range msgs {
		if m.Role == history.RoleAssistant && m.Assistant != nil {
			totalIn += m.Assistant.InputTokens
			totalOut += m.Assistant.OutputTokens
		}
	}

	if finalText == "" {
		return Result{}, fmt.Errorf("sub-agent produced no final response")
	}

	return Result{Content: finalText, InputTokens: totalIn, OutputTokens: totalOut}, nil
}

// FilterTools removes the sub_agent tool itself from a tool list before
// handing it to a spawned sub-agent, since a sub-agent may not recurse
// (MaxSubAgentDepth = 1).
func FilterTools(defs []mcp.ToolDefinition) []mcp.ToolDefinition {
	filtered := make([]mcp.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if d.Name != "sub_agent" {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// SystemPrompt returns the system prompt for sub-agents.
func SystemPrompt() string {
	parts := []string{subAgentBasePrompt, subAgentPrompt}
	return strings.TrimSpace(strings.Join(parts, "\n\n---\n\n"))
}

const subAgentBasePrompt = `You are a focused sub-agent invoked to complete one self-contained task. ` +
	`Use the tools available to you to complete the task directly, then report your result as plain text. ` +
	`Do not ask the user clarifying questions — make reasonable assumptions and proceed.`

const subAgentPrompt = `Keep your final answer concise: the calling agent only sees your last message, not your ` +
	`intermediate tool calls. State the outcome and any facts the caller needs, nothing else.`
