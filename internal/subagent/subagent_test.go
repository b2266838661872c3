package subagent

import (
	"context"
	"testing"

	"github.com/relayhq/relay/internal/mcp"
	"github.com/relayhq/relay/internal/provider"
)

// scriptedProvider returns a single fixed text completion, enough to drive
// a sub-agent run that makes no tool calls.
type scriptedProvider struct {
	text string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) StreamCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, 2)
	ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: p.text}
	ch <- provider.StreamEvent{Type: provider.EventDone, FinishReason: provider.FinishStop}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) GenerateCompletion(ctx context.Context, params provider.CompletionParams) (*provider.CompletionResult, error) {
	return nil, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }

func (p *scriptedProvider) Close() error { return nil }

func TestRunReturnsFinalText(t *testing.T) {
	reg := mcp.NewRegistry("relay-subagent-test", "0.0.0")
	res, err := Run(context.Background(), Options{
		Provider: &scriptedProvider{text: "the answer is 42"},
		Tools:    reg,
		Prompt:   "what is the answer?",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "the answer is 42" {
		t.Fatalf("expected final content %q, got %q", "the answer is 42", res.Content)
	}
}

func TestRunRequiresProviderAndTools(t *testing.T) {
	if _, err := Run(context.Background(), Options{Prompt: "x"}); err == nil {
		t.Fatal("expected error for missing provider")
	}
	if _, err := Run(context.Background(), Options{Provider: &scriptedProvider{}, Prompt: "x"}); err == nil {
		t.Fatal("expected error for missing tool registry")
	}
}

func TestRunRejectsOversizedMaxIterations(t *testing.T) {
	reg := mcp.NewRegistry("relay-subagent-test", "0.0.0")
	_, err := Run(context.Background(), Options{
		Provider:      &scriptedProvider{text: "ok"},
		Tools:         reg,
		Prompt:        "x",
		MaxIterations: MaxAllowedIterations + 1,
	})
	if err == nil {
		t.Fatal("expected error for max_iterations exceeding the allowed bound")
	}
}

func TestFilterToolsRemovesSubAgent(t *testing.T) {
	defs := []mcp.ToolDefinition{
		{Tool: mcp.Tool{Name: "sub_agent"}},
		{Tool: mcp.Tool{Name: "bash"}},
	}
	filtered := FilterTools(defs)
	if len(filtered) != 1 || filtered[0].Name != "bash" {
		t.Fatalf("expected only 'bash' to remain, got %+v", filtered)
	}
}
