package provider

import (
	"context"
	"strings"
	"testing"
)

func anthropicSSEEvents(t *testing.T, lines []string) []StreamEvent {
	t.Helper()
	body := strings.Join(lines, "\n\n") + "\n\n"
	ch := make(chan StreamEvent, 64)
	parseAnthropicSSEStream(context.Background(), strings.NewReader(body), ch)
	close(ch)
	var out []StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// TestParseAnthropicSSEStreamToolUseReassembly covers I3 for the Anthropic
// wire format: partial_json fragments across multiple content_block_delta
// events, keyed by Anthropic's own block index, must reassemble in the
// order received and surface under a sequential ToolCallIndex.
func TestParseAnthropicSSEStreamToolUseReassembly(t *testing.T) {
	lines := []string{
		`event: message_start` + "\n" + `data: {"message":{"usage":{"input_tokens":7,"output_tokens":0}}}`,
		`event: content_block_start` + "\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
		`event: content_block_start` + "\n" + `data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"term\":"}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`,
		`event: content_block_stop` + "\n" + `data: {}`,
		`event: message_delta` + "\n" + `data: {"usage":{"output_tokens":12}}`,
		`event: message_stop` + "\n" + `data: {}`,
	}

	events := anthropicSSEEvents(t, lines)

	var content, args string
	var beginIdx = -1
	var inputTokens, outputTokens int
	for _, ev := range events {
		switch ev.Type {
		case EventContentDelta:
			content += ev.Content
		case EventToolCallBegin:
			beginIdx = ev.ToolCallIndex
			if ev.ToolCallID != "toolu_1" || ev.ToolCallName != "lookup" {
				t.Fatalf("unexpected tool call begin: %+v", ev)
			}
		case EventToolCallDelta:
			if ev.ToolCallIndex != beginIdx {
				t.Fatalf("delta index %d does not match begin index %d", ev.ToolCallIndex, beginIdx)
			}
			args += ev.ToolCallArgs
		case EventUsage:
			if ev.InputTokens > 0 {
				inputTokens = ev.InputTokens
			}
			if ev.OutputTokens > 0 {
				outputTokens = ev.OutputTokens
			}
		}
	}

	if content != "hi" {
		t.Fatalf("content = %q, want %q", content, "hi")
	}
	if beginIdx != 0 {
		t.Fatalf("expected the tool call to get sequential index 0 (text blocks don't consume one), got %d", beginIdx)
	}
	if want := `{"term":"x"}`; args != want {
		t.Fatalf("reassembled tool args = %q, want %q", args, want)
	}
	if inputTokens != 7 {
		t.Fatalf("input tokens = %d, want 7", inputTokens)
	}
	if outputTokens != 12 {
		t.Fatalf("output tokens = %d, want 12", outputTokens)
	}
}

func TestParseAnthropicSSEStreamThinkingDelta(t *testing.T) {
	lines := []string{
		`event: content_block_start` + "\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"pondering"}}`,
		`event: message_stop` + "\n" + `data: {}`,
	}
	events := anthropicSSEEvents(t, lines)
	var reasoning string
	for _, ev := range events {
		if ev.Type == EventReasoningDelta {
			reasoning += ev.Content
		}
	}
	if reasoning != "pondering" {
		t.Fatalf("reasoning = %q, want %q", reasoning, "pondering")
	}
}
