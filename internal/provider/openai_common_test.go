package provider

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/relayhq/relay/internal/errkind"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name string
		code int
		want errkind.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, errkind.Authentication},
		{"forbidden", http.StatusForbidden, errkind.PermissionDenied},
		{"too many requests", http.StatusTooManyRequests, errkind.RateLimited},
		{"internal server error", http.StatusInternalServerError, errkind.TransportTransient},
		{"bad gateway", http.StatusBadGateway, errkind.TransportTransient},
		{"service unavailable", http.StatusServiceUnavailable, errkind.TransportTransient},
		{"gateway timeout", http.StatusGatewayTimeout, errkind.TransportTransient},
		{"bad request", http.StatusBadRequest, errkind.ModelProtocol},
		{"not found", http.StatusNotFound, errkind.ModelProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyStatus(tc.code, "boom")
			if err.Kind != tc.want {
				t.Fatalf("classifyStatus(%d): got kind %s, want %s", tc.code, err.Kind, tc.want)
			}
			if !strings.Contains(err.Msg, "boom") {
				t.Fatalf("expected body to be included in message, got %q", err.Msg)
			}
		})
	}
}

// sseEvents runs parseSSEStream over a raw SSE body and collects every
// emitted StreamEvent.
func sseEvents(t *testing.T, body string) []StreamEvent {
	t.Helper()
	ch := make(chan StreamEvent, 64)
	parseSSEStream(context.Background(), strings.NewReader(body), ch)
	close(ch)
	var out []StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// TestParseSSEStreamToolCallReassembly covers I3: tool-call argument
// fragments arriving across multiple chunks, keyed by index, must
// reassemble into the full arguments string in order even when the name
// and id are only present on the first delta for that index.
func TestParseSSEStreamToolCallReassembly(t *testing.T) {
	lines := []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: {"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
		`data: [DONE]`,
	}
	body := strings.Join(lines, "\n\n") + "\n\n"

	events := sseEvents(t, body)

	var gotBegin bool
	var argsAssembled string
	var sawUsage, sawDone bool
	for _, ev := range events {
		switch ev.Type {
		case EventToolCallBegin:
			gotBegin = true
			if ev.ToolCallIndex != 0 || ev.ToolCallID != "call_1" || ev.ToolCallName != "search" {
				t.Fatalf("unexpected tool call begin: %+v", ev)
			}
		case EventToolCallDelta:
			if ev.ToolCallIndex != 0 {
				t.Fatalf("expected all deltas keyed by index 0, got %+v", ev)
			}
			argsAssembled += ev.ToolCallArgs
		case EventUsage:
			sawUsage = true
			if ev.InputTokens != 10 || ev.OutputTokens != 5 {
				t.Fatalf("unexpected usage: %+v", ev)
			}
		case EventDone:
			sawDone = true
		}
	}
	if !gotBegin {
		t.Fatal("expected a tool call begin event")
	}
	if want := `{"q":"go"}`; argsAssembled != want {
		t.Fatalf("reassembled arguments = %q, want %q", argsAssembled, want)
	}
	if !sawUsage || !sawDone {
		t.Fatalf("expected both usage and done events, got %+v", events)
	}
}

func TestParseSSEStreamContentAndReasoningDeltas(t *testing.T) {
	body := "" +
		"data: {\"choices\":[{\"delta\":{\"reasoning\":\"thinking...\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events := sseEvents(t, body)
	var content, reasoning string
	for _, ev := range events {
		switch ev.Type {
		case EventContentDelta:
			content += ev.Content
		case EventReasoningDelta:
			reasoning += ev.Content
		}
	}
	if content != "hello" {
		t.Fatalf("content = %q, want %q", content, "hello")
	}
	if reasoning != "thinking..." {
		t.Fatalf("reasoning = %q, want %q", reasoning, "thinking...")
	}
}

func TestParseSSEStreamMalformedChunkIsSkipped(t *testing.T) {
	body := "" +
		"data: not-json\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events := sseEvents(t, body)
	var content string
	for _, ev := range events {
		if ev.Type == EventContentDelta {
			content += ev.Content
		}
	}
	if content != "ok" {
		t.Fatalf("expected malformed chunk to be skipped, content = %q", content)
	}
}
