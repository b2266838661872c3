package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeWriteCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *fakeWriteCloser) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *fakeWriteCloser) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriteCloser) messages(t *testing.T) []map[string]interface{} {
	t.Helper()
	w.mu.Lock()
	data := append([]byte(nil), w.buf.Bytes()...)
	w.mu.Unlock()

	var out []map[string]interface{}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("invalid JSON written to stdin: %s", line)
		}
		out = append(out, m)
	}
	return out
}

func newTestStdioClient(stdin *fakeWriteCloser) *StdioClient {
	return &StdioClient{stdin: stdin, pending: make(map[int64]chan *Response)}
}

// TestStdioClientCallSendsCancelNotificationOnContextCancel covers spec
// §4.3's cancellation requirement: when ctx is done before a response
// arrives, the client must notify the server that the request is
// cancelled, not just unblock the caller.
func TestStdioClientCallSendsCancelNotificationOnContextCancel(t *testing.T) {
	stdin := &fakeWriteCloser{}
	c := newTestStdioClient(stdin)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, "tools/call", map[string]interface{}{"name": "slow"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(stdin.messages(t)) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	messages := stdin.messages(t)
	if len(messages) < 2 {
		t.Fatalf("expected a request followed by a cancellation notification, got %d message(s): %+v", len(messages), messages)
	}
	cancelMsg := messages[len(messages)-1]
	if cancelMsg["method"] != "notifications/cancelled" {
		t.Fatalf("expected notifications/cancelled, got %+v", cancelMsg)
	}
	if _, hasID := cancelMsg["id"]; hasID {
		t.Fatalf("a notification must not carry an id: %+v", cancelMsg)
	}
}

// TestStdioClientDispatchDeliversResponseToPendingCall covers the
// request/response pairing readLoop and dispatch implement.
func TestStdioClientDispatchDeliversResponseToPendingCall(t *testing.T) {
	c := newTestStdioClient(&fakeWriteCloser{})
	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[1] = ch
	c.mu.Unlock()

	c.dispatch(&Response{JSONRPC: "2.0", ID: float64(1), Result: json.RawMessage(`{"ok":true}`)})

	select {
	case resp := <-ch:
		if resp.Result == nil {
			t.Fatal("expected a result on the dispatched response")
		}
	default:
		t.Fatal("expected dispatch to deliver the response to the pending channel")
	}

	c.mu.Lock()
	_, stillPending := c.pending[1]
	c.mu.Unlock()
	if stillPending {
		t.Fatal("expected dispatch to remove the entry from pending")
	}
}
