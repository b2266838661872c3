package mcp

import (
	"context"
	"testing"
)

// TestMcpProcessLifecycleReadyToStopped drives a process through the
// ready->stopping->stopped transitions, wiring a fake upstream client in
// directly since Start hardcodes real stdio/http dialing.
func TestMcpProcessLifecycleReadyToStopped(t *testing.T) {
	p := NewMcpProcess(ServerConfig{ServerID: "s1"})
	if p.State() != StateIdle {
		t.Fatalf("expected idle state before Start, got %s", p.State())
	}

	fake := &fakeUpstreamClient{tools: []Tool{{Name: "echo"}}}
	p.mu.Lock()
	p.client = fake
	p.toolList = fake.tools
	p.state = StateReady
	p.mu.Unlock()

	if p.State() != StateReady {
		t.Fatalf("expected ready state, got %s", p.State())
	}
	tools := p.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tool list: %+v", tools)
	}

	if _, err := p.CallTool(context.Background(), "echo", nil); err != nil {
		t.Fatalf("CallTool on a ready process: %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("expected stopped state after Stop, got %s", p.State())
	}
	if !fake.closed {
		t.Fatal("expected Stop to close the upstream client")
	}
}

// TestMcpProcessCallToolFailsSynchronouslyWhenNotReady covers the
// synchronous-failure invariant: a call against a non-ready process must
// fail immediately rather than queue.
func TestMcpProcessCallToolFailsSynchronouslyWhenNotReady(t *testing.T) {
	p := NewMcpProcess(ServerConfig{ServerID: "s1"})
	if _, err := p.CallTool(context.Background(), "echo", nil); err == nil {
		t.Fatal("expected an error calling a tool on a non-ready process")
	}
}

// TestMcpProcessStartUnknownTransportMovesToFailed covers the
// spawning->failed transition on a setup error before handshake.
func TestMcpProcessStartUnknownTransportMovesToFailed(t *testing.T) {
	p := NewMcpProcess(ServerConfig{ServerID: "s1", Transport: "bogus-transport"})
	if err := p.Start(context.Background(), map[string]interface{}{}); err == nil {
		t.Fatal("expected Start to fail for an unknown transport")
	}
	if p.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", p.State())
	}
	if p.LastError() == nil {
		t.Fatal("expected LastError to record the failure")
	}
}

// TestMcpProcessStopOnIdleIsANoop covers Stop's guard: a process that never
// reached ready or failed (e.g. still idle) has nothing to close.
func TestMcpProcessStopOnIdleIsANoop(t *testing.T) {
	p := NewMcpProcess(ServerConfig{ServerID: "s1"})
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop on an idle process: %v", err)
	}
	if p.State() != StateIdle {
		t.Fatalf("expected state to remain idle, got %s", p.State())
	}
}
