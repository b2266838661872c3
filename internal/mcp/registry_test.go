package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func noopHandler(ctx context.Context, arguments json.RawMessage) (*ToolResult, error) {
	return &ToolResult{}, nil
}

func TestRegistryRegisterRejectsDuplicateBuiltinName(t *testing.T) {
	r := NewRegistry("test-client", "0.0.1")
	def := ToolDefinition{Tool: Tool{Name: "dup"}}
	if err := r.Register(def, noopHandler); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(def, noopHandler)
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestRegistryExecuteUnknownToolName(t *testing.T) {
	r := NewRegistry("test-client", "0.0.1")
	_, err := r.Execute(context.Background(), "missing", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

// TestRegistryExecuteValidatesArgumentsAgainstSchema covers the compiled
// JSON-Schema validation path: a handler must not run when its arguments
// fail the tool's input schema, and must run when they pass.
func TestRegistryExecuteValidatesArgumentsAgainstSchema(t *testing.T) {
	r := NewRegistry("test-client", "0.0.1")
	schema := json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}},"required":["x"]}`)
	called := false
	handler := func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error) {
		called = true
		return &ToolResult{}, nil
	}
	if err := r.Register(ToolDefinition{Tool: Tool{Name: "calc", InputSchema: schema}}, handler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := r.Execute(context.Background(), "calc", json.RawMessage(`{"x":"not-a-number"}`))
	if err != nil {
		t.Fatalf("Execute should report a validation failure as an error ToolResult, not a Go error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected IsError for a schema violation, got %+v", result)
	}
	if called {
		t.Fatal("handler must not run when arguments fail schema validation")
	}

	if _, err := r.Execute(context.Background(), "calc", json.RawMessage(`{"x":5}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatal("expected handler to run once arguments satisfy the schema")
	}
}

// TestRegistryExecuteNormalizesNestedStringifiedObject covers the
// recursive normalizeArguments rewrite: a correctly-formed arguments object
// with a single stringified nested object property must be parsed and
// substituted before schema validation, not rejected as a validation
// failure.
func TestRegistryExecuteNormalizesNestedStringifiedObject(t *testing.T) {
	r := NewRegistry("test-client", "0.0.1")
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"options": {
				"type": "object",
				"properties": {"a": {"type": "number"}}
			}
		},
		"required": ["options"]
	}`)
	var received json.RawMessage
	handler := func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error) {
		received = arguments
		return &ToolResult{}, nil
	}
	if err := r.Register(ToolDefinition{Tool: Tool{Name: "configure", InputSchema: schema}}, handler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := r.Execute(context.Background(), "configure", json.RawMessage(`{"options":"{\"a\":1}"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected the stringified nested object to normalize and pass validation, got %+v", result)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(received, &decoded); err != nil {
		t.Fatalf("unmarshal handler arguments: %v", err)
	}
	options, ok := decoded["options"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected options to reach the handler as an object, got %#v", decoded["options"])
	}
	if options["a"] != float64(1) {
		t.Fatalf("expected options.a == 1, got %#v", options["a"])
	}
}

func TestNormalizeArgumentsWholePayloadString(t *testing.T) {
	schemaDoc := map[string]interface{}{"type": "object"}
	got := normalizeArguments(json.RawMessage(`"{\"a\":1}"`), schemaDoc)

	var decoded map[string]interface{}
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["a"] != float64(1) {
		t.Fatalf("expected a==1, got %#v", decoded)
	}
}

func TestNormalizeArgumentsArrayItems(t *testing.T) {
	schemaDoc := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"items": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "object"},
			},
		},
	}
	got := normalizeArguments(json.RawMessage(`{"items":["{\"n\":1}","{\"n\":2}"]}`), schemaDoc)

	var decoded struct {
		Items []map[string]interface{} `json:"items"`
	}
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(decoded.Items))
	}
	if decoded.Items[0]["n"] != float64(1) || decoded.Items[1]["n"] != float64(2) {
		t.Fatalf("unexpected normalized items: %+v", decoded.Items)
	}
}

// TestNormalizeArgumentsIdempotent covers I4: re-running normalization on
// already-normalized arguments must be a no-op.
func TestNormalizeArgumentsIdempotent(t *testing.T) {
	schemaDoc := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"options": map[string]interface{}{"type": "object"},
		},
	}
	raw := json.RawMessage(`{"options":"{\"a\":1}"}`)
	once := normalizeArguments(raw, schemaDoc)
	twice := normalizeArguments(once, schemaDoc)
	if string(once) != string(twice) {
		t.Fatalf("normalizeArguments is not idempotent: %s vs %s", once, twice)
	}
}

func TestNormalizeArgumentsNilSchemaPassesThrough(t *testing.T) {
	raw := json.RawMessage(`{"options":"{\"a\":1}"}`)
	got := normalizeArguments(raw, nil)
	if string(got) != string(raw) {
		t.Fatalf("expected arguments unchanged without a compiled schema, got %s", got)
	}
}

type fakeUpstreamClient struct {
	tools    []Tool
	callFn   func(ctx context.Context, name string, arguments interface{}) (*ToolResult, error)
	closed   bool
	closeErr error
}

func (f *fakeUpstreamClient) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	return &Response{JSONRPC: "2.0"}, nil
}

func (f *fakeUpstreamClient) ListTools(ctx context.Context) ([]Tool, error) {
	return f.tools, nil
}

func (f *fakeUpstreamClient) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	if f.callFn != nil {
		return f.callFn(ctx, name, arguments)
	}
	return &ToolResult{}, nil
}

func (f *fakeUpstreamClient) Close() error {
	f.closed = true
	return f.closeErr
}

// TestRegistryDispatchesToMcpOwnedTool exercises Execute's mcp-origin
// branch, wiring a process directly into ready state rather than spawning
// a real server.
func TestRegistryDispatchesToMcpOwnedTool(t *testing.T) {
	r := NewRegistry("test-client", "0.0.1")
	fake := &fakeUpstreamClient{
		callFn: func(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
			return &ToolResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}}, nil
		},
	}
	proc := NewMcpProcess(ServerConfig{ServerID: "srv1"})
	proc.mu.Lock()
	proc.client = fake
	proc.toolList = []Tool{{Name: "remote-echo"}}
	proc.state = StateReady
	proc.mu.Unlock()

	r.mu.Lock()
	r.servers["srv1"] = proc
	r.owner["remote-echo"] = "srv1"
	r.mu.Unlock()

	result, err := r.Execute(context.Background(), "remote-echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError || len(result.Content) == 0 || result.Content[0].Text != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

// TestRegistryListMergesBuiltinsAndReadyServerTools covers the namespace
// merge: built-ins and every ready server's tools appear tagged with their
// origin, and a not-ready server's tools are excluded.
func TestRegistryListMergesBuiltinsAndReadyServerTools(t *testing.T) {
	r := NewRegistry("test-client", "0.0.1")
	if err := r.Register(ToolDefinition{Tool: Tool{Name: "local"}}, noopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	readyProc := NewMcpProcess(ServerConfig{ServerID: "srv-ready"})
	readyProc.mu.Lock()
	readyProc.toolList = []Tool{{Name: "remote"}}
	readyProc.state = StateReady
	readyProc.mu.Unlock()

	notReadyProc := NewMcpProcess(ServerConfig{ServerID: "srv-down"})
	notReadyProc.mu.Lock()
	notReadyProc.toolList = []Tool{{Name: "unreachable"}}
	notReadyProc.state = StateFailed
	notReadyProc.mu.Unlock()

	r.mu.Lock()
	r.servers["srv-ready"] = readyProc
	r.owner["remote"] = "srv-ready"
	r.servers["srv-down"] = notReadyProc
	r.owner["unreachable"] = "srv-down"
	r.mu.Unlock()

	origins := map[string]ToolOrigin{}
	for _, d := range r.List() {
		origins[d.Name] = d.Origin
	}
	if origins["local"] != originBuiltin {
		t.Fatalf("expected local to be built-in origin, got %+v", origins)
	}
	if origins["remote"] != mcpOrigin("srv-ready") {
		t.Fatalf("expected remote to be tagged with its server origin, got %+v", origins)
	}
	if _, exists := origins["unreachable"]; exists {
		t.Fatalf("expected a failed server's tools to be excluded from List, got %+v", origins)
	}
}
