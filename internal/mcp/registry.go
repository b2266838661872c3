package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolHandler is a function that handles a built-in tool call.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error)

// ToolOrigin identifies where a tool definition came from: "built-in" or
// "mcp:<serverId>".
type ToolOrigin string

const originBuiltin ToolOrigin = "built-in"

func mcpOrigin(serverID string) ToolOrigin { return ToolOrigin("mcp:" + serverID) }

// ToolDefinition is a named, schema-described capability a model may invoke,
// tagged with the origin it was registered from.
type ToolDefinition struct {
	Tool
	Origin    ToolOrigin
	Exclusive bool // must run alone, never alongside another tool call in the same round
}

var (
	// ErrToolRetryExhausted is returned once an upstream tool call has
	// failed on every retry attempt.
	ErrToolRetryExhausted = errors.New("mcp tool call failed after retries")
	// ErrToolNotFound is returned by Execute for an unregistered tool name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned by Register when name collides with an
	// existing registration; per the name-uniqueness invariant the later
	// registration loses and is rejected rather than shadowing the first.
	ErrDuplicateTool = errors.New("tool name already registered")
)

var toolRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

var retryAfterSecondsRegex = regexp.MustCompile(`Retry-After:\s*(\d+)`)
var retryAfterPhraseRegex = regexp.MustCompile(`[Tt]ry again in (\d+) seconds?`)

// parseRetryAfter extracts a retry delay from an upstream error message,
// honouring either a "Retry-After: N" header echo or a "try again in N
// seconds" phrase some MCP servers embed in their error text.
func parseRetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := err.Error()
	if m := retryAfterSecondsRegex.FindStringSubmatch(msg); len(m) > 1 {
		if n, parseErr := strconv.Atoi(m[1]); parseErr == nil {
			return time.Duration(n) * time.Second, true
		}
	}
	if m := retryAfterPhraseRegex.FindStringSubmatch(msg); len(m) > 1 {
		if n, parseErr := strconv.Atoi(m[1]); parseErr == nil {
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}

// ServerState is a point in the MCP client lifecycle state machine:
// idle -> spawning -> ready -> (stopping -> stopped) | failed.
type ServerState string

const (
	StateIdle     ServerState = "idle"
	StateSpawning ServerState = "spawning"
	StateReady    ServerState = "ready"
	StateStopping ServerState = "stopping"
	StateStopped  ServerState = "stopped"
	StateFailed   ServerState = "failed"
)

// Transport selects how a McpProcess reaches its server.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http-streamable"
)

// ServerConfig describes one configured MCP server, enough to spawn or dial
// it without the rest of the registry.
type ServerConfig struct {
	ServerID  string
	Transport Transport
	Command   string   // stdio: executable path
	Args      []string // stdio: arguments
	Env       []string // stdio: extra KEY=VALUE entries
	Endpoint  string   // http-streamable: base URL
}

// McpProcess owns one upstream MCP connection and its lifecycle state.
// Transitions: connect requested moves idle->spawning; handshake success
// moves spawning->ready; handshake failure or a transport error before ready
// moves spawning->failed; Stop moves ready or failed ->stopping->stopped.
// The state is changed only by Start and Stop: a transport that closes or a
// child that exits on its own leaves it as it was. Calls on a non-ready
// process fail synchronously rather than queuing.
type McpProcess struct {
	cfg ServerConfig

	mu       sync.RWMutex
	state    ServerState
	client   UpstreamClient
	lastErr  error
	toolList []Tool
}

// NewMcpProcess creates a process in the idle state; call Start to connect.
func NewMcpProcess(cfg ServerConfig) *McpProcess {
	return &McpProcess{cfg: cfg, state: StateIdle}
}

func (p *McpProcess) State() ServerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *McpProcess) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

func (p *McpProcess) setState(s ServerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *McpProcess) fail(err error) {
	p.mu.Lock()
	p.state = StateFailed
	p.lastErr = err
	p.mu.Unlock()
}

// Start connects (spawning a subprocess for stdio, dialing for
// http-streamable) and performs the initialize handshake. Safe to call once
// per process; calling it again after failure re-attempts from idle.
func (p *McpProcess) Start(ctx context.Context, clientInfo map[string]interface{}) error {
	p.setState(StateSpawning)

	var client UpstreamClient
	var err error
	switch p.cfg.Transport {
	case TransportStdio:
		client, err = NewStdioClient(ctx, p.cfg.Command, p.cfg.Args, p.cfg.Env)
	case TransportHTTP:
		client = NewClient(p.cfg.Endpoint)
	default:
		err = fmt.Errorf("mcp server %s: unknown transport %q", p.cfg.ServerID, p.cfg.Transport)
	}
	if err != nil {
		p.fail(fmt.Errorf("connect: %w", err))
		return err
	}

	resp, err := client.Initialize(ctx, clientInfo)
	if err != nil {
		p.fail(fmt.Errorf("handshake: %w", err))
		return err
	}
	if resp.Error != nil {
		err := fmt.Errorf("handshake rejected: %s", resp.Error.Message)
		p.fail(err)
		return err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		p.fail(fmt.Errorf("list tools: %w", err))
		return err
	}

	p.mu.Lock()
	p.client = client
	p.toolList = tools
	p.state = StateReady
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// Tools returns the tool list captured at handshake time.
func (p *McpProcess) Tools() []Tool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Tool, len(p.toolList))
	copy(out, p.toolList)
	return out
}

// CallTool forwards a call to the upstream server, failing synchronously if
// the process is not ready.
func (p *McpProcess) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	p.mu.RLock()
	state, client := p.state, p.client
	p.mu.RUnlock()
	if state != StateReady {
		return nil, fmt.Errorf("mcp server %s: not ready (state=%s)", p.cfg.ServerID, state)
	}
	return client.CallTool(ctx, name, arguments)
}

// Stop closes the upstream connection, moving ready->stopping->stopped.
func (p *McpProcess) Stop() error {
	p.mu.Lock()
	if p.state != StateReady && p.state != StateFailed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	client := p.client
	p.mu.Unlock()

	var err error
	if closer, ok := client.(interface{ Close() error }); ok && client != nil {
		err = closer.Close()
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	return err
}

// Registry is the Tool Registry: the merged namespace of built-in tools and
// every configured MCP server's tools, with JSON-Schema argument validation
// and retryable upstream dispatch.
type Registry struct {
	mu sync.RWMutex

	builtins map[string]ToolDefinition
	handlers map[string]ToolHandler
	servers  map[string]*McpProcess
	owner    map[string]string // tool name -> serverID, for mcp-origin tools

	compiler   *jsonschema.Compiler
	schemas    map[string]*jsonschema.Schema
	schemaDocs map[string]map[string]interface{}

	clientInfo map[string]interface{}
}

// NewRegistry creates an empty registry. clientName/clientVersion are sent
// to every MCP server during its initialize handshake.
func NewRegistry(clientName, clientVersion string) *Registry {
	return &Registry{
		builtins: make(map[string]ToolDefinition),
		handlers: make(map[string]ToolHandler),
		servers:  make(map[string]*McpProcess),
		owner:    make(map[string]string),
		compiler:   jsonschema.NewCompiler(),
		schemas:    make(map[string]*jsonschema.Schema),
		schemaDocs: make(map[string]map[string]interface{}),
		clientInfo: map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}

// Register adds a built-in tool. Per the ToolDefinition name-uniqueness
// invariant, a name already claimed by another built-in or by a connected
// MCP server is rejected rather than shadowing the earlier registration.
func (r *Registry) Register(def ToolDefinition, handler ToolHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builtins[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	if _, exists := r.owner[def.Name]; exists {
		return fmt.Errorf("%w: %s (claimed by mcp server)", ErrDuplicateTool, def.Name)
	}

	def.Origin = originBuiltin
	r.builtins[def.Name] = def
	r.handlers[def.Name] = handler

	if len(def.InputSchema) > 0 {
		if err := r.compileSchema(def.Name, def.InputSchema); err != nil {
			log.Warn().Str("tool", def.Name).Err(err).Msg("tool schema failed to compile, skipping validation")
		}
	}
	return nil
}

// Unregister removes a built-in tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.builtins, name)
	delete(r.handlers, name)
	delete(r.schemas, name)
	delete(r.schemaDocs, name)
}

func (r *Registry) compileSchema(name string, schema json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	uri := "mem://tool/" + name
	if err := r.compiler.AddResource(uri, doc); err != nil {
		return err
	}
	compiled, err := r.compiler.Compile(uri)
	if err != nil {
		return err
	}
	r.schemas[name] = compiled
	if docMap, ok := doc.(map[string]interface{}); ok {
		r.schemaDocs[name] = docMap
	}
	return nil
}

// AddServer registers an MCP server configuration and attempts to connect
// and merge its tool list into the shared namespace. Tools that collide
// with an existing name are rejected and logged per the uniqueness
// invariant; the server itself stays up for its non-colliding tools.
func (r *Registry) AddServer(ctx context.Context, cfg ServerConfig) error {
	proc := NewMcpProcess(cfg)
	if err := proc.Start(ctx, r.clientInfo); err != nil {
		r.mu.Lock()
		r.servers[cfg.ServerID] = proc
		r.mu.Unlock()
		return fmt.Errorf("mcp server %s: %w", cfg.ServerID, err)
	}

	r.mu.Lock()
	r.servers[cfg.ServerID] = proc
	for _, t := range proc.Tools() {
		if _, exists := r.builtins[t.Name]; exists {
			log.Warn().Str("tool", t.Name).Str("server", cfg.ServerID).Msg("mcp tool name collides with built-in, rejected")
			continue
		}
		if owner, exists := r.owner[t.Name]; exists {
			log.Warn().Str("tool", t.Name).Str("server", cfg.ServerID).Str("owned_by", owner).Msg("mcp tool name collides with earlier registration, rejected")
			continue
		}
		r.owner[t.Name] = cfg.ServerID
		if len(t.InputSchema) > 0 {
			if err := r.compileSchema(t.Name, t.InputSchema); err != nil {
				log.Warn().Str("tool", t.Name).Err(err).Msg("mcp tool schema failed to compile, skipping validation")
			}
		}
	}
	r.mu.Unlock()
	return nil
}

// List returns every currently usable tool definition: built-ins plus each
// ready server's tools, tagged with their origin.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(r.builtins)+len(r.owner))
	for _, def := range r.builtins {
		out = append(out, def)
	}
	for name, serverID := range r.owner {
		proc, ok := r.servers[serverID]
		if !ok || proc.State() != StateReady {
			continue
		}
		for _, t := range proc.Tools() {
			if t.Name == name {
				out = append(out, ToolDefinition{Tool: t, Origin: mcpOrigin(serverID)})
				break
			}
		}
	}
	return out
}

// Get looks up a single tool definition by name.
func (r *Registry) Get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.builtins[name]; ok {
		return def, true
	}
	if serverID, ok := r.owner[name]; ok {
		if proc, ok := r.servers[serverID]; ok {
			for _, t := range proc.Tools() {
				if t.Name == name {
					return ToolDefinition{Tool: t, Origin: mcpOrigin(serverID)}, true
				}
			}
		}
	}
	return ToolDefinition{}, false
}

// normalizeArguments walks arguments alongside the tool's JSON-Schema,
// parsing any string found where the schema expects an object and
// substituting the parsed value — a quirk some providers' tool-call
// argument streams produce when the fragment assembler emits a string
// literal instead of raw object bytes. The walk recurses into object
// properties and array items, so a nested stringified object (e.g.
// {"options":"{\"a\":1}"}) is normalized even when the top-level payload
// is already well-formed JSON. schemaDoc may be nil, in which case
// arguments pass through unchanged.
func normalizeArguments(raw json.RawMessage, schemaDoc map[string]interface{}) json.RawMessage {
	if schemaDoc == nil || len(bytes.TrimSpace(raw)) == 0 {
		return raw
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return raw
	}
	normalized := normalizeValue(decoded, schemaDoc)
	out, err := json.Marshal(normalized)
	if err != nil {
		return raw
	}
	return out
}

// normalizeValue applies normalizeArguments's substitution recursively,
// pairing each value with the schema fragment describing it.
func normalizeValue(value interface{}, schema map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if !schemaExpectsObject(schema) {
			return value
		}
		trimmed := strings.TrimSpace(v)
		if trimmed == "" || trimmed[0] != '{' {
			return value
		}
		var inner interface{}
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return value
		}
		return normalizeValue(inner, schema)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[key] = normalizeValue(val, propertySchema(schema, key))
		}
		return out
	case []interface{}:
		items := itemSchema(schema)
		if items == nil {
			return value
		}
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = normalizeValue(elem, items)
		}
		return out
	default:
		return value
	}
}

// schemaExpectsObject reports whether schema requires its value to be a
// JSON object, directly or through any anyOf/oneOf/allOf branch, so a
// string-encoded object is still normalized when the schema only allows it
// conditionally.
func schemaExpectsObject(schema map[string]interface{}) bool {
	if schema == nil {
		return false
	}
	if schemaHasType(schema, "object") {
		return true
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		branches, _ := schema[key].([]interface{})
		for _, b := range branches {
			if bm, ok := b.(map[string]interface{}); ok && schemaExpectsObject(bm) {
				return true
			}
		}
	}
	return false
}

func schemaHasType(schema map[string]interface{}, want string) bool {
	switch t := schema["type"].(type) {
	case string:
		return t == want
	case []interface{}:
		for _, v := range t {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

// propertySchema returns the schema fragment for an object property, or nil
// if the schema doesn't describe it (e.g. it falls under
// additionalProperties, which is left unvalidated here).
func propertySchema(schema map[string]interface{}, name string) map[string]interface{} {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	sub, _ := props[name].(map[string]interface{})
	return sub
}

// itemSchema returns the schema fragment describing an array's elements.
// Only the common single-schema "items" form is handled; tuple-validation
// schemas (an "items" array) are left unnormalized.
func itemSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	items, _ := schema["items"].(map[string]interface{})
	return items
}

// Execute validates arguments against the tool's JSON-Schema (when one was
// compiled) and dispatches to a built-in handler or the owning MCP server.
func (r *Registry) Execute(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	r.mu.RLock()
	schema := r.schemas[name]
	schemaDoc := r.schemaDocs[name]
	handler, isBuiltin := r.handlers[name]
	serverID, isMCP := r.owner[name]
	r.mu.RUnlock()

	arguments = normalizeArguments(arguments, schemaDoc)

	if schema != nil && len(arguments) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(arguments, &decoded); err != nil {
			return &ToolResult{Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("invalid arguments: %v", err)}}, IsError: true}, nil
		}
		if err := schema.Validate(decoded); err != nil {
			return &ToolResult{Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("arguments failed validation: %v", err)}}, IsError: true}, nil
		}
	}

	switch {
	case isBuiltin:
		return handler(ctx, arguments)
	case isMCP:
		r.mu.RLock()
		proc := r.servers[serverID]
		r.mu.RUnlock()
		var args interface{}
		if len(arguments) > 0 {
			if err := json.Unmarshal(arguments, &args); err != nil {
				return nil, fmt.Errorf("unmarshal arguments: %w", err)
			}
		}
		return r.callWithRetry(ctx, proc, name, args)
	default:
		return &ToolResult{Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("tool not found: %s", name)}}, IsError: true}, ErrToolNotFound
	}
}

func (r *Registry) callWithRetry(ctx context.Context, proc *McpProcess, name string, args interface{}) (*ToolResult, error) {
	var lastErr error
	for attempt := 0; attempt <= len(toolRetryDelays); attempt++ {
		if attempt > 0 {
			delay := toolRetryDelays[attempt-1]
			if retryAfter, ok := parseRetryAfter(lastErr); ok {
				if retryAfter > 30*time.Second {
					retryAfter = 30 * time.Second
				}
				delay = retryAfter
			}
			log.Warn().Str("tool", name).Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying mcp tool call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := proc.CallTool(ctx, name, args)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}

	log.Error().Str("tool", name).Int("attempts", len(toolRetryDelays)+1).Err(lastErr).Msg("mcp tool call exhausted retries")
	return nil, fmt.Errorf("%w: %v", ErrToolRetryExhausted, lastErr)
}

// Servers returns the lifecycle state of every configured MCP server,
// keyed by serverId.
func (r *Registry) Servers() map[string]ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServerState, len(r.servers))
	for id, proc := range r.servers {
		out[id] = proc.State()
	}
	return out
}

// Close stops every MCP server connection.
func (r *Registry) Close() error {
	r.mu.RLock()
	procs := make([]*McpProcess, 0, len(r.servers))
	for _, proc := range r.servers {
		procs = append(procs, proc)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, proc := range procs {
		if err := proc.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
