package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// StdioClient is an MCP client that speaks newline-delimited JSON-RPC over a
// subprocess's stdin/stdout, the transport MCP servers distributed as local
// binaries use instead of Streamable-HTTP.
type StdioClient struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	requestID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Response

	stderrLines []string
	stderrMu    sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewStdioClient spawns command with args/env and wires up its stdio pipes.
// The subprocess's stderr is captured (not discarded): each line is logged at
// debug level and the last 50 are kept for StderrTail.
func NewStdioClient(ctx context.Context, command string, args, env []string) (*StdioClient, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mcp server %q: %w", command, err)
	}

	c := &StdioClient{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64*1024),
		pending: make(map[int64]chan *Response),
	}

	go c.captureStderr(stderr)
	go c.readLoop()

	return c, nil
}

func (c *StdioClient) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		c.stderrMu.Lock()
		c.stderrLines = append(c.stderrLines, line)
		if len(c.stderrLines) > 50 {
			c.stderrLines = c.stderrLines[len(c.stderrLines)-50:]
		}
		c.stderrMu.Unlock()
		log.Debug().Str("mcp_server", c.cmd.Path).Str("stderr", line).Msg("mcp stdio server stderr")
	}
}

// StderrTail returns the most recent stderr lines captured from the server
// (at most 50). McpProcess.LastError does not include them.
func (c *StdioClient) StderrTail() []string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	out := make([]string, len(c.stderrLines))
	copy(out, c.stderrLines)
	return out
}

func (c *StdioClient) readLoop() {
	for {
		line, err := c.stdout.ReadBytes('\n')
		if len(line) > 0 {
			var resp Response
			if jerr := json.Unmarshal(line, &resp); jerr == nil && resp.ID != nil {
				c.dispatch(&resp)
			}
		}
		if err != nil {
			c.failAllPending(fmt.Errorf("mcp stdio server closed: %w", err))
			return
		}
	}
}

func (c *StdioClient) dispatch(resp *Response) {
	id, ok := responseIDAsInt64(resp.ID)
	if !ok {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *StdioClient) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- &Response{Error: &Error{Code: ErrorCodeInternalError, Message: err.Error()}}
		delete(c.pending, id)
	}
}

func responseIDAsInt64(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (c *StdioClient) nextID() int64 { return c.requestID.Add(1) }

// Call sends a JSON-RPC request and blocks for its response.
func (c *StdioClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.nextID()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	body = append(body, '\n')

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if _, err := c.stdin.Write(body); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write to mcp stdio server: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.notifyCancelled(id)
		return nil, ctx.Err()
	}
}

// notifyCancelled tells the server to stop work on id, per MCP's
// notifications/cancelled. The caller's ctx is already done, so this uses
// a fresh background context with its own short deadline.
func (c *StdioClient) notifyCancelled(id int64) {
	notifyCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Notify(notifyCtx, "notifications/cancelled", map[string]interface{}{"requestId": id}); err != nil {
		log.Debug().Err(err).Int64("request_id", id).Msg("mcp stdio: failed to send cancellation notification")
	}
}

// Notify writes a notification (no id, no response expected).
func (c *StdioClient) Notify(ctx context.Context, method string, params interface{}) error {
	req := &Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = data
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	body = append(body, '\n')
	_, err = c.stdin.Write(body)
	return err
}

// Initialize performs the MCP handshake over stdio.
func (c *StdioClient) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      clientInfo,
	}
	resp, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return resp, nil
	}
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return resp, nil
}

func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

func (c *StdioClient) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	var argsJSON json.RawMessage
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		argsJSON = data
	}
	resp, err := c.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: argsJSON})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %s", resp.Error.Message)}},
			IsError: true,
		}, nil
	}
	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// Close terminates the subprocess, giving it a short grace period to exit
// after stdin closes before killing it outright.
func (c *StdioClient) Close() error {
	c.closeOnce.Do(func() {
		c.stdin.Close()
		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()
		select {
		case err := <-done:
			c.closeErr = err
		case <-time.After(3 * time.Second):
			c.cmd.Process.Kill()
			<-done
		}
	})
	return c.closeErr
}
