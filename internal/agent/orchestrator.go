// Package agent implements the Orchestrator: the turn-based state machine
// mediating between a conversation's persisted history, an LLM provider,
// and the Tool Registry. It generalizes the teacher's llm.ProcessTurn loop
// into an ordinary constructed value — one Orchestrator per conversation —
// rather than a free function threading a long options struct, so a
// composition root can hold several live conversations side by side.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relayhq/relay/internal/errkind"
	"github.com/relayhq/relay/internal/events"
	"github.com/relayhq/relay/internal/history"
	"github.com/relayhq/relay/internal/mcp"
	"github.com/relayhq/relay/internal/provider"
)

// ScratchpadReader exposes the current plan/scratchpad content for periodic
// recitation into long tool-calling loops.
type ScratchpadReader interface {
	Content() string
}

const (
	// DefaultMaxToolRounds bounds a turn's model/tool round-trips absent an
	// explicit AgentSettings override.
	DefaultMaxToolRounds = 8

	// reminderInterval is how often (in rounds) the current plan is
	// re-injected into the request so a long tool-calling loop doesn't
	// drift from the original ask.
	reminderInterval = 10

	// repeatThreshold is how many identical consecutive tool calls trigger
	// a repetition warning appended to that call's result.
	repeatThreshold = 3
)

// Orchestrator drives one conversation's turns. Construct one per
// conversation (or look one up by conversation ID from a small in-process
// map in the composition root) — SendTurn enforces that at most one
// non-terminal turn runs at a time per Orchestrator instance (I2).
type Orchestrator struct {
	Provider      provider.Provider
	Tools         *mcp.Registry
	Store         history.Store
	Scratchpad    ScratchpadReader
	MaxToolRounds int
	Depth         int // 0 = root conversation; sub-agents run at Depth 1

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	lastCall recentCall
	repeats  int
}

type recentCall struct {
	name string
	args string
}

// ErrTurnInProgress is returned by SendTurn when a prior call on the same
// Orchestrator has not yet reached a terminal state.
var ErrTurnInProgress = errors.New("agent: a turn is already in progress for this conversation")

// SendTurn appends userText as a user message, then drives the
// model/tool-call loop to completion, emitting events to sink throughout.
// A subscriber that only reads the final events.TurnFinal still gets a
// complete, well-formed assistant message; chunk/tool.start/tool.end are
// an optional finer-grained view (spec's event-taxonomy guarantee).
func (o *Orchestrator) SendTurn(ctx context.Context, conversationID, userText string, sink events.Sink) error {
	if sink == nil {
		sink = events.NullSink{}
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrTurnInProgress
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	turnID := uuid.NewString()
	sink.Emit(events.Event{Type: events.TurnStart, TurnID: turnID, ConversationID: conversationID})

	if strings.TrimSpace(userText) == "" {
		return o.abort(sink, turnID, conversationID, errkind.New(errkind.Configuration, "empty user text"))
	}
	if o.Provider == nil {
		return o.abort(sink, turnID, conversationID, errkind.New(errkind.Configuration, "no provider configured"))
	}
	if o.Store == nil {
		return o.abort(sink, turnID, conversationID, errkind.New(errkind.Configuration, "no history store configured"))
	}

	exists, err := o.Store.ConversationExists(turnCtx, conversationID)
	if err != nil {
		return o.abort(sink, turnID, conversationID, errkind.Wrap(errkind.Configuration, "check conversation existence", err))
	}
	if !exists {
		if err := o.Store.CreateConversation(turnCtx, conversationID); err != nil {
			return o.abort(sink, turnID, conversationID, errkind.Wrap(errkind.Configuration, "create conversation", err))
		}
	}

	if _, err := o.Store.AppendMessage(turnCtx, conversationID, history.NewUserMessage(userText)); err != nil {
		return o.abort(sink, turnID, conversationID, errkind.Wrap(errkind.Configuration, "persist user message", err))
	}

	maxRounds := o.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}

	for round := 0; round < maxRounds; round++ {
		if turnCtx.Err() != nil {
			sink.Emit(events.Event{Type: events.TurnCancelled, TurnID: turnID, ConversationID: conversationID})
			return nil
		}

		msgs, err := o.Store.LoadMessages(turnCtx, conversationID)
		if err != nil {
			return o.abort(sink, turnID, conversationID, errkind.Wrap(errkind.Configuration, "load conversation history", err))
		}
		reqMsgs := history.ToProviderMessages(msgs)
		if round > 0 && round%reminderInterval == 0 {
			reqMsgs = o.withRecitation(reqMsgs)
		}

		result, err := o.streamAndCollect(turnCtx, conversationID, turnID, sink, reqMsgs, false)
		if err != nil {
			if turnCtx.Err() != nil {
				sink.Emit(events.Event{Type: events.TurnCancelled, TurnID: turnID, ConversationID: conversationID})
				return nil
			}
			return o.abort(sink, turnID, conversationID, classifyStreamError(err))
		}

		assistantMsg := history.NewAssistantMessage(result.Content, result.Reasoning, result.ToolCalls, result.InputTokens, result.OutputTokens)
		if _, err := o.Store.AppendMessage(turnCtx, conversationID, assistantMsg); err != nil {
			return o.abort(sink, turnID, conversationID, errkind.Wrap(errkind.Configuration, "persist assistant message", err))
		}

		if len(result.ToolCalls) == 0 {
			sink.Emit(events.Event{Type: events.TurnFinal, TurnID: turnID, ConversationID: conversationID, FinalText: result.Content})
			return nil
		}

		toolMsgs := o.executeToolRound(turnCtx, conversationID, turnID, sink, result.ToolCalls)
		if turnCtx.Err() != nil {
			sink.Emit(events.Event{Type: events.TurnCancelled, TurnID: turnID, ConversationID: conversationID})
			return nil
		}
		if _, err := o.Store.AppendMessages(turnCtx, conversationID, toolMsgs); err != nil {
			return o.abort(sink, turnID, conversationID, errkind.Wrap(errkind.Configuration, "persist tool results", err))
		}

		sink.Emit(events.Event{Type: events.RoundBoundary, TurnID: turnID, ConversationID: conversationID})
	}

	// Round budget exhausted: force one final no-tools call so the turn
	// still ends with a text answer instead of a hard failure.
	msgs, err := o.Store.LoadMessages(turnCtx, conversationID)
	if err != nil {
		return o.abort(sink, turnID, conversationID, errkind.Wrap(errkind.Configuration, "load conversation history", err))
	}
	result, err := o.streamAndCollect(turnCtx, conversationID, turnID, sink, history.ToProviderMessages(msgs), true)
	if err != nil {
		if turnCtx.Err() != nil {
			sink.Emit(events.Event{Type: events.TurnCancelled, TurnID: turnID, ConversationID: conversationID})
			return nil
		}
		return o.abort(sink, turnID, conversationID, errkind.Wrap(errkind.RoundLimitExceeded, fmt.Sprintf("exceeded max tool rounds (%d) and the forced summary call failed", maxRounds), err))
	}
	if _, err := o.Store.AppendMessage(turnCtx, conversationID, history.NewAssistantMessage(result.Content, result.Reasoning, nil, result.InputTokens, result.OutputTokens)); err != nil {
		return o.abort(sink, turnID, conversationID, errkind.Wrap(errkind.Configuration, "persist assistant message", err))
	}
	sink.Emit(events.Event{Type: events.TurnFinal, TurnID: turnID, ConversationID: conversationID, FinalText: result.Content})
	return nil
}

// Cancel requests that the in-progress turn (if any) stop. Idempotent and
// safe to call even when no turn is running. Once observed, no further
// Chunk/ToolStart events fire and no TurnFinal follows (I5).
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) abort(sink events.Sink, turnID, conversationID string, kerr *errkind.Error) error {
	sink.Emit(events.Event{Type: events.TurnError, TurnID: turnID, ConversationID: conversationID, ErrKind: kerr.Kind, Detail: kerr.Error()})
	return kerr
}

// withRecitation appends an ephemeral system message summarizing the
// current plan to the outgoing request only; it is never persisted, so
// repeated injections don't accumulate in the stored history.
func (o *Orchestrator) withRecitation(msgs []provider.Message) []provider.Message {
	var content string
	if o.Scratchpad != nil {
		content = strings.TrimSpace(o.Scratchpad.Content())
	}
	if content == "" {
		return msgs
	}
	reminder := provider.Message{
		Role:    "system",
		Content: "<system-reminder>Current plan:\n" + content + "</system-reminder>",
	}
	out := make([]provider.Message, len(msgs)+1)
	copy(out, msgs)
	out[len(msgs)] = reminder
	return out
}

func (o *Orchestrator) providerTools() []provider.Tool {
	defs := o.Tools.List()
	out := make([]provider.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.Tool{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.InputSchema,
			Exclusive:   d.Exclusive,
		})
	}
	return out
}

// classifyStreamError wraps an arbitrary provider error in a kinded error,
// preserving the kind if the provider already returned one.
func classifyStreamError(err error) *errkind.Error {
	var kerr *errkind.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	return errkind.Wrap(errkind.ModelProtocol, "provider request failed", err)
}

// streamResult is the assembled outcome of one model round.
type streamResult struct {
	Content      string
	Reasoning    string
	ToolCalls    []provider.ToolCall
	InputTokens  int
	OutputTokens int
	FinishReason provider.FinishReason
}

func isEmptyStreamResult(r *streamResult) bool {
	return r != nil && strings.TrimSpace(r.Content) == "" && len(r.ToolCalls) == 0
}

// streamAndCollect issues one completion request and assembles the
// streamed events into a streamResult, forwarding content deltas to sink
// as Chunk events as they arrive. Retries once on an empty response (a
// quirk some upstreams exhibit on an occasional dropped first attempt),
// mirroring the teacher's streamAndCollect retry.
func (o *Orchestrator) streamAndCollect(ctx context.Context, conversationID, turnID string, sink events.Sink, msgs []provider.Message, forceNoTools bool) (*streamResult, error) {
	params := provider.CompletionParams{
		Messages:     msgs,
		Tools:        o.providerTools(),
		ToolChoice:   provider.Auto,
		IncludeUsage: true,
	}
	if forceNoTools {
		params.Tools = nil
		params.ToolChoice = provider.ToolChoice{Mode: "none"}
	}

	result, err := o.streamWithRetry(ctx, conversationID, turnID, sink, params)
	if err != nil {
		return nil, err
	}
	if isEmptyStreamResult(result) && !forceNoTools {
		log.Warn().Str("conversation", conversationID).Msg("agent: empty model response, retrying once")
		result, err = o.streamWithRetry(ctx, conversationID, turnID, sink, params)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

const (
	// maxTransientAttempts bounds rate-limited/transport-transient retries,
	// including the initial attempt (spec's default: 3 attempts, 1s->5s).
	maxTransientAttempts = 3

	transientRetryInitialInterval = 1 * time.Second
	transientRetryMaxInterval     = 5 * time.Second
)

// streamWithRetry issues one completion request and applies the error-
// mapping table's retry/refresh rules to the result: authentication errors
// trigger exactly one credential refresh-and-retry (if the provider supports
// it), rate-limited and transport-transient errors are retried with
// exponential backoff up to maxTransientAttempts, and everything else fails
// immediately. The adapter itself never retries these — this is the only
// place that does.
func (o *Orchestrator) streamWithRetry(ctx context.Context, conversationID, turnID string, sink events.Sink, params provider.CompletionParams) (*streamResult, error) {
	result, err := o.streamOnce(ctx, conversationID, turnID, sink, params)
	if err == nil {
		return result, nil
	}
	kerr := classifyStreamError(err)

	switch kerr.Kind {
	case errkind.Authentication:
		return o.retryAfterReauth(ctx, conversationID, turnID, sink, params, kerr)
	case errkind.RateLimited, errkind.TransportTransient:
		return o.retryWithBackoff(ctx, conversationID, turnID, sink, params, kerr)
	default:
		return nil, kerr
	}
}

// retryAfterReauth implements the OAuth refresh integration: on a reactive
// 401, the orchestrator (not the adapter) invokes the provider's refresh
// routine and retries the identical request exactly once. A provider that
// doesn't support reactive refresh, or a refresh that fails, surfaces the
// original authentication error.
func (o *Orchestrator) retryAfterReauth(ctx context.Context, conversationID, turnID string, sink events.Sink, params provider.CompletionParams, firstErr *errkind.Error) (*streamResult, error) {
	reauth, ok := o.Provider.(Reauthenticator)
	if !ok {
		return nil, firstErr
	}
	if err := reauth.Refresh(ctx); err != nil {
		return nil, errkind.Wrap(errkind.Authentication, "credential refresh failed", err)
	}
	result, err := o.streamOnce(ctx, conversationID, turnID, sink, params)
	if err != nil {
		return nil, classifyStreamError(err)
	}
	return result, nil
}

// retryWithBackoff retries a rate-limited or transport-transient failure
// with exponential backoff. A transport-transient failure that still hasn't
// succeeded after maxTransientAttempts escalates to upstream-unavailable;
// a rate-limited failure keeps its original kind.
func (o *Orchestrator) retryWithBackoff(ctx context.Context, conversationID, turnID string, sink events.Sink, params provider.CompletionParams, firstErr *errkind.Error) (*streamResult, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(transientRetryInitialInterval),
		backoff.WithMaxInterval(transientRetryMaxInterval),
	), maxTransientAttempts-1), ctx)

	lastErr := firstErr
	var result *streamResult
	attempt := 0
	opErr := backoff.Retry(func() error {
		attempt++
		if attempt == 1 {
			// The initial attempt already failed in streamWithRetry; replaying
			// its error makes Retry wait one backoff interval before the first
			// real retry and keeps the total at maxTransientAttempts.
			return firstErr
		}
		r, err := o.streamOnce(ctx, conversationID, turnID, sink, params)
		if err == nil {
			result = r
			return nil
		}
		lastErr = classifyStreamError(err)
		log.Warn().Str("conversation", conversationID).Str("kind", string(lastErr.Kind)).Int("attempt", attempt).Msg("agent: retrying after transient provider error")
		if lastErr.Kind != errkind.RateLimited && lastErr.Kind != errkind.TransportTransient {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, b)
	if opErr == nil {
		return result, nil
	}
	if lastErr.Kind == errkind.TransportTransient {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, fmt.Sprintf("upstream unavailable after %d attempts", attempt), lastErr)
	}
	return nil, lastErr
}

// Reauthenticator is implemented by providers that can force a credential
// refresh outside their normal proactive-expiry check, for the reactive
// refresh-and-retry-once the OAuth error mapping requires.
type Reauthenticator interface {
	Refresh(ctx context.Context) error
}

func (o *Orchestrator) streamOnce(ctx context.Context, conversationID, turnID string, sink events.Sink, params provider.CompletionParams) (*streamResult, error) {
	ch, err := o.Provider.StreamCompletion(ctx, params)
	if err != nil {
		return nil, err
	}
	return collectStream(ctx, ch, sink, turnID, conversationID)
}

// collectStream drains a provider's event channel, emitting Chunk events
// for content deltas and reassembling tool-call arguments keyed by index
// (not id), matching the reassembly provider.drainToResult performs for
// non-streaming callers.
func collectStream(ctx context.Context, ch <-chan provider.StreamEvent, sink events.Sink, turnID, conversationID string) (*streamResult, error) {
	res := &streamResult{FinishReason: provider.FinishStop}

	type pending struct {
		id, name, sig string
		args          []byte
	}
	calls := map[int]*pending{}
	var order []int

loop:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				break loop
			}
			switch ev.Type {
			case provider.EventContentDelta:
				res.Content += ev.Content
				if ev.Content != "" {
					sink.Emit(events.Event{Type: events.Chunk, TurnID: turnID, ConversationID: conversationID, Text: ev.Content})
				}
			case provider.EventReasoningDelta:
				res.Reasoning += ev.Content
			case provider.EventToolCallBegin:
				if _, ok := calls[ev.ToolCallIndex]; !ok {
					order = append(order, ev.ToolCallIndex)
				}
				calls[ev.ToolCallIndex] = &pending{id: ev.ToolCallID, name: ev.ToolCallName, sig: ev.ToolCallSignature}
			case provider.EventToolCallDelta:
				p, ok := calls[ev.ToolCallIndex]
				if !ok {
					p = &pending{}
					calls[ev.ToolCallIndex] = p
					order = append(order, ev.ToolCallIndex)
				}
				if ev.ToolCallID != "" {
					p.id = ev.ToolCallID
				}
				if ev.ToolCallName != "" {
					p.name = ev.ToolCallName
				}
				p.args = append(p.args, []byte(ev.ToolCallArgs)...)
			case provider.EventUsage:
				res.InputTokens = ev.InputTokens
				res.OutputTokens = ev.OutputTokens
			case provider.EventDone:
				res.FinishReason = ev.FinishReason
			case provider.EventError:
				return nil, ev.Err
			}
		}
	}

	for _, idx := range order {
		p := calls[idx]
		args := p.args
		if len(args) == 0 {
			args = []byte("{}")
		}
		res.ToolCalls = append(res.ToolCalls, provider.ToolCall{
			ID:               p.id,
			Name:             p.name,
			Arguments:        json.RawMessage(args),
			ThoughtSignature: p.sig,
		})
	}
	return res, nil
}

// executeToolRound runs every tool call from one model round, in parallel
// by default. A call whose ToolDefinition.Exclusive is set acts as a
// barrier: every call before it finishes before it starts, and nothing
// after it starts until it finishes. Regardless of completion order, the
// returned messages preserve the model's original emission order (so the
// follow-up request sees tool results in call order, per the parallel
// tool-call scenario).
func (o *Orchestrator) executeToolRound(ctx context.Context, conversationID, turnID string, sink events.Sink, calls []provider.ToolCall) []history.Message {
	for _, c := range calls {
		sink.Emit(events.Event{Type: events.ToolStart, TurnID: turnID, ConversationID: conversationID, CallID: c.ID, ToolName: c.Name, Args: string(c.Arguments)})
	}

	results := make([]history.Message, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		i, c := i, c
		exclusive := false
		if def, ok := o.Tools.Get(c.Name); ok {
			exclusive = def.Exclusive
		}
		if exclusive {
			wg.Wait()
			results[i] = o.executeOneTool(ctx, conversationID, turnID, sink, c)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.executeOneTool(ctx, conversationID, turnID, sink, c)
		}()
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) executeOneTool(ctx context.Context, conversationID, turnID string, sink events.Sink, c provider.ToolCall) history.Message {
	result, err := o.Tools.Execute(ctx, c.Name, c.Arguments)

	var resultText string
	isError := false
	switch {
	case err != nil:
		isError = true
		resultText = fmt.Sprintf(`{"success":false,"error":%s}`, jsonString(err.Error()))
	case result != nil:
		isError = result.IsError
		resultText = extractResultText(result)
	default:
		isError = true
		resultText = `{"success":false,"error":"tool returned no result"}`
	}

	o.noteRepeat(c, &resultText)

	sink.Emit(events.Event{Type: events.ToolEnd, TurnID: turnID, ConversationID: conversationID, CallID: c.ID, ToolName: c.Name, Result: resultText, IsError: isError})
	return history.NewToolMessage(c.ID, c.Name, resultText, isError)
}

// noteRepeat appends a warning to resultText if this call is the third (or
// later) consecutive identical call, nudging a looping model to try a
// different approach instead of calling the same tool with the same
// arguments indefinitely.
func (o *Orchestrator) noteRepeat(c provider.ToolCall, resultText *string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	args := string(c.Arguments)
	if o.lastCall.name == c.Name && o.lastCall.args == args {
		o.repeats++
	} else {
		o.lastCall = recentCall{name: c.Name, args: args}
		o.repeats = 1
	}
	if o.repeats >= repeatThreshold {
		*resultText += "\n<system-reminder>WARNING: You are repeating the same tool call. If this isn't making progress, try a different approach.</system-reminder>"
	}
}

func extractResultText(result *mcp.ToolResult) string {
	var sb strings.Builder
	for _, block := range result.Content {
		sb.WriteString(block.Text)
	}
	return sb.String()
}

func jsonString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
