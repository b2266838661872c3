// Package provider defines the LLM provider interface and its adapters.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrProviderNotFound is returned when a requested provider kind doesn't exist.
var ErrProviderNotFound = errors.New("provider not found")

// Message is one entry in a conversation, provider-agnostic.
type Message struct {
	Role         string
	Content      string
	Reasoning    string     // model reasoning/thinking content, optional
	ToolCalls    []ToolCall // assistant messages carrying tool calls
	ToolCallID   string     // tool result messages
	FunctionName string     // tool result messages: name of the called function
	CreatedAt    time.Time
	InputTokens  int
	OutputTokens int
}

// ToolChoice constrains which tool (if any) the model must call.
type ToolChoice struct {
	Mode     string // "auto", "none", "function"
	Function string // set when Mode == "function"
}

// Auto is the default tool-choice mode.
var Auto = ToolChoice{Mode: "auto"}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	// Exclusive marks a tool that must run alone: all prior calls in the
	// round complete before it starts and it blocks subsequent calls
	// until it finishes.
	Exclusive bool `json:"-"`
}

// ToolCall is a structured invocation request emitted by the model.
type ToolCall struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Arguments        json.RawMessage `json:"arguments"`
	ThoughtSignature string          `json:"thought_signature,omitempty"`
}

// FinishReason enumerates why a completion stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// CompletionResult is a provider's assembled reply to one round.
type CompletionResult struct {
	Content      string
	ToolCalls    []ToolCall
	Reasoning    string
	InputTokens  int
	OutputTokens int
	FinishReason FinishReason
	Model        string
}

// CompletionParams is the canonical, provider-agnostic request shape.
type CompletionParams struct {
	Model        string
	Messages     []Message
	Temperature  float64
	TopP         float64
	MaxTokens    int
	Tools        []Tool
	ToolChoice   ToolChoice
	IncludeUsage bool
}

// StreamEventType identifies the kind of streaming event.
type StreamEventType int

const (
	EventContentDelta StreamEventType = iota
	EventReasoningDelta
	EventToolCallBegin
	EventToolCallDelta
	EventUsage
	EventDone
	EventError
)

// StreamEvent is a single event in a streamed completion. Tool-call deltas
// are keyed by Index, not ID: several upstream wire formats only guarantee
// a stable index per call within one response, assigning the id (and
// sometimes the name) on the first delta only.
type StreamEvent struct {
	Type StreamEventType

	Content string

	ToolCallIndex     int
	ToolCallID        string
	ToolCallName      string
	ToolCallSignature string
	ToolCallArgs      string

	InputTokens  int
	OutputTokens int

	FinishReason FinishReason

	Err error
}

// Model describes one model a provider can serve.
type Model struct {
	Name       string
	Size       int64
	Digest     string
	ModifiedAt time.Time
	Format     string
	Family     string
	ParamSize  string
	QuantLevel string
	MaxTokens  int
}

// Provider is the interface every LLM backend adapter implements.
type Provider interface {
	// Name returns the provider's identifier.
	Name() string

	// StreamCompletion sends params and returns a channel of streaming
	// events. The channel is closed after EventDone or EventError.
	StreamCompletion(ctx context.Context, params CompletionParams) (<-chan StreamEvent, error)

	// GenerateCompletion performs a non-streaming call by draining the
	// stream internally; callers that don't need incremental output can
	// use this instead of consuming the channel themselves.
	GenerateCompletion(ctx context.Context, params CompletionParams) (*CompletionResult, error)

	// ListModels returns the models available from this provider.
	ListModels(ctx context.Context) ([]Model, error)

	// Close closes idle HTTP connections and cleans up resources.
	Close() error
}

// OAuthCredentials holds a refreshable bearer token tuple for providers
// fronted by an OAuth2 flow (github-copilot today).
type OAuthCredentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ClientID     string
	TokenURL     string
}

// Factory creates a configured Provider instance.
type Factory interface {
	Name() string
	Create(model string, opts Options) Provider
}

// Options holds provider generation settings shared across adapters.
type Options struct {
	Temperature   float64
	TopP          float64
	MaxTokens     int
	RepeatPenalty float64
	APIKey        string
	APIURL        string
	OAuth         *OAuthCredentials
	OnTokenUpdate func(OAuthCredentials) error
}

// Registry holds available provider factories, keyed by provider kind.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) RegisterFactory(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Create(name, model string, opts Options) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		log.Error().Str("name", name).Str("model", model).Msg("Registry.Create: factory not found")
		return nil, ErrProviderNotFound
	}
	return f.Create(model, opts), nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// TaggedModel pairs a provider config name with a model.
type TaggedModel struct {
	ProviderName string
	Model        Model
}

// ListAllModels concurrently fetches models from every registered provider and
// returns the combined list. Errors from individual providers are logged and
// skipped so a single unavailable provider does not block the rest.
func (r *Registry) ListAllModels(ctx context.Context, opts Options) []TaggedModel {
	type result struct {
		name   string
		models []Model
	}
	ch := make(chan result, len(r.factories))
	for name := range r.factories {
		name := name
		go func() {
			prov := r.factories[name].Create("", opts)
			models, err := prov.ListModels(ctx)
			prov.Close()
			if err != nil {
				log.Warn().Str("provider", name).Err(err).Msg("ListAllModels: provider error")
				ch <- result{name: name}
				return
			}
			ch <- result{name: name, models: models}
		}()
	}
	var all []TaggedModel
	for range r.factories {
		res := <-ch
		for _, m := range res.models {
			all = append(all, TaggedModel{ProviderName: res.name, Model: m})
		}
	}
	return all
}

// drainToResult consumes a stream channel fully and assembles a single
// CompletionResult, reassembling tool-call argument fragments by index.
// Adapters implement GenerateCompletion atop StreamCompletion with this.
func drainToResult(ch <-chan StreamEvent, model string) (*CompletionResult, error) {
	res := &CompletionResult{Model: model, FinishReason: FinishStop}
	type pending struct {
		id, name, sig string
		args          []byte
	}
	calls := map[int]*pending{}
	var order []int

	for ev := range ch {
		switch ev.Type {
		case EventContentDelta:
			res.Content += ev.Content
		case EventReasoningDelta:
			res.Reasoning += ev.Content
		case EventToolCallBegin:
			if _, ok := calls[ev.ToolCallIndex]; !ok {
				order = append(order, ev.ToolCallIndex)
			}
			calls[ev.ToolCallIndex] = &pending{id: ev.ToolCallID, name: ev.ToolCallName, sig: ev.ToolCallSignature}
		case EventToolCallDelta:
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
		case EventUsage:
			res.InputTokens = ev.InputTokens
			res.OutputTokens = ev.OutputTokens
		case EventDone:
			res.FinishReason = ev.FinishReason
		case EventError:
			return nil, ev.Err
		}
	}

	for _, idx := range order {
		p := calls[idx]
		args := p.args
		if len(args) == 0 {
			args = []byte("{}")
		}
		res.ToolCalls = append(res.ToolCalls, ToolCall{
			ID:               p.id,
			Name:             p.name,
			Arguments:        json.RawMessage(args),
			ThoughtSignature: p.sig,
		})
	}
	if len(res.ToolCalls) > 0 && res.FinishReason == FinishStop {
		res.FinishReason = FinishToolCalls
	}
	return res, nil
}
