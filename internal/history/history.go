// Package history persists conversations and their messages. Message uses a
// tagged-variant shape — Role selects exactly one non-nil payload — rather
// than the flat struct-with-optional-fields the teacher's SessionMessage
// used, so a tool-result message can't be constructed missing its
// toolCallId/name the way a flat struct allows.
//
// Store is implemented both in-memory (the default, see memory.go) and by
// SQLite (see sqlite.go, an optional pluggable adapter) — persistence to a
// production database is explicitly out of scope, not a requirement.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/relayhq/relay/internal/provider"
)

// Role identifies which payload field of a Message is populated.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// UserPayload is the content of a user message.
type UserPayload struct {
	Content string
}

// SystemPayload is the content of a system message.
type SystemPayload struct {
	Content string
}

// AssistantPayload is an assistant turn: text, optional reasoning, and any
// tool calls the model requested.
type AssistantPayload struct {
	Content      string
	Reasoning    string
	ToolCalls    []provider.ToolCall
	InputTokens  int
	OutputTokens int
}

// ToolPayload is the result of one tool call, returned to the model.
type ToolPayload struct {
	ToolCallID string
	Name       string
	Result     string
	IsError    bool
}

// Message is one tagged-variant entry in a conversation. Exactly the
// payload field matching Role is non-nil.
type Message struct {
	ID             string
	ConversationID string
	CreatedAt      time.Time
	Seq            int64 // assigned by the Store on append; ordering key

	Role Role

	User      *UserPayload
	System    *SystemPayload
	Assistant *AssistantPayload
	Tool      *ToolPayload
}

// NewUserMessage builds a user message with a fresh ID.
func NewUserMessage(content string) Message {
	return Message{ID: uuid.NewString(), Role: RoleUser, CreatedAt: time.Now(), User: &UserPayload{Content: content}}
}

// NewSystemMessage builds a system message with a fresh ID.
func NewSystemMessage(content string) Message {
	return Message{ID: uuid.NewString(), Role: RoleSystem, CreatedAt: time.Now(), System: &SystemPayload{Content: content}}
}

// NewAssistantMessage builds an assistant message with a fresh ID.
func NewAssistantMessage(content, reasoning string, calls []provider.ToolCall, inTok, outTok int) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
		Assistant: &AssistantPayload{Content: content, Reasoning: reasoning, ToolCalls: calls, InputTokens: inTok, OutputTokens: outTok},
	}
}

// NewToolMessage builds a tool-result message with a fresh ID.
func NewToolMessage(toolCallID, name, result string, isError bool) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleTool,
		CreatedAt: time.Now(),
		Tool:      &ToolPayload{ToolCallID: toolCallID, Name: name, Result: result, IsError: isError},
	}
}

// ToProviderMessage flattens a tagged Message into the wire-agnostic shape
// provider adapters build requests from.
func ToProviderMessage(m Message) provider.Message {
	pm := provider.Message{Role: string(m.Role), CreatedAt: m.CreatedAt}
	switch m.Role {
	case RoleUser:
		if m.User != nil {
			pm.Content = m.User.Content
		}
	case RoleSystem:
		if m.System != nil {
			pm.Content = m.System.Content
		}
	case RoleAssistant:
		if m.Assistant != nil {
			pm.Content = m.Assistant.Content
			pm.Reasoning = m.Assistant.Reasoning
			pm.ToolCalls = m.Assistant.ToolCalls
			pm.InputTokens = m.Assistant.InputTokens
			pm.OutputTokens = m.Assistant.OutputTokens
		}
	case RoleTool:
		if m.Tool != nil {
			pm.Content = m.Tool.Result
			pm.ToolCallID = m.Tool.ToolCallID
			pm.FunctionName = m.Tool.Name
		}
	}
	return pm
}

// ToProviderMessages flattens a slice of tagged Messages in order.
func ToProviderMessages(msgs []Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = ToProviderMessage(m)
	}
	return out
}

// ConversationSummary is a lightweight listing entry.
type ConversationSummary struct {
	ID        string
	Timestamp time.Time
	Preview   string // first 50 chars of the last user message
}

// Store persists conversations and their messages. Every method accepts a
// ctx so a SQLite-backed implementation can honor cancellation/timeouts;
// the in-memory implementation ignores it.
type Store interface {
	CreateConversation(ctx context.Context, id string) error
	ConversationExists(ctx context.Context, id string) (bool, error)

	AppendMessage(ctx context.Context, conversationID string, msg Message) (Message, error)
	AppendMessages(ctx context.Context, conversationID string, msgs []Message) ([]Message, error)

	LoadMessages(ctx context.Context, conversationID string) ([]Message, error)
	LoadLastMessage(ctx context.Context, conversationID string) (*Message, error)

	// TruncateFrom removes every message with Seq >= seq, used to discard a
	// partially-applied turn (e.g. after a crash) without losing earlier
	// history.
	TruncateFrom(ctx context.Context, conversationID string, seq int64) error

	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	LatestConversationID(ctx context.Context) (string, error)

	Close() error
}
