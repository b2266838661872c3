package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the default Store: an in-process, non-persistent
// implementation backed by a map of slices. Safe for concurrent use.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string][]Message
	order         []string // conversation IDs in creation order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string][]Message)}
}

func (s *MemoryStore) CreateConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; ok {
		return nil
	}
	s.conversations[id] = nil
	s.order = append(s.order, id)
	return nil
}

func (s *MemoryStore) ConversationExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[id]
	return ok, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID string, msg Message) (Message, error) {
	out, err := s.AppendMessages(ctx, conversationID, []Message{msg})
	if err != nil {
		return Message{}, err
	}
	return out[0], nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, conversationID string, msgs []Message) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgsCopy, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("history: conversation %q does not exist", conversationID)
	}
	seq := int64(len(msgsCopy))
	saved := make([]Message, len(msgs))
	for i, m := range msgs {
		seq++
		m.ConversationID = conversationID
		m.Seq = seq
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		saved[i] = m
		msgsCopy = append(msgsCopy, m)
	}
	s.conversations[conversationID] = msgsCopy
	return saved, nil
}

func (s *MemoryStore) LoadMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("history: conversation %q does not exist", conversationID)
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) LoadLastMessage(_ context.Context, conversationID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.conversations[conversationID]
	if !ok || len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	return &last, nil
}

func (s *MemoryStore) TruncateFrom(_ context.Context, conversationID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("history: conversation %q does not exist", conversationID)
	}
	kept := msgs[:0:0]
	for _, m := range msgs {
		if m.Seq < seq {
			kept = append(kept, m)
		}
	}
	s.conversations[conversationID] = kept
	return nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summaries := make([]ConversationSummary, 0, len(s.order))
	for _, id := range s.order {
		msgs := s.conversations[id]
		var ts time.Time
		preview := ""
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == RoleUser && msgs[i].User != nil {
				ts = msgs[i].CreatedAt
				preview = truncatePreview(msgs[i].User.Content, 50)
				break
			}
		}
		summaries = append(summaries, ConversationSummary{ID: id, Timestamp: ts, Preview: preview})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Timestamp.After(summaries[j].Timestamp) })
	return summaries, nil
}

func (s *MemoryStore) LatestConversationID(ctx context.Context) (string, error) {
	summaries, err := s.ListConversations(ctx)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "", nil
	}
	return summaries[0].ID, nil
}

func (s *MemoryStore) Close() error { return nil }

func truncatePreview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
