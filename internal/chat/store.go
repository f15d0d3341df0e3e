package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/vendaflow/crmsync/internal/bus"
	"go.uber.org/zap"
)

// Store is the in-memory conversation projection. It is the single
// shared mutable resource of the sync core, and the three action
// methods (AppendMessage, MarkAsRead, CreateConversation) are its only
// mutation entry points. Every action is idempotent with respect to
// redelivery of the same change event, so the at-least-once feed can
// replay events through the store without corrupting it.
type Store struct {
	mu     sync.RWMutex
	convos map[key]*conversation
	bus    *bus.Bus
	logger *zap.Logger
}

type key struct {
	channel Channel
	id      string
}

// conversation wraps the exported view with the dedup index.
type conversation struct {
	Conversation
	seen map[string]struct{}
}

// NewStore creates an empty conversation store.
func NewStore(b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		convos: make(map[key]*conversation),
		bus:    b,
		logger: logger,
	}
}

// AppendMessage inserts msg into the named conversation unless a message
// with the same id is already present. The conversation is created
// lazily if missing. Unread count is incremented only for messages not
// authored locally, and only when the message was actually inserted.
// Returns true if the message was appended.
func (s *Store) AppendMessage(ch Channel, conversationID string, msg Message) bool {
	if msg.ID == "" || conversationID == "" {
		s.logger.Debug("dropping message without id",
			zap.String("channel", string(ch)),
			zap.String("conversation", conversationID))
		return false
	}

	s.mu.Lock()
	c := s.getOrCreateLocked(ch, conversationID, "")
	if _, dup := c.seen[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	c.seen[msg.ID] = struct{}{}
	c.Messages = append(c.Messages, msg)
	if c.LastMessage == nil || msg.Timestamp >= c.LastMessage.Timestamp {
		last := msg
		c.LastMessage = &last
	}
	if !msg.FromMe {
		c.UnreadCount++
	}
	s.mu.Unlock()

	s.publish("store.message_appended", MessageAppended{
		Channel:        ch,
		ConversationID: conversationID,
		MessageID:      msg.ID,
		FromMe:         msg.FromMe,
		Preview:        truncate(msg.Body, 100),
		Timestamp:      msg.Timestamp,
	})
	return true
}

// MarkAsRead resets the unread counter of a conversation to zero.
// Unknown conversations are a no-op: mark-read never creates state.
// Returns true if the conversation existed.
func (s *Store) MarkAsRead(ch Channel, conversationID string) bool {
	s.mu.Lock()
	c, ok := s.convos[key{channel: ch, id: conversationID}]
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed := c.UnreadCount != 0
	c.UnreadCount = 0
	s.mu.Unlock()

	if changed {
		s.publish("store.marked_read", MarkedRead{
			Channel:        ch,
			ConversationID: conversationID,
		})
	}
	return true
}

// CreateConversation inserts an empty conversation if absent. Existing
// conversations are untouched: message history and unread state are
// never overwritten. Returns true if the conversation was created.
func (s *Store) CreateConversation(ch Channel, conversationID, name string) bool {
	if conversationID == "" {
		return false
	}

	s.mu.Lock()
	k := key{channel: ch, id: conversationID}
	if c, ok := s.convos[k]; ok {
		// Backfill the display name if a later create carries one.
		if c.Name == "" && name != "" {
			c.Name = name
		}
		s.mu.Unlock()
		return false
	}
	s.convos[k] = newConversation(ch, conversationID, name)
	s.mu.Unlock()

	s.publish("store.conversation_created", ConversationCreated{
		Channel:        ch,
		ConversationID: conversationID,
		Name:           name,
	})
	return true
}

// Get returns a snapshot copy of a conversation.
func (s *Store) Get(ch Channel, conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convos[key{channel: ch, id: conversationID}]
	if !ok {
		return Conversation{}, false
	}
	return c.snapshot(), true
}

// List returns snapshot copies of all conversations on a channel,
// ordered by last message timestamp descending. Conversations without
// messages sort last.
func (s *Store) List(ch Channel) []Conversation {
	s.mu.RLock()
	var out []Conversation
	for k, c := range s.convos {
		if k.channel != ch {
			continue
		}
		out = append(out, c.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return lastTimestamp(&out[i]) > lastTimestamp(&out[j])
	})
	return out
}

// TotalUnread returns the unread sum across all channels.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.convos {
		total += c.UnreadCount
	}
	return total
}

func (s *Store) getOrCreateLocked(ch Channel, conversationID, name string) *conversation {
	k := key{channel: ch, id: conversationID}
	c, ok := s.convos[k]
	if !ok {
		c = newConversation(ch, conversationID, name)
		s.convos[k] = c
	}
	return c
}

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func newConversation(ch Channel, id, name string) *conversation {
	return &conversation{
		Conversation: Conversation{
			ID:      id,
			Channel: ch,
			Name:    name,
		},
		seen: make(map[string]struct{}),
	}
}

func (c *conversation) snapshot() Conversation {
	out := c.Conversation
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = copyMessage(m)
	}
	if c.LastMessage != nil {
		last := copyMessage(*c.LastMessage)
		out.LastMessage = &last
	}
	return out
}

func copyMessage(m Message) Message {
	if m.Media != nil {
		media := *m.Media
		m.Media = &media
	}
	return m
}

func lastTimestamp(c *Conversation) int64 {
	if c.LastMessage == nil {
		return -1
	}
	return c.LastMessage.Timestamp
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
