package chat

// Channel identifies the messaging surface a conversation belongs to.
// Channel is part of conversation identity: the same raw id on two
// channels names two distinct conversations.
type Channel string

const (
	ChannelDirect    Channel = "direct"
	ChannelInstagram Channel = "instagram"
	ChannelTeam      Channel = "team"
)

// Channels lists all known channel types.
var Channels = []Channel{ChannelDirect, ChannelInstagram, ChannelTeam}

// Valid reports whether c is a known channel type.
func (c Channel) Valid() bool {
	switch c {
	case ChannelDirect, ChannelInstagram, ChannelTeam:
		return true
	}
	return false
}

// Media is an optional message attachment payload.
type Media struct {
	MimeType string
	Data     []byte
}

// Message is a single message within a conversation.
// ID is unique within the conversation and is the dedup key.
type Message struct {
	ID        string
	Sender    string
	FromMe    bool
	Body      string
	Media     *Media
	Timestamp int64 // unix millis
}

// Conversation is a per-channel message thread. Messages are kept in
// arrival order, which may differ from timestamp order.
type Conversation struct {
	ID          string
	Channel     Channel
	Name        string
	UnreadCount int
	LastMessage *Message
	Messages    []Message
}

// MessageAppended is the payload for store.message_appended events.
type MessageAppended struct {
	Channel        Channel
	ConversationID string
	MessageID      string
	FromMe         bool
	Preview        string
	Timestamp      int64
}

// MarkedRead is the payload for store.marked_read events.
type MarkedRead struct {
	Channel        Channel
	ConversationID string
}

// ConversationCreated is the payload for store.conversation_created events.
type ConversationCreated struct {
	Channel        Channel
	ConversationID string
	Name           string
}
