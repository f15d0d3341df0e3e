package ingest

import (
	"encoding/base64"
	"sort"
	"time"

	"github.com/vendaflow/crmsync/internal/chat"
)

// messageTables maps backend message tables to their channel type and
// the row column holding the conversation key.
var messageTables = map[string]struct {
	channel chat.Channel
	convKey string
}{
	"messages":           {chat.ChannelDirect, "contact_id"},
	"instagram_messages": {chat.ChannelInstagram, "username"},
	"team_messages":      {chat.ChannelTeam, "channel_id"},
}

// MessageTable reports whether table carries conversation messages and,
// if so, which channel it belongs to.
func MessageTable(table string) (chat.Channel, bool) {
	mt, ok := messageTables[table]
	return mt.channel, ok
}

// MessageTables lists every backend table that carries conversation
// messages, in stable order.
func MessageTables() []string {
	names := make([]string, 0, len(messageTables))
	for name := range messageTables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseRow converts an opaque backend message row into a chat message.
// Returns ok=false for rows of unknown tables or rows missing the
// fields needed for a safe append (id, conversation key).
func ParseRow(table string, row map[string]any) (chat.Channel, string, chat.Message, bool) {
	mt, known := messageTables[table]
	if !known || row == nil {
		return "", "", chat.Message{}, false
	}

	id := rowString(row, "id")
	convID := rowString(row, mt.convKey)
	if id == "" || convID == "" {
		return "", "", chat.Message{}, false
	}

	msg := chat.Message{
		ID:        id,
		Sender:    rowString(row, "sender", "sender_name"),
		FromMe:    rowBool(row, "from_me", "fromMe"),
		Body:      rowString(row, "body", "content", "text"),
		Media:     rowMedia(row),
		Timestamp: rowTimestamp(row),
	}
	return mt.channel, convID, msg, true
}

func rowString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func rowBool(row map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := row[k].(bool); ok {
			return v
		}
	}
	return false
}

// rowTimestamp accepts either a numeric unix-millis "timestamp" column
// or an RFC3339 "created_at"/"sent_at" column. Rows with neither get
// the arrival time.
func rowTimestamp(row map[string]any) int64 {
	if v, ok := row["timestamp"].(float64); ok && v > 0 {
		return int64(v)
	}
	for _, k := range []string{"created_at", "sent_at"} {
		if s, ok := row[k].(string); ok && s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UnixMilli()
			}
		}
	}
	return time.Now().UnixMilli()
}

func rowMedia(row map[string]any) *chat.Media {
	mime := rowString(row, "media_mime")
	encoded := rowString(row, "media_data")
	if mime == "" || encoded == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return &chat.Media{MimeType: mime, Data: data}
}
