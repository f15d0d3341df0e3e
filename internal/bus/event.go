package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is a dot-separated name whose leading segment acts as a
// namespace, e.g. "feed.tickets", "store.message_appended",
// "sync.status_changed", "outbox.send_failed".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
