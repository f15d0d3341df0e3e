package feed

// EventKind classifies a row-level change event.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
	EventAny    EventKind = "*"
)

// Change is a single row-level change delivered by the backend feed.
// Record and OldRecord are backend-defined and opaque to this layer;
// they are passed through to handlers untouched.
type Change struct {
	Table     string
	Kind      EventKind
	Record    map[string]any
	OldRecord map[string]any
}

// TableFilter selects changes by table name and event kind. A "*" table
// or EventAny event matches everything.
type TableFilter struct {
	Table string
	Event EventKind
}

// Matches reports whether the filter selects the given change.
func (f TableFilter) Matches(c Change) bool {
	if f.Table != "*" && f.Table != "" && f.Table != c.Table {
		return false
	}
	if f.Event != EventAny && f.Event != "" && f.Event != c.Kind {
		return false
	}
	return true
}

// Handler receives change events. Handlers run on the feed read
// goroutine, so per-table delivery order is preserved; they must not
// block.
type Handler func(Change)

// Wire frames. The feed speaks a small JSON protocol: the client sends
// subscribe and heartbeat frames, the server sends change, ack and
// heartbeat frames.

type clientFrame struct {
	Action string `json:"action"`
	Table  string `json:"table,omitempty"`
	Event  string `json:"event,omitempty"`
}

type serverFrame struct {
	Type      string         `json:"type"`
	Table     string         `json:"table,omitempty"`
	Event     string         `json:"event,omitempty"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

func parseKind(s string) (EventKind, bool) {
	switch EventKind(s) {
	case EventInsert, EventUpdate, EventDelete:
		return EventKind(s), true
	}
	return "", false
}
