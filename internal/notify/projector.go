package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vendaflow/crmsync/internal/bus"
	"github.com/vendaflow/crmsync/internal/chat"
	"github.com/vendaflow/crmsync/internal/feed"
	"github.com/vendaflow/crmsync/internal/outbox"
	"go.uber.org/zap"
)

// Notification categories. The category picks the icon and grouping in
// the UI, the link points at the screen where the underlying record
// lives.
const (
	CategoryMessage     = "message"
	CategoryTicket      = "ticket"
	CategoryLead        = "lead"
	CategoryReminder    = "reminder"
	CategoryAppointment = "appointment"
	CategorySendFailure = "send_failure"
)

// Notification is one user-facing entry in the notification panel.
type Notification struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Link        string    `json:"link"`
	Timestamp   time.Time `json:"timestamp"`
}

const ringSize = 100

// Projector derives notifications from bus events. It is a pure
// read-side view over store mutations and CRM change events: it owns no
// source of truth, keeps a bounded in-memory ring, and can be rebuilt
// from scratch by replaying events.
type Projector struct {
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	ring []Notification
}

// NewProjector creates a notification projector.
func NewProjector(b *bus.Bus, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to all bus events and begins projecting.
func (p *Projector) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	ch, unsub := p.bus.Subscribe("", 256)

	go func() {
		defer close(p.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if n, ok := p.project(evt); ok {
					p.push(n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the projector.
func (p *Projector) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// List returns the current notifications, newest first.
func (p *Projector) List() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Notification, len(p.ring))
	for i, n := range p.ring {
		out[len(p.ring)-1-i] = n
	}
	return out
}

func (p *Projector) push(n Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring = append(p.ring, n)
	if len(p.ring) > ringSize {
		p.ring = p.ring[len(p.ring)-ringSize:]
	}
}

// project maps a bus event to a notification. Events that carry no
// user-facing meaning return ok=false.
func (p *Projector) project(evt bus.Event) (Notification, bool) {
	switch payload := evt.Payload.(type) {
	case chat.MessageAppended:
		// Own messages are not news.
		if payload.FromMe {
			return Notification{}, false
		}
		return p.entry(CategoryMessage,
			messageTitle(payload.Channel),
			payload.Preview,
			fmt.Sprintf("/chat/%s/%s", payload.Channel, payload.ConversationID),
			evt.Timestamp), true
	case outbox.SendFailed:
		return p.entry(CategorySendFailure,
			"Message not delivered",
			fmt.Sprintf("to %s: %s", payload.Recipient, payload.Error),
			"/chat",
			evt.Timestamp), true
	case feed.Change:
		return p.projectChange(evt, payload)
	}
	return Notification{}, false
}

func (p *Projector) projectChange(evt bus.Event, change feed.Change) (Notification, bool) {
	title := recordField(change.Record, "title", "name", "subject")
	id := recordField(change.Record, "id")

	switch change.Table {
	case "tickets":
		verb := "updated"
		if change.Kind == feed.EventInsert {
			verb = "opened"
		}
		return p.entry(CategoryTicket,
			"Ticket "+verb,
			title,
			"/tickets/"+id,
			evt.Timestamp), true
	case "leads":
		if change.Kind != feed.EventInsert {
			return Notification{}, false
		}
		return p.entry(CategoryLead, "New lead", title, "/leads/"+id, evt.Timestamp), true
	case "contact_reminders", "lead_followups":
		if change.Kind == feed.EventDelete {
			return Notification{}, false
		}
		return p.entry(CategoryReminder, "Reminder", title, "/reminders", evt.Timestamp), true
	case "appointment_reminders":
		if change.Kind == feed.EventDelete {
			return Notification{}, false
		}
		return p.entry(CategoryAppointment, "Appointment", title, "/appointments", evt.Timestamp), true
	}
	return Notification{}, false
}

func (p *Projector) entry(category, title, description, link string, ts time.Time) Notification {
	if ts.IsZero() {
		ts = time.Now()
	}
	return Notification{
		ID:          uuid.NewString(),
		Category:    category,
		Title:       title,
		Description: description,
		Link:        link,
		Timestamp:   ts,
	}
}

func messageTitle(ch chat.Channel) string {
	switch ch {
	case chat.ChannelInstagram:
		return "New Instagram message"
	case chat.ChannelTeam:
		return "New team message"
	default:
		return "New message"
	}
}

func recordField(record map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := record[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
