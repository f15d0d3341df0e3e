package feed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/vendaflow/crmsync/internal/bus"
	"github.com/vendaflow/crmsync/internal/status"
	"go.uber.org/zap"
)

// Client maintains one logical subscription to the backend change
// stream. It reconnects and resubscribes transparently: handlers never
// see connection errors, they simply resume receiving events after a
// drop. Gaps in delivery are healed by the refresh coordinator, not by
// event replay. Every delivered change is also republished on the bus
// as "feed.<table>".
type Client struct {
	url     string
	apiKey  string
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[Handle]*subscription
	next Handle
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}

	initialBackoff    time.Duration
	maxBackoff        time.Duration
	heartbeatInterval time.Duration
}

// Handle identifies a registered subscription.
type Handle int

type subscription struct {
	filters []TableFilter
	fn      Handler
}

// NewClient creates a feed client for the given websocket URL.
func NewClient(url, apiKey string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:               url,
		apiKey:            apiKey,
		bus:               b,
		machine:           machine,
		logger:            logger,
		subs:              make(map[Handle]*subscription),
		initialBackoff:    time.Second,
		maxBackoff:        30 * time.Second,
		heartbeatInterval: 30 * time.Second,
	}
}

// Subscribe registers a handler for changes matching any of the given
// filters. If the client is already connected, the new filters are
// pushed to the backend immediately.
func (c *Client) Subscribe(filters []TableFilter, fn Handler) Handle {
	c.mu.Lock()
	h := c.next
	c.next++
	c.subs[h] = &subscription{filters: filters, fn: fn}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		for _, f := range filters {
			c.sendSubscribe(conn, f)
		}
	}
	return h
}

// Unsubscribe removes a previously registered handler. Unknown handles
// are ignored.
func (c *Client) Unsubscribe(h Handle) {
	c.mu.Lock()
	delete(c.subs, h)
	c.mu.Unlock()
}

// Start begins the connect/read/reconnect loop in the background.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop terminates the feed connection and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	backoff := c.initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		c.transition(status.Connecting)

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("feed dial failed", zap.Error(err))
			c.transition(status.Reconnecting)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}

		c.setConn(conn)
		c.resubscribe(conn)
		c.transition(status.Live)
		backoff = c.initialBackoff

		hbCtx, hbCancel := context.WithCancel(ctx)
		go c.heartbeatLoop(hbCtx, conn)

		err = c.readLoop(ctx, conn)
		hbCancel()
		c.setConn(nil)
		_ = conn.CloseNow()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("feed connection lost, reconnecting", zap.Error(err))
		c.transition(status.Reconnecting)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// resubscribe pushes the union of all registered filters to a fresh
// connection. Called on every (re)connect so the backend resumes the
// same filter set without consumer involvement.
func (c *Client) resubscribe(conn *websocket.Conn) {
	seen := make(map[TableFilter]struct{})
	c.mu.Lock()
	var filters []TableFilter
	for _, sub := range c.subs {
		for _, f := range sub.filters {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			filters = append(filters, f)
		}
	}
	c.mu.Unlock()

	for _, f := range filters {
		c.sendSubscribe(conn, f)
	}
}

func (c *Client) sendSubscribe(conn *websocket.Conn, f TableFilter) {
	table := f.Table
	if table == "" {
		table = "*"
	}
	event := string(f.Event)
	if event == "" {
		event = string(EventAny)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, clientFrame{Action: "subscribe", Table: table, Event: event}); err != nil {
		c.logger.Warn("subscribe frame failed", zap.String("table", table), zap.Error(err))
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame serverFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		switch frame.Type {
		case "change":
			kind, ok := parseKind(frame.Event)
			if !ok || frame.Table == "" {
				// Malformed frame: skip, the next refresh heals any gap.
				c.logger.Debug("ignoring malformed change frame",
					zap.String("table", frame.Table), zap.String("event", frame.Event))
				continue
			}
			c.dispatch(Change{
				Table:     frame.Table,
				Kind:      kind,
				Record:    frame.Record,
				OldRecord: frame.OldRecord,
			})
		case "heartbeat", "ack":
			// Keepalive traffic.
		default:
			c.logger.Debug("ignoring unknown frame", zap.String("type", frame.Type))
		}
	}
}

func (c *Client) dispatch(change Change) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs))
	for _, sub := range c.subs {
		for _, f := range sub.filters {
			if f.Matches(change) {
				handlers = append(handlers, sub.fn)
				break
			}
		}
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(change)
	}

	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      "feed." + change.Table,
			Timestamp: time.Now(),
			Payload:   change,
		})
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, clientFrame{Action: "heartbeat"}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) transition(to status.State) {
	if c.machine == nil {
		return
	}
	_ = c.machine.Transition(to)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
