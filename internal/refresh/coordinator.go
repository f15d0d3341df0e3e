package refresh

import (
	"context"
	"time"

	"github.com/vendaflow/crmsync/internal/bus"
	"github.com/vendaflow/crmsync/internal/feed"
	"github.com/vendaflow/crmsync/internal/ingest"
	"github.com/vendaflow/crmsync/internal/store"
	"go.uber.org/zap"
)

// Subscriber is the slice of the feed client the coordinator needs.
type Subscriber interface {
	Subscribe(filters []feed.TableFilter, fn feed.Handler) feed.Handle
	Unsubscribe(h feed.Handle)
}

// Fetcher is the read side of the backend query interface.
type Fetcher interface {
	Select(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error)
}

// Refreshed is the payload for sync.refreshed events.
type Refreshed struct {
	Table string
	Rows  int
}

// Coordinator is the consistency backstop. Any change event marks its
// table dirty; after a per-table debounce window the whole collection
// is refetched from the backend. CRM record collections are replaced in
// the local cache; message tables are replayed through the idempotent
// ingest path, which heals any events the incremental merge missed or
// could not parse. Failed refetches stay dirty and retry on the next
// window.
type Coordinator struct {
	feed        Subscriber
	fetcher     Fetcher
	db          *store.DB
	engine      *ingest.Engine
	bus         *bus.Bus
	logger      *zap.Logger
	window      time.Duration
	collections []string

	pending chan string
	handle  feed.Handle
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCoordinator creates a refresh coordinator. collections lists the
// CRM record tables to keep cached; message tables are always covered.
func NewCoordinator(sub Subscriber, fetcher Fetcher, db *store.DB, engine *ingest.Engine, b *bus.Bus, logger *zap.Logger, window time.Duration, collections []string) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Coordinator{
		feed:        sub,
		fetcher:     fetcher,
		db:          db,
		engine:      engine,
		bus:         b,
		logger:      logger,
		window:      window,
		collections: collections,
		pending:     make(chan string, 256),
	}
}

// Start subscribes to all change events and begins the debounce loop.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	c.handle = c.feed.Subscribe(
		[]feed.TableFilter{{Table: "*", Event: feed.EventAny}},
		func(change feed.Change) {
			select {
			case c.pending <- change.Table:
			default:
				// Full queue means a refetch storm is already under way;
				// the table will be marked by a later event or retry.
			}
		},
	)

	go c.loop(ctx)
}

// Stop unsubscribes and waits for the loop to exit.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.feed.Unsubscribe(c.handle)
	c.cancel()
	<-c.done
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	tick := c.window / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	// dirty maps table name to the deadline after which it refetches.
	// The deadline is not pushed back by later events, so a table under
	// a constant event storm still refreshes once per window.
	dirty := make(map[string]time.Time)

	for {
		select {
		case table := <-c.pending:
			if _, marked := dirty[table]; !marked {
				dirty[table] = time.Now().Add(c.window)
			}
		case <-ticker.C:
			now := time.Now()
			for table, deadline := range dirty {
				if now.Before(deadline) {
					continue
				}
				delete(dirty, table)
				if err := c.RefreshTable(ctx, table); err != nil {
					c.logger.Warn("refresh failed, will retry", zap.String("table", table), zap.Error(err))
					dirty[table] = now.Add(c.window)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// RefreshTable refetches one collection from the backend and reconciles
// it into local state.
func (c *Coordinator) RefreshTable(ctx context.Context, table string) error {
	rows, err := c.fetcher.Select(ctx, table, nil)
	if err != nil {
		return err
	}

	if _, isMessages := ingest.MessageTable(table); isMessages {
		for _, row := range rows {
			c.engine.Apply(feed.Change{Table: table, Kind: feed.EventInsert, Record: row})
		}
	} else {
		if err := c.db.ReplaceCollection(table, rows); err != nil {
			return err
		}
	}

	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      "sync.refreshed",
			Timestamp: time.Now(),
			Payload:   Refreshed{Table: table, Rows: len(rows)},
		})
	}
	return nil
}

// RefreshAll refetches every known collection and message table. Used
// for the initial hydrate on startup and for manual resyncs. Individual
// failures are logged, not fatal; the feed will re-dirty whatever is
// still moving.
func (c *Coordinator) RefreshAll(ctx context.Context) {
	tables := append([]string{}, c.collections...)
	tables = append(tables, ingest.MessageTables()...)
	for _, table := range tables {
		if err := c.RefreshTable(ctx, table); err != nil {
			c.logger.Warn("initial refresh failed", zap.String("table", table), zap.Error(err))
		}
	}
}
