package refresh

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vendaflow/crmsync/internal/bus"
	"github.com/vendaflow/crmsync/internal/chat"
	"github.com/vendaflow/crmsync/internal/feed"
	"github.com/vendaflow/crmsync/internal/ingest"
	"github.com/vendaflow/crmsync/internal/store"
)

// fakeSubscriber captures the coordinator's handler so tests can inject
// change events without a live feed connection.
type fakeSubscriber struct {
	mu      sync.Mutex
	handler feed.Handler
}

func (f *fakeSubscriber) Subscribe(_ []feed.TableFilter, fn feed.Handler) feed.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
	return 1
}

func (f *fakeSubscriber) Unsubscribe(feed.Handle) {}

func (f *fakeSubscriber) fire(table string) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(feed.Change{Table: table, Kind: feed.EventInsert})
	}
}

// fakeFetcher serves canned rows per table and counts fetches.
type fakeFetcher struct {
	mu    sync.Mutex
	rows  map[string][]map[string]any
	calls map[string]int
	fail  map[string]int // remaining failures per table
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		rows:  make(map[string][]map[string]any),
		calls: make(map[string]int),
		fail:  make(map[string]int),
	}
}

func (f *fakeFetcher) Select(_ context.Context, table string, _ map[string]string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[table]++
	if f.fail[table] > 0 {
		f.fail[table]--
		return nil, errors.New("backend unavailable")
	}
	return f.rows[table], nil
}

func (f *fakeFetcher) callCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[table]
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCoordinator(t *testing.T, window time.Duration) (*Coordinator, *fakeSubscriber, *fakeFetcher, *store.DB, *chat.Store) {
	t.Helper()
	sub := &fakeSubscriber{}
	fetcher := newFakeFetcher()
	db := testDB(t)
	chatStore := chat.NewStore(nil, nil)
	engine := ingest.NewEngine(chatStore, bus.New(), nil)
	c := NewCoordinator(sub, fetcher, db, engine, bus.New(), nil, window, []string{"contacts", "leads"})
	return c, sub, fetcher, db, chatStore
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// TestDebounceCoalesces fires a burst of change events for one table
// and expects a single refetch.
func TestDebounceCoalesces(t *testing.T) {
	c, sub, fetcher, _, _ := testCoordinator(t, 50*time.Millisecond)
	c.Start(context.Background())
	defer c.Stop()

	for i := 0; i < 10; i++ {
		sub.fire("contacts")
	}

	waitFor(t, "debounced fetch", func() bool { return fetcher.callCount("contacts") >= 1 })
	// Let any stragglers land before counting.
	time.Sleep(150 * time.Millisecond)
	if n := fetcher.callCount("contacts"); n != 1 {
		t.Errorf("fetch count = %d, want 1 for a single burst", n)
	}
}

func TestDistinctTablesRefreshIndependently(t *testing.T) {
	c, sub, fetcher, _, _ := testCoordinator(t, 20*time.Millisecond)
	c.Start(context.Background())
	defer c.Stop()

	sub.fire("contacts")
	sub.fire("leads")

	waitFor(t, "both tables fetched", func() bool {
		return fetcher.callCount("contacts") >= 1 && fetcher.callCount("leads") >= 1
	})
}

// TestRefreshReplacesCollection seeds the cache with rows the backend
// no longer has; after the refetch the cache must match the backend
// exactly.
func TestRefreshReplacesCollection(t *testing.T) {
	c, sub, fetcher, db, _ := testCoordinator(t, 20*time.Millisecond)

	stale := []map[string]any{{"id": "gone", "name": "Stale"}}
	if err := db.ReplaceCollection("contacts", stale); err != nil {
		t.Fatal(err)
	}
	fetcher.rows["contacts"] = []map[string]any{
		{"id": "c1", "name": "Alice"},
		{"id": "c2", "name": "Bob"},
	}

	c.Start(context.Background())
	defer c.Stop()
	sub.fire("contacts")

	waitFor(t, "collection replaced", func() bool {
		n, _ := db.CountCollection("contacts")
		return n == 2
	})
	rows, err := db.ListCollection("contacts")
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if row["id"] == "gone" {
			t.Error("stale row survived the refresh")
		}
	}
}

// TestMessageTableReplaysThroughStore verifies refetched message rows
// land in conversations via the idempotent merge path, without
// duplicating rows already applied incrementally.
func TestMessageTableReplaysThroughStore(t *testing.T) {
	c, sub, fetcher, _, chatStore := testCoordinator(t, 20*time.Millisecond)

	// m1 already arrived over the feed; the refetch sees it again plus
	// m2, which the feed dropped.
	chatStore.AppendMessage(chat.ChannelDirect, "contact-1", chat.Message{ID: "m1", Body: "first", Timestamp: 1000})
	fetcher.rows["messages"] = []map[string]any{
		{"id": "m1", "contact_id": "contact-1", "body": "first", "timestamp": float64(1000)},
		{"id": "m2", "contact_id": "contact-1", "body": "second", "timestamp": float64(2000)},
	}

	c.Start(context.Background())
	defer c.Stop()
	sub.fire("messages")

	waitFor(t, "replayed messages", func() bool {
		conv, ok := chatStore.Get(chat.ChannelDirect, "contact-1")
		return ok && len(conv.Messages) == 2
	})
	conv, _ := chatStore.Get(chat.ChannelDirect, "contact-1")
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(conv.Messages))
	}
}

// TestFailedRefreshRetries keeps a table dirty across a backend error
// and fetches again on the next window.
func TestFailedRefreshRetries(t *testing.T) {
	c, sub, fetcher, db, _ := testCoordinator(t, 20*time.Millisecond)
	fetcher.fail["leads"] = 1
	fetcher.rows["leads"] = []map[string]any{{"id": "l1", "title": "deal"}}

	c.Start(context.Background())
	defer c.Stop()
	sub.fire("leads")

	waitFor(t, "retry after failure", func() bool { return fetcher.callCount("leads") >= 2 })
	waitFor(t, "rows cached after retry", func() bool {
		n, _ := db.CountCollection("leads")
		return n == 1
	})
}

func TestRefreshPublishesBusEvent(t *testing.T) {
	sub := &fakeSubscriber{}
	fetcher := newFakeFetcher()
	db := testDB(t)
	b := bus.New()
	engine := ingest.NewEngine(chat.NewStore(nil, nil), bus.New(), nil)
	c := NewCoordinator(sub, fetcher, db, engine, b, nil, 20*time.Millisecond, []string{"contacts"})

	ch, unsub := b.Subscribe("sync.refreshed", 16)
	defer unsub()

	c.Start(context.Background())
	defer c.Stop()
	sub.fire("contacts")

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(Refreshed)
		if !ok || payload.Table != "contacts" {
			t.Errorf("payload = %+v, want Refreshed for contacts", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sync.refreshed event")
	}
}

// TestRefreshAll hydrates both CRM collections and message tables.
func TestRefreshAll(t *testing.T) {
	c, _, fetcher, db, chatStore := testCoordinator(t, time.Second)
	fetcher.rows["contacts"] = []map[string]any{{"id": "c1"}}
	fetcher.rows["messages"] = []map[string]any{
		{"id": "m1", "contact_id": "contact-1", "body": "hi", "timestamp": float64(1000)},
	}

	c.RefreshAll(context.Background())

	if n, _ := db.CountCollection("contacts"); n != 1 {
		t.Errorf("contacts count = %d, want 1", n)
	}
	if _, ok := chatStore.Get(chat.ChannelDirect, "contact-1"); !ok {
		t.Error("message table not hydrated")
	}
	for _, table := range ingest.MessageTables() {
		if fetcher.callCount(table) != 1 {
			t.Errorf("table %s fetched %d times, want 1", table, fetcher.callCount(table))
		}
	}
}
