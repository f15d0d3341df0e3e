package ingest

import (
	"context"

	"github.com/vendaflow/crmsync/internal/bus"
	"github.com/vendaflow/crmsync/internal/chat"
	"github.com/vendaflow/crmsync/internal/feed"
	"go.uber.org/zap"
)

// Engine is the incremental merge path: it subscribes to "feed." events
// on the bus and translates message-table changes into conversation
// store actions. Everything it cannot interpret is skipped and left to
// the refresh coordinator's next full refetch. Because the store
// actions are idempotent, redelivered or replayed changes are harmless.
type Engine struct {
	store  *chat.Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new ingest engine.
func NewEngine(store *chat.Store, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound feed events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("feed.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(feed.Change)
				if !ok {
					continue
				}
				e.Apply(change)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Apply merges a single change into the conversation store. Also used
// by the refresh coordinator to replay refetched rows through the same
// idempotent path.
func (e *Engine) Apply(change feed.Change) {
	channel, known := MessageTable(change.Table)
	if !known {
		// CRM record tables are reconciled by the refresh coordinator.
		return
	}

	switch change.Kind {
	case feed.EventInsert:
		ch, convID, msg, ok := ParseRow(change.Table, change.Record)
		if !ok {
			e.logger.Debug("skipping unparseable message row", zap.String("table", change.Table))
			return
		}
		e.store.AppendMessage(ch, convID, msg)
	case feed.EventUpdate:
		if convID, ok := readReceipt(change.Table, change.Record); ok {
			e.store.MarkAsRead(channel, convID)
			return
		}
		// Other field updates are healed by the next refresh.
	case feed.EventDelete:
		// Deletion is owned by the backend; the refresh replaces the
		// affected collection.
	}
}

// readReceipt reports whether an update row marks a conversation as
// read, and if so which one.
func readReceipt(table string, row map[string]any) (string, bool) {
	mt, known := messageTables[table]
	if !known || row == nil {
		return "", false
	}
	convID := rowString(row, mt.convKey)
	if convID == "" {
		return "", false
	}
	if rowBool(row, "read") || rowString(row, "read_at") != "" {
		return convID, true
	}
	return "", false
}
