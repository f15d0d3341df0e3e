package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// eventEnvelope is the wire shape of one bus event on the firehose.
type eventEnvelope struct {
	EventID    string `json:"event_id"`
	Kind       string `json:"kind"`
	OccurredAt int64  `json:"occurred_at_unix_ms"`
	Payload    any    `json:"payload,omitempty"`
}

// handleEvents streams bus events to a UI client over a websocket.
// Each client gets its own buffered subscription; a client that cannot
// keep up loses events rather than slowing the daemon, and recovers
// its view from the regular query routes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case evt := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, eventEnvelope{
				EventID:    uuid.NewString(),
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp.UnixMilli(),
				Payload:    evt.Payload,
			})
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}
