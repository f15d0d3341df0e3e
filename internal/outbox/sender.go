package outbox

import (
	"context"
	"time"

	"github.com/vendaflow/crmsync/internal/bus"
	"github.com/vendaflow/crmsync/internal/chat"
	"github.com/vendaflow/crmsync/internal/store"
	"go.uber.org/zap"
)

// MessageGateway is the interface for delivering outbound messages.
type MessageGateway interface {
	Send(ctx context.Context, to, subject, body string) (gatewayMsgID string, err error)
}

// SendAck is the payload for outbox.send_ack events.
type SendAck struct {
	ClientMsgID  string
	GatewayMsgID string
}

// SendFailed is the payload for outbox.send_failed events.
type SendFailed struct {
	ClientMsgID string
	Recipient   string
	Error       string
}

// Sender drains the outbox and delivers messages through the gateway.
// Queued messages appear in their conversation immediately, before the
// gateway round trip completes, so the UI never waits on the network.
type Sender struct {
	db      *store.DB
	gateway MessageGateway
	chats   *chat.Store
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, gw MessageGateway, chats *chat.Store, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:      db,
		gateway: gw,
		chats:   chats,
		bus:     b,
		logger:  logger,
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		// Optimistic append under the client id. The backend will echo
		// the message back over the feed with its own id; the store's
		// dedup is per message id, so the echo lands alongside this one
		// and the next refresh settles any difference.
		s.chats.AppendMessage(chat.Channel(entry.Channel), entry.Recipient, chat.Message{
			ID:        entry.ClientMsgID,
			FromMe:    true,
			Body:      entry.Body,
			Timestamp: time.Now().UnixMilli(),
		})

		gatewayMsgID, err := s.gateway.Send(ctx, entry.Recipient, entry.Subject, entry.Body)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.bus.Publish(bus.Event{
				Kind:      "outbox.send_failed",
				Timestamp: time.Now(),
				Payload: SendFailed{
					ClientMsgID: entry.ClientMsgID,
					Recipient:   entry.Recipient,
					Error:       err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, gatewayMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("gateway_msg_id", gatewayMsgID))
		s.bus.Publish(bus.Event{
			Kind:      "outbox.send_ack",
			Timestamp: time.Now(),
			Payload: SendAck{
				ClientMsgID:  entry.ClientMsgID,
				GatewayMsgID: gatewayMsgID,
			},
		})
	}
}
