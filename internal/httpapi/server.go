package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/vendaflow/crmsync/internal/bus"
	"github.com/vendaflow/crmsync/internal/chat"
	"github.com/vendaflow/crmsync/internal/notify"
	"github.com/vendaflow/crmsync/internal/status"
	"github.com/vendaflow/crmsync/internal/store"
	"go.uber.org/zap"
)

// Refresher triggers a full resync, used by the manual refresh route.
type Refresher interface {
	RefreshAll(ctx context.Context)
}

// Server exposes the daemon's state to the web UI over HTTP plus a
// websocket event stream. It is a read/command surface only: all state
// changes flow through the store actions and the outbox.
type Server struct {
	listen    string
	chats     *chat.Store
	db        *store.DB
	notifier  *notify.Projector
	machine   *status.Machine
	bus       *bus.Bus
	refresher Refresher
	logger    *zap.Logger

	httpSrv *http.Server
}

// NewServer creates the API server. refresher may be nil, in which case
// the manual refresh route returns 503.
func NewServer(listen string, chats *chat.Store, db *store.DB, notifier *notify.Projector, machine *status.Machine, b *bus.Bus, refresher Refresher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		listen:    listen,
		chats:     chats,
		db:        db,
		notifier:  notifier,
		machine:   machine,
		bus:       b,
		refresher: refresher,
		logger:    logger,
	}
}

// Router builds the route table. Split out from Start so tests can
// drive it through httptest.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations", s.handleListConversations).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{channel}/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{channel}/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/notifications", s.handleNotifications).Methods(http.MethodGet)
	r.HandleFunc("/v1/records/{collection}", s.handleRecords).Methods(http.MethodGet)
	r.HandleFunc("/v1/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":        s.machine.Current(),
		"total_unread": s.chats.TotalUnread(),
	})
}

type conversationSummary struct {
	ID          string       `json:"id"`
	Channel     chat.Channel `json:"channel"`
	Name        string       `json:"name,omitempty"`
	UnreadCount int          `json:"unread_count"`
	LastMessage *messageBody `json:"last_message,omitempty"`
}

type messageBody struct {
	ID        string `json:"id"`
	Sender    string `json:"sender,omitempty"`
	FromMe    bool   `json:"from_me"`
	Body      string `json:"body"`
	MediaMime string `json:"media_mime,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func toMessageBody(m *chat.Message) *messageBody {
	if m == nil {
		return nil
	}
	out := &messageBody{
		ID:        m.ID,
		Sender:    m.Sender,
		FromMe:    m.FromMe,
		Body:      m.Body,
		Timestamp: m.Timestamp,
	}
	if m.Media != nil {
		out.MediaMime = m.Media.MimeType
	}
	return out
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	channels := chat.Channels
	if q := r.URL.Query().Get("channel"); q != "" {
		ch := chat.Channel(q)
		if !ch.Valid() {
			writeError(w, http.StatusBadRequest, "unknown channel "+q)
			return
		}
		channels = []chat.Channel{ch}
	}

	out := []conversationSummary{}
	for _, ch := range channels {
		for _, c := range s.chats.List(ch) {
			out = append(out, conversationSummary{
				ID:          c.ID,
				Channel:     c.Channel,
				Name:        c.Name,
				UnreadCount: c.UnreadCount,
				LastMessage: toMessageBody(c.LastMessage),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ch := chat.Channel(vars["channel"])
	if !ch.Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel "+vars["channel"])
		return
	}
	conv, ok := s.chats.Get(ch, vars["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msgs := make([]*messageBody, len(conv.Messages))
	for i := range conv.Messages {
		msgs[i] = toMessageBody(&conv.Messages[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           conv.ID,
		"channel":      conv.Channel,
		"name":         conv.Name,
		"unread_count": conv.UnreadCount,
		"messages":     msgs,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ch := chat.Channel(vars["channel"])
	if !ch.Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel "+vars["channel"])
		return
	}
	// Safe on unknown ids: mark-read never creates conversations.
	s.chats.MarkAsRead(ch, vars["id"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendMessageRequest struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !chat.Channel(req.Channel).Valid() {
		writeError(w, http.StatusBadRequest, "unknown channel "+req.Channel)
		return
	}
	if strings.TrimSpace(req.Recipient) == "" || strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "recipient and body are required")
		return
	}

	clientMsgID := uuid.NewString()
	err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: clientMsgID,
		Channel:     req.Channel,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
	})
	if err != nil {
		s.logger.Error("failed to queue message", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_msg_id": clientMsgID})
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.notifier.List()})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	rows, err := s.db.ListCollection(collection)
	if err != nil {
		s.logger.Error("failed to list collection", zap.String("collection", collection), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read collection")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection": collection, "records": rows})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh unavailable")
		return
	}
	go s.refresher.RefreshAll(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
