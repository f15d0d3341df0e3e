package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/vendaflow/crmsync/internal/bus"
	"github.com/vendaflow/crmsync/internal/chat"
	"github.com/vendaflow/crmsync/internal/notify"
	"github.com/vendaflow/crmsync/internal/status"
	"github.com/vendaflow/crmsync/internal/store"
)

type fakeRefresher struct {
	calls atomic.Int32
}

func (f *fakeRefresher) RefreshAll(context.Context) { f.calls.Add(1) }

type fixture struct {
	srv       *httptest.Server
	chats     *chat.Store
	db        *store.DB
	bus       *bus.Bus
	machine   *status.Machine
	refresher *fakeRefresher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	chats := chat.NewStore(b, nil)
	notifier := notify.NewProjector(b, nil)
	notifier.Start(context.Background())
	t.Cleanup(notifier.Stop)
	machine := status.NewMachine(b)
	refresher := &fakeRefresher{}

	s := NewServer("127.0.0.1:0", chats, db, notifier, machine, b, refresher, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, chats: chats, db: db, bus: b, machine: machine, refresher: refresher}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	if code := getJSON(t, f.srv.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusRoute(t *testing.T) {
	f := newFixture(t)
	f.chats.AppendMessage(chat.ChannelDirect, "c1", chat.Message{ID: "m1", Body: "hi", Timestamp: 1})

	var body map[string]any
	if code := getJSON(t, f.srv.URL+"/v1/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["state"] != string(status.Booting) {
		t.Errorf("state = %v", body["state"])
	}
	if body["total_unread"] != float64(1) {
		t.Errorf("total_unread = %v", body["total_unread"])
	}
}

func TestListConversationsFiltersByChannel(t *testing.T) {
	f := newFixture(t)
	f.chats.AppendMessage(chat.ChannelDirect, "c1", chat.Message{ID: "m1", Body: "a", Timestamp: 1})
	f.chats.AppendMessage(chat.ChannelInstagram, "ig1", chat.Message{ID: "m2", Body: "b", Timestamp: 2})

	var body struct {
		Conversations []conversationSummary `json:"conversations"`
	}
	getJSON(t, f.srv.URL+"/v1/conversations", &body)
	if len(body.Conversations) != 2 {
		t.Fatalf("got %d conversations, want 2", len(body.Conversations))
	}

	body.Conversations = nil
	getJSON(t, f.srv.URL+"/v1/conversations?channel=instagram", &body)
	if len(body.Conversations) != 1 || body.Conversations[0].ID != "ig1" {
		t.Errorf("filtered = %+v", body.Conversations)
	}

	if code := getJSON(t, f.srv.URL+"/v1/conversations?channel=carrier_pigeon", nil); code != http.StatusBadRequest {
		t.Errorf("bad channel status = %d, want 400", code)
	}
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	f.chats.AppendMessage(chat.ChannelDirect, "c1", chat.Message{ID: "m1", Body: "hello", Timestamp: 1})

	var body struct {
		Messages []messageBody `json:"messages"`
	}
	if code := getJSON(t, f.srv.URL+"/v1/conversations/direct/c1/messages", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Messages) != 1 || body.Messages[0].Body != "hello" {
		t.Errorf("messages = %+v", body.Messages)
	}

	if code := getJSON(t, f.srv.URL+"/v1/conversations/direct/nope/messages", nil); code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", code)
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	f.chats.AppendMessage(chat.ChannelDirect, "c1", chat.Message{ID: "m1", Body: "hi", Timestamp: 1})

	if code := postJSON(t, f.srv.URL+"/v1/conversations/direct/c1/read", nil, nil); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	conv, _ := f.chats.Get(chat.ChannelDirect, "c1")
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d after mark read", conv.UnreadCount)
	}

	// Unknown conversation is a safe no-op, not an error.
	if code := postJSON(t, f.srv.URL+"/v1/conversations/direct/ghost/read", nil, nil); code != http.StatusOK {
		t.Errorf("no-op mark read status = %d, want 200", code)
	}
}

func TestSendMessageQueuesOutbox(t *testing.T) {
	f := newFixture(t)

	var body map[string]string
	code := postJSON(t, f.srv.URL+"/v1/messages", sendMessageRequest{
		Channel:   "direct",
		Recipient: "contact-1",
		Body:      "hello",
	}, &body)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if body["client_msg_id"] == "" {
		t.Fatal("missing client_msg_id")
	}

	pending, err := f.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != body["client_msg_id"] {
		t.Errorf("pending = %+v", pending)
	}
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)

	cases := []sendMessageRequest{
		{Channel: "smoke_signal", Recipient: "r", Body: "b"},
		{Channel: "direct", Recipient: "", Body: "b"},
		{Channel: "direct", Recipient: "r", Body: "  "},
	}
	for _, tc := range cases {
		if code := postJSON(t, f.srv.URL+"/v1/messages", tc, nil); code != http.StatusBadRequest {
			t.Errorf("request %+v: status = %d, want 400", tc, code)
		}
	}
}

func TestRecordsRoute(t *testing.T) {
	f := newFixture(t)
	if err := f.db.ReplaceCollection("contacts", []map[string]any{{"id": "c1", "name": "Alice"}}); err != nil {
		t.Fatal(err)
	}

	var body struct {
		Records []map[string]any `json:"records"`
	}
	if code := getJSON(t, f.srv.URL+"/v1/records/contacts", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Records) != 1 || body.Records[0]["name"] != "Alice" {
		t.Errorf("records = %+v", body.Records)
	}
}

func TestRefreshRoute(t *testing.T) {
	f := newFixture(t)

	if code := postJSON(t, f.srv.URL+"/v1/refresh", nil, nil); code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.refresher.calls.Load() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("refresher not invoked")
}

func TestEventFirehose(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := strings.Replace(f.srv.URL, "http://", "ws://", 1) + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	f.chats.AppendMessage(chat.ChannelDirect, "c1", chat.Message{ID: "m1", Body: "streamed", Timestamp: 1})

	// The append publishes conversation_created then message_appended;
	// read until the latter shows up.
	for {
		var env eventEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Kind == "store.message_appended" {
			if env.EventID == "" || env.OccurredAt == 0 {
				t.Errorf("envelope = %+v", env)
			}
			return
		}
	}
}
