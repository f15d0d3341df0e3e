package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/vendaflow/crmsync/internal/config"
	"github.com/vendaflow/crmsync/internal/profile"
)

func main() {
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	addrFlag := flag.String("addr", "", "daemon API address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(profile.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	addr := cfg.API.Listen
	if *addrFlag != "" {
		addr = *addrFlag
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &ctl{
		baseURL: "http://" + addr,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		jsonOut: *jsonFlag,
	}

	switch args[0] {
	case "status":
		c.cmdStatus()
	case "conversations":
		channel := ""
		if len(args) >= 2 {
			channel = args[1]
		}
		c.cmdConversations(channel)
	case "messages":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: crmsyncctl messages <channel> <conversation-id>")
			os.Exit(1)
		}
		c.cmdMessages(args[1], args[2])
	case "send":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: crmsyncctl send <channel> <recipient> <body>")
			os.Exit(1)
		}
		c.cmdSend(args[1], args[2], args[3])
	case "notifications":
		c.cmdNotifications()
	case "refresh":
		c.cmdRefresh()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: crmsyncctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                       Show daemon sync status")
	fmt.Fprintln(os.Stderr, "  conversations [channel]      List conversations")
	fmt.Fprintln(os.Stderr, "  messages <channel> <id>      Show a conversation")
	fmt.Fprintln(os.Stderr, "  send <channel> <to> <body>   Queue an outgoing message")
	fmt.Fprintln(os.Stderr, "  notifications                List notifications")
	fmt.Fprintln(os.Stderr, "  refresh                      Trigger a full resync")
}

type ctl struct {
	baseURL string
	httpc   *http.Client
	jsonOut bool
}

func (c *ctl) get(path string, out any) {
	resp, err := c.httpc.Get(c.baseURL + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", c.baseURL, err)
		os.Exit(1)
	}
	c.decode(resp, out)
}

func (c *ctl) post(path string, body, out any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	resp, err := c.httpc.Post(c.baseURL+path, "application/json", &buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", c.baseURL, err)
		os.Exit(1)
	}
	c.decode(resp, out)
}

func (c *ctl) decode(resp *http.Response, out any) {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		fmt.Fprintf(os.Stderr, "error: daemon returned %s: %s\n", resp.Status, snippet)
		os.Exit(1)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

func (c *ctl) outputJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func (c *ctl) cmdStatus() {
	var resp struct {
		State       string `json:"state"`
		TotalUnread int    `json:"total_unread"`
	}
	c.get("/v1/status", &resp)
	if c.jsonOut {
		c.outputJSON(resp)
		return
	}
	fmt.Printf("State:  %s\n", resp.State)
	fmt.Printf("Unread: %d\n", resp.TotalUnread)
}

func (c *ctl) cmdConversations(channel string) {
	path := "/v1/conversations"
	if channel != "" {
		path += "?channel=" + channel
	}
	var resp struct {
		Conversations []struct {
			ID          string `json:"id"`
			Channel     string `json:"channel"`
			Name        string `json:"name"`
			UnreadCount int    `json:"unread_count"`
			LastMessage *struct {
				Body string `json:"body"`
			} `json:"last_message"`
		} `json:"conversations"`
	}
	c.get(path, &resp)
	if c.jsonOut {
		c.outputJSON(resp)
		return
	}
	for _, conv := range resp.Conversations {
		name := conv.Name
		if name == "" {
			name = conv.ID
		}
		last := ""
		if conv.LastMessage != nil {
			last = conv.LastMessage.Body
		}
		fmt.Printf("[%s] %-24s unread=%-3d %s\n", conv.Channel, name, conv.UnreadCount, last)
	}
}

func (c *ctl) cmdMessages(channel, id string) {
	var resp struct {
		Name     string `json:"name"`
		Messages []struct {
			Sender    string `json:"sender"`
			FromMe    bool   `json:"from_me"`
			Body      string `json:"body"`
			Timestamp int64  `json:"timestamp"`
		} `json:"messages"`
	}
	c.get("/v1/conversations/"+channel+"/"+id+"/messages", &resp)
	if c.jsonOut {
		c.outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		who := m.Sender
		if m.FromMe {
			who = "me"
		}
		ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04")
		fmt.Printf("%s %-16s %s\n", ts, who+":", m.Body)
	}
}

func (c *ctl) cmdSend(channel, recipient, body string) {
	var resp struct {
		ClientMsgID string `json:"client_msg_id"`
	}
	c.post("/v1/messages", map[string]string{
		"channel":   channel,
		"recipient": recipient,
		"body":      body,
	}, &resp)
	if c.jsonOut {
		c.outputJSON(resp)
		return
	}
	fmt.Printf("queued %s\n", resp.ClientMsgID)
}

func (c *ctl) cmdNotifications() {
	var resp struct {
		Notifications []struct {
			Category    string    `json:"category"`
			Title       string    `json:"title"`
			Description string    `json:"description"`
			Timestamp   time.Time `json:"timestamp"`
		} `json:"notifications"`
	}
	c.get("/v1/notifications", &resp)
	if c.jsonOut {
		c.outputJSON(resp)
		return
	}
	for _, n := range resp.Notifications {
		fmt.Printf("%s [%s] %s: %s\n",
			n.Timestamp.Format("15:04:05"), n.Category, n.Title, n.Description)
	}
}

func (c *ctl) cmdRefresh() {
	c.post("/v1/refresh", nil, nil)
	if !c.jsonOut {
		fmt.Println("refresh started")
	}
}
