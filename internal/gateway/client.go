package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the outbound message gateway, the service that
// actually delivers messages to contacts. It only knows how to submit
// one message and report the gateway's id for it.
type Client struct {
	baseURL string
	from    string
	httpc   *http.Client
}

// New creates a gateway client. from is the default sender identity
// attached to every message.
func New(baseURL, from string) *Client {
	return &Client{
		baseURL: baseURL,
		from:    from,
		httpc:   &http.Client{Timeout: 20 * time.Second},
	}
}

type sendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	From    string `json:"from,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Send submits one message and returns the gateway's message id.
func (c *Client) Send(ctx context.Context, to, subject, body string) (string, error) {
	payload, err := json.Marshal(sendRequest{To: to, Subject: subject, Body: body, From: c.from})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("gateway returned %s: %s", resp.Status, snippet)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding gateway response: %w", err)
	}
	return out.MessageID, nil
}
