package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks to the hosted data store's REST interface. Rows are
// opaque key-value maps; the backend owns the schema. Filters use
// column=eq.value query parameters.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 20 * time.Second},
		logger:  logger,
	}
}

// Select reads all rows of a table matching the filter. A nil filter
// returns the whole collection.
func (c *Client) Select(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodGet, table, filter, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, "select", table); err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", table, err)
	}
	return rows, nil
}

// Insert writes a new row into a table.
func (c *Client) Insert(ctx context.Context, table string, row map[string]any) error {
	return c.write(ctx, http.MethodPost, table, nil, row)
}

// Update patches rows matching the filter.
func (c *Client) Update(ctx context.Context, table string, filter map[string]string, patch map[string]any) error {
	return c.write(ctx, http.MethodPatch, table, filter, patch)
}

// Delete removes rows matching the filter.
func (c *Client) Delete(ctx context.Context, table string, filter map[string]string) error {
	return c.write(ctx, http.MethodDelete, table, filter, nil)
}

func (c *Client) write(ctx context.Context, method, table string, filter map[string]string, body map[string]any) error {
	req, err := c.newRequest(ctx, method, table, filter, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", strings.ToLower(method), table, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp, strings.ToLower(method), table)
}

func (c *Client) newRequest(ctx context.Context, method, table string, filter map[string]string, body map[string]any) (*http.Request, error) {
	query := url.Values{}
	for k, v := range filter {
		query.Set(k, "eq."+v)
	}

	u := c.baseURL + "/rest/v1/" + url.PathEscape(table)
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s row: %w", table, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func checkStatus(resp *http.Response, op, table string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s: backend returned %d: %s", op, table, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
