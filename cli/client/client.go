// Package client is a thin HTTP client for the ingestd admin API, used
// by the stats command and its TUI follow mode.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one admin API call.
const DefaultTimeout = 10 * time.Second

// Metrics is the admin metrics payload.
type Metrics struct {
	UptimeSeconds int64   `json:"uptimeSeconds"`
	ErrorRate     float64 `json:"errorRate"`
	Requests      struct {
		Served          int64 `json:"served"`
		UploadsRejected int64 `json:"uploadsRejected"`
		UploadedBytes   int64 `json:"uploadedBytes"`
	} `json:"requests"`
	Jobs struct {
		Submitted int64 `json:"submitted"`
		Started   int64 `json:"started"`
		Completed int64 `json:"completed"`
		Failed    int64 `json:"failed"`
		Dead      int64 `json:"dead"`
		Cancelled int64 `json:"cancelled"`
		Requeued  int64 `json:"requeued"`
		Reaped    int64 `json:"reaped"`
	} `json:"jobs"`
	Workers struct {
		Active int64 `json:"active"`
		Total  int64 `json:"total"`
	} `json:"workers"`
	Webhooks struct {
		Attempted int64 `json:"attempted"`
		Delivered int64 `json:"delivered"`
		Failed    int64 `json:"failed"`
		Exhausted int64 `json:"exhausted"`
		Dropped   int64 `json:"dropped"`
	} `json:"webhooks"`
	RateLimit struct {
		Allowed int64 `json:"allowed"`
		Denied  int64 `json:"denied"`
		Errors  int64 `json:"errors"`
	} `json:"rateLimit"`
	Events struct {
		Dropped int64 `json:"dropped"`
	} `json:"events"`
}

// Queues is the admin queue-depth payload.
type Queues struct {
	Queues struct {
		Waiting   int64 `json:"waiting"`
		Delayed   int64 `json:"delayed"`
		Active    int64 `json:"active"`
		Completed int64 `json:"completed"`
		Failed    int64 `json:"failed"`
		Dead      int64 `json:"dead"`
	} `json:"queues"`
	Workers struct {
		Active int64 `json:"active"`
		Total  int64 `json:"total"`
	} `json:"workers"`
}

// Client talks to one ingestd instance.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the daemon at addr ("host:port" or a full
// URL). Token, when set, is sent as the bearer identity.
func New(addr, token string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: DefaultTimeout},
	}
}

// get fetches one admin endpoint and unmarshals the envelope's data.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ingestd unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, strings.TrimSpace(string(body)))
	}

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("GET %s: malformed response: %w", path, err)
	}
	if !env.Success {
		return fmt.Errorf("GET %s: request rejected", path)
	}
	return json.Unmarshal(env.Data, out)
}

// Metrics fetches the admin metrics snapshot.
func (c *Client) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	if err := c.get(ctx, "/api/v1/admin/metrics", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Queues fetches the live queue depths.
func (c *Client) Queues(ctx context.Context) (*Queues, error) {
	var q Queues
	if err := c.get(ctx, "/api/v1/admin/queues", &q); err != nil {
		return nil, err
	}
	return &q, nil
}
