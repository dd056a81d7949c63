// Package labclient is the thin Go client for the plane's HTTP surfaces:
// the God Gateway, the feed reader, and the token issuer. The labtail CLI
// and integration tests share it.
package labclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to one deployment.
type Client struct {
	GodURL   string // e.g. http://127.0.0.1:8082
	FeedURL  string // e.g. http://127.0.0.1:8084
	TokenURL string // e.g. http://127.0.0.1:8083
	HTTP     *http.Client
}

// New builds a client with a sane default timeout.
func New(godURL, feedURL, tokenURL string) *Client {
	return &Client{
		GodURL:   godURL,
		FeedURL:  feedURL,
		TokenURL: tokenURL,
		HTTP:     &http.Client{Timeout: 15 * time.Second},
	}
}

// GodRequest is the /god body.
type GodRequest struct {
	RequestID string                 `json:"request_id,omitempty"`
	Action    string                 `json:"action"`
	Scope     string                 `json:"scope,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// GodResponse is the router's answer.
type GodResponse struct {
	OK          bool                   `json:"ok"`
	RequestID   string                 `json:"request_id"`
	State       string                 `json:"state"`
	Result      map[string]interface{} `json:"result,omitempty"`
	RoutedTopic string                 `json:"routed_topic,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Kind        string                 `json:"kind,omitempty"`
}

// God submits one action request. A non-2xx answer still decodes into the
// response; the error is non-nil only for transport or decode failures.
func (c *Client) God(ctx context.Context, req GodRequest) (GodResponse, error) {
	var resp GodResponse
	err := c.postJSON(ctx, c.GodURL+"/god", req, &resp)
	return resp, err
}

// Event mirrors the envelope for read surfaces.
type Event struct {
	Type string                 `json:"type"`
	Src  string                 `json:"src"`
	TsMs int64                  `json:"ts_ms"`
	Data map[string]interface{} `json:"data"`
}

// EventsPage is the /events answer.
type EventsPage struct {
	Events    []Event `json:"events"`
	Count     int     `json:"count"`
	Malformed int     `json:"malformed_lines_skipped"`
}

// Events queries the feed with optional filters.
func (c *Client) Events(ctx context.Context, limit int, sinceMs int64, typePrefix, src string) (EventsPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if sinceMs > 0 {
		q.Set("since_ms", strconv.FormatInt(sinceMs, 10))
	}
	if typePrefix != "" {
		q.Set("typePrefix", typePrefix)
	}
	if src != "" {
		q.Set("src", src)
	}
	var page EventsPage
	err := c.getJSON(ctx, c.FeedURL+"/events?"+q.Encode(), &page)
	return page, err
}

// TracePage is the /trace answer.
type TracePage struct {
	RequestID string  `json:"request_id"`
	Events    []Event `json:"events"`
	Count     int     `json:"count"`
	Scanned   int     `json:"scanned"`
}

// Trace reassembles one request's audit trail.
func (c *Client) Trace(ctx context.Context, requestID string) (TracePage, error) {
	q := url.Values{"request_id": {requestID}}
	var page TracePage
	err := c.getJSON(ctx, c.FeedURL+"/trace?"+q.Encode(), &page)
	return page, err
}

// Node is one /nodes aggregate.
type Node struct {
	Src        string         `json:"src"`
	Alias      string         `json:"alias,omitempty"`
	LastSeenMs int64          `json:"last_seen_ms"`
	Counts     map[string]int `json:"counts"`
}

// Nodes lists per-source activity.
func (c *Client) Nodes(ctx context.Context, windowS int) ([]Node, error) {
	q := url.Values{}
	if windowS > 0 {
		q.Set("window_s", strconv.Itoa(windowS))
	}
	var out struct {
		Nodes []Node `json:"nodes"`
	}
	err := c.getJSON(ctx, c.FeedURL+"/nodes?"+q.Encode(), &out)
	return out.Nodes, err
}

// Token fetches a room token for an identity.
func (c *Client) Token(ctx context.Context, identity, room string) (token string, expiresAtMs int64, err error) {
	var out struct {
		Token       string `json:"token"`
		ExpiresAtMs int64  `json:"expires_at_ms"`
		Error       string `json:"error"`
	}
	if err := c.postJSON(ctx, c.TokenURL+"/token",
		map[string]string{"identity": identity, "room": room}, &out); err != nil {
		return "", 0, err
	}
	if out.Token == "" {
		return "", 0, fmt.Errorf("token issuer refused: %s", out.Error)
	}
	return out.Token, out.ExpiresAtMs, nil
}

// ============================================================================
// TRANSPORT
// ============================================================================

func (c *Client) postJSON(ctx context.Context, u string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s (%d): %w", req.URL.Path, resp.StatusCode, err)
	}
	return nil
}
