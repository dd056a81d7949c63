// Package vault is the HTTP client side of the vault-first discipline:
// every component that must audit before acting talks to the ingest service
// through this client. Transient failures are retried with a bounded
// backoff; transport-level unreachability surfaces as fail_closed so
// callers can refuse to proceed.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 3
	backoffBase    = 200 * time.Millisecond
)

// IngestResponse is the vault's answer to one append.
type IngestResponse struct {
	OK      bool   `json:"ok"`
	Stored  bool   `json:"stored"`
	Path    string `json:"path,omitempty"`
	Derived int    `json:"derived,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Client posts envelopes to a vault ingest endpoint.
type Client struct {
	url     string
	http    *http.Client
	retries int
	backoff time.Duration
}

// Option adjusts a Client.
type Option func(*Client)

// WithRetries overrides the transient retry budget.
func WithRetries(n int) Option { return func(c *Client) { c.retries = n } }

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithBackoff overrides the retry backoff base (tests use a tiny one).
func WithBackoff(d time.Duration) Option { return func(c *Client) { c.backoff = d } }

// New builds a client for a full ingest URL (.../v1/ingest).
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		http:    &http.Client{Timeout: defaultTimeout},
		retries: defaultRetries,
		backoff: backoffBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the configured ingest endpoint.
func (c *Client) URL() string { return c.url }

// Ingest appends one envelope, retrying transient failures. The error kind
// tells the caller what happened: bad_request is terminal, transient_io
// means the vault answered 5xx even after retries, fail_closed means it
// could not be reached at all.
func (c *Client) Ingest(ctx context.Context, ev envelope.Event) (IngestResponse, error) {
	if err := ev.Validate(); err != nil {
		return IngestResponse{}, err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return IngestResponse{}, fault.Wrap(fault.Internal, err, "marshal event")
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		resp, err := c.post(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !fault.Retryable(err) && fault.KindOf(err) != fault.FailClosed {
			return resp, err
		}
		if attempt == c.retries {
			break
		}
		// Quadratic backoff, same shape the webhook dispatcher uses.
		wait := time.Duration(attempt*attempt) * c.backoff
		log.WithFields(log.Fields{
			"component": "vault-client",
			"attempt":   attempt,
			"wait":      wait.String(),
		}).WithError(err).Warn("ingest retry")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return IngestResponse{}, fault.Wrap(fault.FailClosed, ctx.Err(), "ingest canceled")
		}
	}
	return IngestResponse{}, lastErr
}

// Emit is the one-line form: build the envelope and ingest it.
func (c *Client) Emit(ctx context.Context, eventType, src string, data map[string]interface{}) (IngestResponse, error) {
	return c.Ingest(ctx, envelope.New(eventType, src, data))
}

func (c *Client) post(ctx context.Context, body []byte) (IngestResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return IngestResponse{}, fault.Wrap(fault.Internal, err, "build ingest request")
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		// Dial errors, timeouts, resets: the vault is unreachable.
		return IngestResponse{}, fault.Wrap(fault.FailClosed, err, "vault unreachable at %s", c.url)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return IngestResponse{}, fault.Wrap(fault.TransientIO, err, "read ingest response")
	}

	var resp IngestResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil && httpResp.StatusCode < 300 {
			return IngestResponse{}, fault.Wrap(fault.Internal, err, "decode ingest response")
		}
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		return resp, nil
	case httpResp.StatusCode >= 500:
		return resp, fault.New(fault.TransientIO, "vault returned %d: %s", httpResp.StatusCode, errText(resp, raw))
	default:
		return resp, fault.Coded(fault.BadRequest, resp.Code, "vault rejected event (%d): %s",
			httpResp.StatusCode, errText(resp, raw))
	}
}

func errText(resp IngestResponse, raw []byte) string {
	if resp.Error != "" {
		return resp.Error
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return fmt.Sprintf("%s", raw)
}
