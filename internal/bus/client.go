package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/fault"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second
)

// Client is the spoke side: it fetches a room token, dials the broker, and
// keeps the subscription set alive across reconnects.
type Client struct {
	auxHost  string
	tokenURL string
	identity string

	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]struct{}

	handler Handler
	http    *http.Client
	logger  *log.Entry
}

// NewClient builds a client for one identity. tokenURL is the full /token
// endpoint; an empty tokenURL skips auth (dev brokers only).
func NewClient(auxHost, tokenURL, identity string) *Client {
	return &Client{
		auxHost:  auxHost,
		tokenURL: tokenURL,
		identity: identity,
		topics:   make(map[string]struct{}),
		http:     &http.Client{Timeout: 5 * time.Second},
		logger:   log.WithFields(log.Fields{"component": "bus-client", "identity": identity}),
	}
}

// OnMessage sets the delivery callback. Must be called before Run.
func (c *Client) OnMessage(h Handler) { c.handler = h }

// Subscribe adds topics to the persistent subscription set. Live connections
// get the sub frames immediately; reconnects replay the whole set.
func (c *Client) Subscribe(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
		if c.conn != nil {
			c.writeLocked(Frame{Op: OpSub, Topic: t})
		}
	}
}

// Publish sends one frame to the broker. Implements Publisher.
func (c *Client) Publish(topic string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fault.New(fault.TransientIO, "bus not connected")
	}
	return c.writeLocked(Frame{Op: OpPub, Topic: topic, Data: data, TsMs: time.Now().UnixMilli()})
}

// Connected reports whether a session is live right now.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) writeLocked(f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "marshal frame")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fault.Wrap(fault.TransientIO, err, "write frame")
	}
	return nil
}

// Run dials and serves the connection until ctx ends, reconnecting with
// exponential backoff. Each new session re-sends the subscription set.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectMin
	for ctx.Err() == nil {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("bus session ended")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectMin
	}
}

func (c *Client) session(ctx context.Context) error {
	wsURL := url.URL{Scheme: "ws", Host: c.auxHost, Path: "/ws"}
	q := wsURL.Query()
	q.Set("node", c.identity)
	if c.tokenURL != "" {
		tok, err := c.fetchToken(ctx)
		if err != nil {
			return err
		}
		q.Set("token", tok)
	}
	wsURL.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fault.Wrap(fault.TransientIO, err, "dial broker %s", c.auxHost)
	}

	c.mu.Lock()
	c.conn = conn
	for t := range c.topics {
		c.writeLocked(Frame{Op: OpSub, Topic: t})
	}
	c.mu.Unlock()
	c.logger.Info("bus connected")

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Close the socket when ctx ends so the read loop unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.mu.Lock()
		defer c.mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fault.Wrap(fault.TransientIO, err, "read frame")
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Debug("unreadable frame, ignoring")
			continue
		}
		if frame.Op == OpMsg && c.handler != nil {
			c.handler(frame.Topic, frame.Data)
		}
	}
}

// fetchToken asks the issuer for a control-room token.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"identity": c.identity, "room": ControlRoom})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "build token request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.TransientIO, err, "token issuer unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fault.New(fault.TransientIO, "token issuer returned %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Token == "" {
		return "", fault.New(fault.TransientIO, "token response unreadable: %v", err)
	}
	return out.Token, nil
}

var _ Publisher = (*Client)(nil)

// String implements fmt.Stringer for log lines.
func (c *Client) String() string {
	return fmt.Sprintf("bus.Client(%s@%s)", c.identity, c.auxHost)
}
