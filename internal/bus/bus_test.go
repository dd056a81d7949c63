package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/labplane/internal/token"
)

// testPlane stands up a broker plus a token endpoint sharing one issuer.
type testPlane struct {
	broker   *Broker
	auxHost  string
	tokenURL string
}

func newTestPlane(t *testing.T) *testPlane {
	t.Helper()
	issuer := token.NewIssuer("bus-test-key")
	broker := NewBroker(issuer)

	r := mux.NewRouter()
	broker.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Identity string `json:"identity"`
			Room     string `json:"room"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		tok, expires, err := issuer.Issue(body.Identity, body.Room)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"token": tok, "expires_at_ms": expires.UnixMilli(),
		})
	}))
	t.Cleanup(tokenSrv.Close)

	return &testPlane{
		broker:   broker,
		auxHost:  strings.TrimPrefix(srv.URL, "http://"),
		tokenURL: tokenSrv.URL,
	}
}

func (p *testPlane) topicSubscribers(topic string) int {
	p.broker.mu.RLock()
	defer p.broker.mu.RUnlock()
	return len(p.broker.topics[topic])
}

func runClient(t *testing.T, ctx context.Context, p *testPlane, identity string) *Client {
	t.Helper()
	c := NewClient(p.auxHost, p.tokenURL, identity)
	go c.Run(ctx)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond, "client never connected")
	return c
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	p := newTestPlane(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Frame, 4)
	sub := NewClient(p.auxHost, p.tokenURL, "node-sub")
	sub.OnMessage(func(topic string, data []byte) {
		got <- Frame{Topic: topic, Data: data}
	})
	sub.Subscribe("ops.test")
	go sub.Run(ctx)
	require.Eventually(t, sub.Connected, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.topicSubscribers("ops.test") == 1 },
		5*time.Second, 10*time.Millisecond, "subscription never registered")

	pub := runClient(t, ctx, p, "node-pub")
	require.NoError(t, pub.Publish("ops.test", []byte(`{"hello":"plane"}`)))

	select {
	case frame := <-got:
		assert.Equal(t, "ops.test", frame.Topic)
		assert.JSONEq(t, `{"hello":"plane"}`, string(frame.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestNoDeliveryWithoutSubscription(t *testing.T) {
	p := newTestPlane(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Frame, 4)
	sub := NewClient(p.auxHost, p.tokenURL, "node-sub")
	sub.OnMessage(func(topic string, data []byte) {
		got <- Frame{Topic: topic, Data: data}
	})
	sub.Subscribe("ops.other")
	go sub.Run(ctx)
	require.Eventually(t, sub.Connected, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.topicSubscribers("ops.other") == 1 },
		5*time.Second, 10*time.Millisecond)

	pub := runClient(t, ctx, p, "node-pub")
	require.NoError(t, pub.Publish("ops.test", []byte(`{}`)))

	select {
	case frame := <-got:
		t.Fatalf("unexpected delivery on %s", frame.Topic)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestBrokerRejectsBadToken(t *testing.T) {
	p := newTestPlane(t)

	resp, err := http.Get("http://" + p.auxHost + "/ws?token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBrokerRejectsWrongRoom(t *testing.T) {
	p := newTestPlane(t)

	other := token.NewIssuer("bus-test-key")
	tok, _, err := other.Issue("node-x", "not-control")
	require.NoError(t, err)

	resp, err := http.Get("http://" + p.auxHost + "/ws?token=" + tok)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPublishWhileDisconnected(t *testing.T) {
	c := NewClient("127.0.0.1:1", "", "node-x")
	err := c.Publish("ops.test", []byte(`{}`))
	assert.Error(t, err)
}

func TestServerSidePublishReachesSpokes(t *testing.T) {
	p := newTestPlane(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Frame, 1)
	sub := NewClient(p.auxHost, p.tokenURL, "node-sub")
	sub.OnMessage(func(topic string, data []byte) { got <- Frame{Topic: topic, Data: data} })
	sub.Subscribe("god.button")
	go sub.Run(ctx)
	require.Eventually(t, sub.Connected, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.topicSubscribers("god.button") == 1 },
		5*time.Second, 10*time.Millisecond)

	p.broker.Publish("god.button", []byte(`{"action":"snapshot.now"}`), "router@test")

	select {
	case frame := <-got:
		assert.Equal(t, "god.button", frame.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("server-side publish never delivered")
	}
}

func TestHealthCountsSpokes(t *testing.T) {
	p := newTestPlane(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runClient(t, ctx, p, "node-1")
	runClient(t, ctx, p, "node-2")

	resp, err := http.Get("http://" + p.auxHost + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		OK     bool `json:"ok"`
		Spokes int  `json:"spokes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.Equal(t, 2, body.Spokes)
}
