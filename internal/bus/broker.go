package bus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/token"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256
)

// ControlRoom is the room claim a token must carry to join the broker.
const ControlRoom = "control"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Spokes are daemons, not browsers; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ============================================================================
// BROKER
// ============================================================================

// Broker is the hub: it indexes topics to connected spokes and fans frames
// out. One spoke per connected daemon.
type Broker struct {
	issuer     *token.Issuer
	instanceID string

	mu     sync.RWMutex
	spokes map[*spoke]struct{}
	topics map[string]map[*spoke]struct{}

	fanout  *RedisFanout // nil when single-instance
	metrics *brokerMetrics
	logger  *log.Entry
}

type brokerMetrics struct {
	published prometheus.Counter
	delivered prometheus.Counter
	dropped   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *brokerMetrics
)

// busMetrics registers on the default registry once per process; the
// registry rejects duplicates.
func busMetrics() *brokerMetrics {
	metricsOnce.Do(func() {
		metrics = &brokerMetrics{
			published: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "labplane", Subsystem: "bus", Name: "frames_published_total",
				Help: "Frames accepted for fan-out.",
			}),
			delivered: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "labplane", Subsystem: "bus", Name: "frames_delivered_total",
				Help: "Frames handed to spoke send queues.",
			}),
			dropped: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "labplane", Subsystem: "bus", Name: "spokes_dropped_total",
				Help: "Spokes disconnected for a full send queue.",
			}),
		}
	})
	return metrics
}

// NewBroker builds a broker that verifies connect tokens with the issuer.
func NewBroker(issuer *token.Issuer) *Broker {
	return &Broker{
		issuer:     issuer,
		instanceID: uuid.NewString(),
		spokes:     make(map[*spoke]struct{}),
		topics:     make(map[string]map[*spoke]struct{}),
		metrics:    busMetrics(),
		logger:     log.WithField("component", "bus"),
	}
}

// InstanceID identifies this broker in the cross-instance mirror.
func (b *Broker) InstanceID() string { return b.instanceID }

// SetFanout attaches the cross-instance Redis mirror.
func (b *Broker) SetFanout(f *RedisFanout) {
	b.fanout = f
	f.OnRemote(func(frame Frame) { b.deliver(frame) })
}

// Routes registers the broker endpoints.
func (b *Broker) Routes(r *mux.Router) {
	r.HandleFunc("/ws", b.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := b.issuer.Verify(r.URL.Query().Get("token"))
	if err != nil || claims.Room != ControlRoom {
		http.Error(w, "token rejected", http.StatusUnauthorized)
		return
	}
	node := r.URL.Query().Get("node")
	if node == "" {
		node = claims.Identity
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.WithError(err).Warn("upgrade failed")
		return
	}

	sp := &spoke{
		broker: b,
		node:   node,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.spokes[sp] = struct{}{}
	b.mu.Unlock()

	b.logger.WithFields(log.Fields{"node": node, "identity": claims.Identity}).Info("spoke connected")
	go sp.writePump()
	go sp.readPump()
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	spokes, topics := len(b.spokes), len(b.topics)
	b.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":     true,
		"spokes": spokes,
		"topics": topics,
	})
}

// Publish fans a frame out to local subscribers and, when configured, to the
// Redis mirror for other broker instances.
func (b *Broker) Publish(topic string, data []byte, src string) {
	frame := Frame{Op: OpMsg, Topic: topic, Data: data, Src: src, TsMs: time.Now().UnixMilli()}
	b.metrics.published.Inc()
	b.deliver(frame)
	if b.fanout != nil {
		b.fanout.Mirror(frame)
	}
}

// deliver hands a frame to every local subscriber of its topic. A spoke with
// a full send queue is dropped rather than allowed to stall the plane.
func (b *Broker) deliver(frame Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		b.logger.WithError(err).Error("marshal frame")
		return
	}

	b.mu.RLock()
	subs := make([]*spoke, 0, len(b.topics[frame.Topic]))
	for sp := range b.topics[frame.Topic] {
		subs = append(subs, sp)
	}
	b.mu.RUnlock()

	for _, sp := range subs {
		select {
		case sp.send <- raw:
			b.metrics.delivered.Inc()
		default:
			b.metrics.dropped.Inc()
			b.logger.WithField("node", sp.node).Warn("send queue full, dropping spoke")
			sp.close()
		}
	}
}

func (b *Broker) subscribe(sp *spoke, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*spoke]struct{})
	}
	b.topics[topic][sp] = struct{}{}
}

func (b *Broker) unsubscribe(sp *spoke, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, sp)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (b *Broker) drop(sp *spoke) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.spokes, sp)
	for topic, subs := range b.topics {
		delete(subs, sp)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// ============================================================================
// SPOKE
// ============================================================================

// spoke is one connected daemon. writePump owns every write on the
// connection; readPump owns every read.
type spoke struct {
	broker *Broker
	node   string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (sp *spoke) close() {
	sp.once.Do(func() {
		close(sp.done)
		sp.broker.drop(sp)
		sp.conn.Close()
		sp.broker.logger.WithField("node", sp.node).Info("spoke disconnected")
	})
}

func (sp *spoke) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sp.close()
	}()

	for {
		select {
		case raw := <-sp.send:
			sp.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sp.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			sp.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sp.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sp.done:
			return
		}
	}
}

func (sp *spoke) readPump() {
	defer sp.close()

	sp.conn.SetReadLimit(maxMsgSize)
	sp.conn.SetReadDeadline(time.Now().Add(pongWait))
	sp.conn.SetPongHandler(func(string) error {
		sp.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sp.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sp.broker.logger.WithField("node", sp.node).WithError(err).Warn("read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			sp.broker.logger.WithField("node", sp.node).Debug("unreadable frame, ignoring")
			continue
		}

		switch frame.Op {
		case OpSub:
			sp.broker.subscribe(sp, frame.Topic)
		case OpUnsub:
			sp.broker.unsubscribe(sp, frame.Topic)
		case OpPub:
			sp.broker.Publish(frame.Topic, frame.Data, sp.node)
		case OpPing:
			pong, _ := json.Marshal(Frame{Op: OpPong, TsMs: time.Now().UnixMilli()})
			select {
			case sp.send <- pong:
			default:
			}
		}
	}
}
