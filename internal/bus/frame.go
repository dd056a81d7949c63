// Package bus is the messaging plane: a WebSocket topic broker (hub side)
// and a reconnecting dialer (agent and router side). Delivery is
// at-least-once within a connected session and ordered per publisher;
// durable queueing is explicitly not offered.
package bus

import "encoding/json"

// Frame ops.
const (
	OpSub   = "sub"
	OpUnsub = "unsub"
	OpPub   = "pub"
	OpMsg   = "msg"
	OpPing  = "ping"
	OpPong  = "pong"
)

// Frame is the wire unit in both directions.
type Frame struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Src   string          `json:"src,omitempty"`
	TsMs  int64           `json:"ts_ms,omitempty"`
}

// Publisher is the only thing the router needs from the plane.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// Handler consumes one delivered message.
type Handler func(topic string, data []byte)
