package bus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Channel carries mirrored frames between broker instances.
const Channel = "labplane.bus"

// mirrorEnvelope wraps a frame with the publishing instance so an instance
// never re-delivers its own mirror.
type mirrorEnvelope struct {
	Instance string `json:"instance"`
	Frame    Frame  `json:"frame"`
}

// RedisFanout mirrors published frames through Redis pub/sub so several
// broker instances behave as one plane. Mirror failures degrade to
// single-instance delivery, never to an error on the publish path.
type RedisFanout struct {
	client     *redis.Client
	instanceID string
	onRemote   func(Frame)
	logger     *log.Entry
}

// NewRedisFanout connects to Redis and starts consuming the mirror channel.
func NewRedisFanout(ctx context.Context, redisURL, instanceID string) (*RedisFanout, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	f := &RedisFanout{
		client:     client,
		instanceID: instanceID,
		logger:     log.WithField("component", "bus-fanout"),
	}
	go f.consume(ctx)
	return f, nil
}

// OnRemote registers the local delivery callback for frames arriving from
// other instances.
func (f *RedisFanout) OnRemote(fn func(Frame)) { f.onRemote = fn }

// Mirror publishes a locally produced frame to the shared channel.
func (f *RedisFanout) Mirror(frame Frame) {
	raw, err := json.Marshal(mirrorEnvelope{Instance: f.instanceID, Frame: frame})
	if err != nil {
		return
	}
	if err := f.client.Publish(context.Background(), Channel, raw).Err(); err != nil {
		f.logger.WithError(err).Warn("mirror publish failed")
	}
}

func (f *RedisFanout) consume(ctx context.Context) {
	sub := f.client.Subscribe(ctx, Channel)
	defer sub.Close()

	for msg := range sub.Channel() {
		var env mirrorEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			f.logger.WithError(err).Debug("unreadable mirror frame")
			continue
		}
		if env.Instance == f.instanceID {
			continue // our own mirror coming back
		}
		if f.onRemote != nil {
			f.onRemote(env.Frame)
		}
	}
}

// Close releases the Redis connection.
func (f *RedisFanout) Close() error { return f.client.Close() }
