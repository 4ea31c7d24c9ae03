package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/felipepmaragno/adventure-engine/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "adventure:progress:"
	publishTimeout = 2 * time.Second
)

type envelope struct {
	UserID string               `json:"user_id"`
	Event  domain.ProgressEvent `json:"event"`
}

// RedisPublisher forwards events to Redis pub/sub so that API instances
// other than the one running the orchestrator can serve subscribers.
// Publish enqueues and returns; Run drains the queue.
type RedisPublisher struct {
	client *redis.Client
	queue  chan envelope
}

func NewRedisPublisher(client *redis.Client, buffer int) *RedisPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisPublisher{
		client: client,
		queue:  make(chan envelope, buffer),
	}
}

func (p *RedisPublisher) Publish(userID string, ev domain.ProgressEvent) {
	select {
	case p.queue <- envelope{UserID: userID, Event: ev}:
	default:
		metrics.RecordProgressDropped("publish_queue_full")
	}
}

func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.queue:
			p.send(ctx, env)
		}
	}
}

func (p *RedisPublisher) send(ctx context.Context, env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Error("failed to encode progress event", "run_id", env.Event.RunID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, channelPrefix+env.UserID, payload).Err(); err != nil {
		metrics.RecordProgressDropped("redis_error")
		slog.Warn("failed to publish progress event", "run_id", env.Event.RunID, "error", err)
	}
}

// Bridge relays events from Redis into the local hub until ctx is done.
func Bridge(ctx context.Context, client *redis.Client, hub *Hub) error {
	sub := client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("discarding malformed progress message", "channel", msg.Channel, "error", err)
				continue
			}
			userID := env.UserID
			if userID == "" {
				userID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			env.Event.UserID = userID
			hub.Publish(userID, env.Event)
		}
	}
}
