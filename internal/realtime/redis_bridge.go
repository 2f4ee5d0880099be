package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workspace-assistant/internal/telemetry"
)

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBridge relays events between processes over a Redis channel. Local
// publishes reach the local hub immediately and are forwarded asynchronously;
// remote events are fed into the local hub.
type RedisBridge struct {
	client  *redis.Client
	hub     *Hub
	channel string
	origin  string
	out     chan Event
	logger  *zap.Logger
}

// NewRedisBridge wraps hub. Call Run to start relaying.
func NewRedisBridge(client *redis.Client, hub *Hub, channel string, logger *zap.Logger) *RedisBridge {
	return &RedisBridge{
		client:  client,
		hub:     hub,
		channel: channel,
		origin:  uuid.New().String(),
		out:     make(chan Event, 256),
		logger:  logger,
	}
}

// Publish delivers locally and queues the event for other processes. Never blocks.
func (b *RedisBridge) Publish(ev Event) {
	b.hub.Publish(ev)
	select {
	case b.out <- ev:
	default:
		telemetry.RealtimeDropped.Inc()
	}
}

// Run forwards queued events to Redis and relays remote events until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	remote := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.out:
			b.forward(ctx, ev)
		case msg, ok := <-remote:
			if !ok {
				return nil
			}
			b.relay(msg.Payload)
		}
	}
}

func (b *RedisBridge) forward(ctx context.Context, ev Event) {
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		b.logger.Warn("marshal realtime event", zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Publish(pubCtx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("publish realtime event", zap.Error(err), zap.String("type", ev.Type))
	}
}

func (b *RedisBridge) relay(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Debug("ignore malformed realtime payload", zap.Error(err))
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.hub.Publish(env.Event)
}
