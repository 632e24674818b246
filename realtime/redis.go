package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type published struct {
	UserID string          `json:"userId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RedisBridge publishes events on a Redis channel so that every API instance
// delivers them to its own connections.
type RedisBridge struct {
	hub     *Hub
	rc      *redis.Client
	channel string
	logger  *log.Logger
}

func NewRedisBridge(hub *Hub, rc *redis.Client, channel string) *RedisBridge {
	return &RedisBridge{hub: hub, rc: rc, channel: channel, logger: hub.logger}
}

// Broadcast publishes the event; delivery happens in Run on each instance.
func (b *RedisBridge) Broadcast(ctx context.Context, userID, event string, payload any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := sonic.Marshal(published{UserID: userID, Event: event, Data: data})
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, b.channel, msg).Err()
}

// Run relays published events to local connections until ctx is done,
// resubscribing when the subscription drops.
func (b *RedisBridge) Run(ctx context.Context) {
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		b.relay(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *RedisBridge) relay(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev published
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil || ev.UserID == "" {
				b.logger.WithField("payload", msg.Payload).Warn("unable to parse published event")
				continue
			}
			frame, err := sonic.Marshal(Envelope{Event: ev.Event, Data: ev.Data})
			if err != nil {
				b.logger.WithError(err).Error("marshal event")
				continue
			}
			b.hub.deliver(ev.UserID, frame)
		}
	}
}
