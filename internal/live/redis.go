package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/leadchat/internal/domain"
	redis "github.com/redis/go-redis/v9"
)

// channelPrefix namespaces the per-room pub/sub channels.
const channelPrefix = "leadchat:room:"

// NewRedisClient parses url and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisBroadcaster publishes room messages through Redis so every server
// instance delivers them to its own subscribers.
type RedisBroadcaster struct {
	client *redis.Client
	hub    *Hub
	log    *slog.Logger
}

// NewRedisBroadcaster creates a broadcaster that fans Redis messages into hub.
func NewRedisBroadcaster(client *redis.Client, hub *Hub, log *slog.Logger) *RedisBroadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroadcaster{client: client, hub: hub, log: log}
}

// Broadcast publishes the message. When Redis is unavailable the message is
// still delivered to local subscribers and the publish error is returned.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, chatRoomID, message string, role domain.Role, author string) error {
	ev := NewEvent(chatRoomID, message, role, author)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode live event: %w", err)
	}
	if err := b.client.Publish(ctx, roomChannel(chatRoomID), payload).Err(); err != nil {
		b.hub.Deliver(ctx, ev)
		return fmt.Errorf("publish live event: %w", err)
	}
	return nil
}

// Run relays published events to the hub until ctx is done.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer func() {
		if err := pubsub.Close(); err != nil {
			b.log.Debug("Failed to close redis subscription", "error", err)
		}
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe live events: %w", err)
	}
	b.log.Info("Live relay subscribed", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (b *RedisBroadcaster) relay(ctx context.Context, channel, payload string) {
	chatRoomID, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || chatRoomID == "" {
		return
	}
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.log.Warn("Dropping malformed live event", "channel", channel, "error", err)
		return
	}
	ev.ChatRoomID = chatRoomID
	b.hub.Deliver(ctx, ev)
}

func roomChannel(chatRoomID string) string {
	return channelPrefix + chatRoomID
}
