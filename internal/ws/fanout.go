package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/codesync/internal/logging"
)

// Fanout carries room updates between relay instances.
type Fanout interface {
	Publish(ctx context.Context, roomID, code string) error
}

const defaultChannel = "codesync:rooms"

type envelope struct {
	Origin string `json:"origin"`
	Room   string `json:"room"`
	Code   string `json:"code"`
}

// RedisFanout publishes updates on a single pub/sub channel. Each relay tags
// its messages with an origin id and skips its own on receipt.
type RedisFanout struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

func NewRedisFanout(client *redis.Client, origin string, logger *slog.Logger) *RedisFanout {
	logger = logging.OrDefault(logger)
	return &RedisFanout{
		client:  client,
		channel: defaultChannel,
		origin:  origin,
		logger:  logger.With("component", "fanout"),
	}
}

func (f *RedisFanout) Publish(ctx context.Context, roomID, code string) error {
	payload, err := json.Marshal(envelope{Origin: f.origin, Room: roomID, Code: code})
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, payload).Err()
}

// Subscribe delivers updates from other relays to hub until ctx is done.
func (f *RedisFanout) Subscribe(ctx context.Context, hub *Hub) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	f.logger.Info("subscribed", "channel", f.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("fanout: subscription closed")
			}
			env, ok := f.decode(msg.Payload)
			if !ok {
				continue
			}
			hub.Deliver(env.Room, env.Code)
		}
	}
}

// decode rejects malformed payloads and echoes of this relay's own publishes.
func (f *RedisFanout) decode(payload string) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Room == "" {
		f.logger.Debug("dropping malformed fanout payload")
		return envelope{}, false
	}
	if env.Origin == f.origin {
		return envelope{}, false
	}
	return env, true
}
