package redis

import (
	"context"
	"log/slog"

	"github.com/deepnoodle-ai/campaign"
	json "github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "campaign:events"

// Notifier publishes engine events on a Redis channel. Delivery is best
// effort: failures are logged and dropped.
type Notifier struct {
	client  goredis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewNotifier(client goredis.UniversalClient, channel string, logger *slog.Logger) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

func (n *Notifier) Publish(ctx context.Context, event *campaign.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("failed to encode event", "type", event.Type, "error", err)
		return
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		n.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}

// Subscribe starts delivering events published on the channel to handler.
// It returns once the subscription is confirmed; call the returned stop
// function to unsubscribe.
func (n *Notifier) Subscribe(ctx context.Context, handler func(*campaign.Event)) (func(), error) {
	sub := n.client.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			var event campaign.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				n.logger.Warn("ignoring malformed event", "error", err)
				continue
			}
			handler(&event)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}, nil
}
