package redis

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/campaign"
	json "github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// EventBuffer implements campaign.EventBuffer with one Redis list per key.
type EventBuffer struct {
	client goredis.UniversalClient
	prefix string
}

func NewEventBuffer(client goredis.UniversalClient, prefix string) *EventBuffer {
	return &EventBuffer{client: client, prefix: prefix}
}

func (b *EventBuffer) listKey(k string) string {
	return key(b.prefix, "buffer", k)
}

func (b *EventBuffer) Append(ctx context.Context, k string, msgs ...campaign.InboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode inbound message: %w", err)
		}
		values = append(values, data)
	}
	if err := b.client.RPush(ctx, b.listKey(k), values...).Err(); err != nil {
		return fmt.Errorf("failed to append to buffer %s: %w", k, err)
	}
	return nil
}

func (b *EventBuffer) Drain(ctx context.Context, k string) ([]campaign.InboundMessage, error) {
	listKey := b.listKey(k)
	var items *goredis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		items = pipe.LRange(ctx, listKey, 0, -1)
		pipe.Del(ctx, listKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain buffer %s: %w", k, err)
	}
	raw := items.Val()
	if len(raw) == 0 {
		return nil, nil
	}
	msgs := make([]campaign.InboundMessage, 0, len(raw))
	for _, item := range raw {
		var msg campaign.InboundMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode buffered message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (b *EventBuffer) Len(ctx context.Context, k string) (int, error) {
	n, err := b.client.LLen(ctx, b.listKey(k)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read buffer length %s: %w", k, err)
	}
	return int(n), nil
}
