package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Presence implements campaign.Presence with expiring keys.
type Presence struct {
	client goredis.UniversalClient
	prefix string
}

func NewPresence(client goredis.UniversalClient, prefix string) *Presence {
	return &Presence{client: client, prefix: prefix}
}

func (p *Presence) composingKey(subjectID string) string {
	return key(p.prefix, "composing", subjectID)
}

func (p *Presence) SetComposing(ctx context.Context, subjectID string, ttl time.Duration) error {
	if err := p.client.Set(ctx, p.composingKey(subjectID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set composing for %s: %w", subjectID, err)
	}
	return nil
}

func (p *Presence) ClearComposing(ctx context.Context, subjectID string) error {
	if err := p.client.Del(ctx, p.composingKey(subjectID)).Err(); err != nil {
		return fmt.Errorf("failed to clear composing for %s: %w", subjectID, err)
	}
	return nil
}

func (p *Presence) IsComposing(ctx context.Context, subjectID string) (bool, error) {
	n, err := p.client.Exists(ctx, p.composingKey(subjectID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read composing for %s: %w", subjectID, err)
	}
	return n > 0, nil
}
