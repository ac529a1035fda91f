package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/campaign"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker implements campaign.Locker with SET NX PX leases.
type Locker struct {
	client goredis.UniversalClient
	clock  campaign.Clock
}

func NewLocker(client goredis.UniversalClient, clock campaign.Clock) *Locker {
	if clock == nil {
		clock = campaign.SystemClock()
	}
	return &Locker{client: client, clock: clock}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*campaign.Lock, error) {
	token := campaign.NewLockToken()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &campaign.Lock{Key: key, Token: token, ExpiresAt: l.clock.Now().Add(ttl)}, nil
}

func (l *Locker) Release(ctx context.Context, lock *campaign.Lock) error {
	if lock == nil {
		return nil
	}
	deleted, err := releaseScript.Run(ctx, l.client, []string{lock.Key}, lock.Token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lock.Key, err)
	}
	if deleted == 0 {
		return campaign.ErrLockNotHeld
	}
	return nil
}
