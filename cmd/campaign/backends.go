package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/badgerstore"
	"github.com/deepnoodle-ai/campaign/postgres"
	"github.com/deepnoodle-ai/campaign/redis"
	goredis "github.com/redis/go-redis/v9"
)

// backends are the collaborators selected by configuration.
type backends struct {
	checkpoints campaign.CheckpointStore
	locker      campaign.Locker
	scheduler   campaign.Scheduler
	buffer      campaign.EventBuffer
	presence    campaign.Presence
	notifiers   []campaign.Notifier
	closers     []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openCheckpointStore(ctx context.Context, cfg StoreConfig, clock campaign.Clock) (campaign.CheckpointStore, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return campaign.NewMemoryCheckpointStore(clock), nil, nil
	case "file":
		store, err := campaign.NewFileCheckpointStore(cfg.Dir, clock)
		return store, nil, err
	case "badger":
		store, err := badgerstore.Open(badgerstore.Options{Dir: cfg.Dir, Clock: clock})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "postgres":
		store, err := postgres.NewCheckpointStore(ctx, postgres.Options{DSN: cfg.DSN, Clock: clock})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openBackends(ctx context.Context, cfg *Config, clock campaign.Clock, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	checkpoints, closer, err := openCheckpointStore(ctx, cfg.Store, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s checkpoint store: %w", cfg.Store.Driver, err)
	}
	b.checkpoints = checkpoints
	if closer != nil {
		b.closers = append(b.closers, closer)
	}

	if cfg.Lock.Driver != "redis" {
		b.locker = campaign.NewMemoryLocker(clock)
		b.scheduler = campaign.NewMemoryScheduler(logger)
		b.buffer = campaign.NewMemoryEventBuffer()
		b.presence = campaign.NewMemoryPresence(clock)
		return b, nil
	}

	client, err := redis.Connect(ctx, redis.ConnectOptions{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		UseTLS:   cfg.Redis.TLS,
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	b.closers = append(b.closers, client.Close)
	if err := b.useRedis(client, cfg.Redis, clock, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) useRedis(client goredis.UniversalClient, cfg RedisConfig, clock campaign.Clock, logger *slog.Logger) error {
	scheduler, err := redis.NewScheduler(redis.SchedulerOptions{
		Client: client,
		Prefix: cfg.Prefix,
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	b.locker = redis.NewLocker(client, clock)
	b.scheduler = scheduler
	b.buffer = redis.NewEventBuffer(client, cfg.Prefix)
	b.presence = redis.NewPresence(client, cfg.Prefix)
	b.notifiers = append(b.notifiers, redis.NewNotifier(client, cfg.Channel, logger))
	return nil
}
