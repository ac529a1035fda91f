// Package redis provides Redis-backed coordination for running the engine
// across several processes: subject locks, the debounce scheduler, inbound
// event buffers, composing presence and event fan-out.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "campaign"

// ConnectOptions describes how to reach a Redis server.
type ConnectOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	UseTLS   bool
}

// Connect opens a client and verifies the server responds.
func Connect(ctx context.Context, opts ConnectOptions) (*goredis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	options := &goredis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.UseTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func key(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	out := prefix
	for _, part := range parts {
		out += ":" + part
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
