package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tickrelay/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const tickChannelPrefix = "pub:tick:"

// Config configures the tick publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher mirrors broadcast ticks onto Redis PubSub, one channel per
// instrument key, so co-located consumers can tap the feed without holding a
// websocket.
type Publisher struct {
	client *goredis.Client
	log    *slog.Logger
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg Config, log *slog.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	log.Info("redis connected", "addr", cfg.Addr)
	return &Publisher{client: client, log: log}, nil
}

// PublishTicks fans ticks onto pub:tick:<instrumentKey>. Failures are logged
// and dropped; the websocket broadcast path never blocks on Redis.
func (p *Publisher) PublishTicks(ctx context.Context, ticks []model.Tick) {
	pipe := p.client.Pipeline()
	for _, t := range ticks {
		payload, err := json.Marshal(t)
		if err != nil {
			continue
		}
		pipe.Publish(ctx, tickChannelPrefix+t.InstrumentKey, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("redis publish failed", "error", err)
	}
}

func (p *Publisher) Close() error { return p.client.Close() }
