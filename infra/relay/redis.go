// Package relay republishes engine envelopes on Redis pub/sub so passive
// observer processes can follow the authoritative engine.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/logger"
	coremon "github.com/tozahudud/patrol/core/monitoring"
)

// Config selects the Redis server and channel.
type Config struct {
	// Addr is host:port or a redis:// URL.
	Addr     string        `json:"addr"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	Channel  string        `json:"channel"`
	Timeout  time.Duration `json:"timeout"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Channel == "" {
		c.Channel = "patrol:events"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
}

// Enabled reports whether a server is configured.
func (c Config) Enabled() bool { return c.Addr != "" }

// RedisRelay publishes and subscribes to envelopes on one channel.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
	log     logger.Logger
}

// NewRedisRelay creates a relay. The connection is established lazily.
func NewRedisRelay(cfg Config, log logger.Logger) (*RedisRelay, error) {
	cfg.SetDefaults()
	if !cfg.Enabled() {
		return nil, errors.New("relay: redis addr required")
	}
	var opt *redis.Options
	if strings.Contains(cfg.Addr, "://") {
		var err error
		opt, err = redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
	} else {
		opt = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	return &RedisRelay{
		rdb:     redis.NewClient(opt),
		channel: cfg.Channel,
		timeout: cfg.Timeout,
		log:     logger.OrNop(log),
	}, nil
}

// Ping checks the server is reachable.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Publish sends one envelope.
func (r *RedisRelay) Publish(ctx context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

// Forward publishes every envelope from src until ctx is done or src is
// closed. Failed publishes are logged and skipped; observers detect the
// resulting gap and resync.
func (r *RedisRelay) Forward(ctx context.Context, src <-chan events.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-src:
			if !ok {
				return nil
			}
			if err := r.Publish(ctx, env); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Warnf("relay publish %s #%d: %v", env.Type, env.Seq, err)
				coremon.Capture("relay", err, "channel", r.channel, "type", string(env.Type))
			}
		}
	}
}

// Subscribe returns envelopes received on the channel. The channel is
// closed when ctx is done or the subscription fails.
func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan events.Envelope, error) {
	ps := r.rdb.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	out := make(chan events.Envelope, 64)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env events.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.log.Warnf("relay: invalid payload: %v", err)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the client.
func (r *RedisRelay) Close() error { return r.rdb.Close() }
