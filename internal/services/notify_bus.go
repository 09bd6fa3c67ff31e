package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kiraclass/kira-backend/internal/logger"
)

// NotifyBus fans outbound notifications through redis so that in a
// multi-process deployment only the process running the forwarder talks to
// the email provider. Publish failures fall back to direct delivery, so a
// notification is sent at least once.
type NotifyBus interface {
	Notifier
	StartForwarder(ctx context.Context) error
	Close() error
}

type redisNotifyBus struct {
	log      *logger.Logger
	rdb      *goredis.Client
	channel  string
	fallback Notifier
}

// NewRedisNotifyBus connects to REDIS_ADDR and wraps the given notifier.
// Returns an error when REDIS_ADDR is unset; callers then use the wrapped
// notifier directly.
func NewRedisNotifyBus(log *logger.Logger, fallback Notifier) (NotifyBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if ch == "" {
		ch = "kira:notify"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisNotifyBus{
		log:      log.With("service", "RedisNotifyBus"),
		rdb:      rdb,
		channel:  ch,
		fallback: fallback,
	}, nil
}

func (b *redisNotifyBus) Send(ctx context.Context, recipient, kind string, payload map[string]string) {
	note := Notification{Recipient: recipient, Kind: kind, Payload: payload}
	raw, err := json.Marshal(note)
	if err != nil {
		b.log.Warn("Failed to marshal notification, delivering directly", "kind", kind, "error", err)
		b.fallback.Send(ctx, recipient, kind, payload)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.log.Warn("Redis publish failed, delivering directly", "kind", kind, "error", err)
		b.fallback.Send(ctx, recipient, kind, payload)
	}
}

// StartForwarder consumes the channel and hands each envelope to the
// wrapped notifier. Run it in exactly one process.
func (b *redisNotifyBus) StartForwarder(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var note Notification
				if err := json.Unmarshal([]byte(m.Payload), &note); err != nil {
					b.log.Warn("Dropping malformed notification envelope", "error", err)
					continue
				}
				b.fallback.Send(ctx, note.Recipient, note.Kind, note.Payload)
			}
		}
	}()
	return nil
}

func (b *redisNotifyBus) Close() error {
	return b.rdb.Close()
}
