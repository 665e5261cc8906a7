package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout shared by every backend process. Changing these breaks
// cross-process delivery for in-flight deployments, so they are fixed.
const (
	userChannelFmt = "user:%s:messages"
	unreadFmt      = "user:%s:unread_count"
	blacklistFmt   = "token:blacklist:%s"
	rateFmt        = "rate:%s:%d"
)

// ErrUnavailable wraps any transport-level failure talking to Redis.
// Callers other than the blacklist check treat it as best-effort.
var ErrUnavailable = errors.New("broker unavailable")

// Broker wraps the shared Redis instance. It owns key naming and the
// atomic primitives; it carries no business logic.
type Broker struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func New(rdb *redis.Client, logger *slog.Logger) *Broker {
	return &Broker{rdb: rdb, logger: logger}
}

// UserChannel returns the pub/sub channel carrying new-message payloads
// for one identity.
func UserChannel(handle string) string {
	return fmt.Sprintf(userChannelFmt, handle)
}

// Set stores value under key with a TTL. ttl <= 0 stores without expiry.
func (b *Broker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Get returns the value for key, or "" with found=false when absent.
func (b *Broker) Get(ctx context.Context, key string) (value string, found bool, err error) {
	val, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

// TTL reports the remaining lifetime of key.
func (b *Broker) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := b.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: ttl %s: %v", ErrUnavailable, key, err)
	}
	return ttl, nil
}

// Publish sends payload on channel. Delivery is fire-and-forget; a
// subscriber that is down simply misses the frame and reads the message
// from storage on its next poll.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, channel, err)
	}
	return nil
}

// PublishMessage publishes a new-message payload on the receiver's
// channel and mirrors it to the sender's channel so the sender's other
// devices stay in sync.
func (b *Broker) PublishMessage(ctx context.Context, sender, receiver string, payload []byte) error {
	if err := b.Publish(ctx, UserChannel(receiver), payload); err != nil {
		return err
	}
	if sender != receiver {
		if err := b.Publish(ctx, UserChannel(sender), payload); err != nil {
			// Receiver delivery already happened; sender mirror is best effort.
			b.logger.Warn("sender channel mirror failed", "sender", sender, "error", err)
		}
	}
	return nil
}

// IncrUnread bumps the receiver's unread accelerator counter.
func (b *Broker) IncrUnread(ctx context.Context, handle string) error {
	if err := b.rdb.Incr(ctx, fmt.Sprintf(unreadFmt, handle)).Err(); err != nil {
		return fmt.Errorf("%w: incr unread %s: %v", ErrUnavailable, handle, err)
	}
	return nil
}

// SetUnread overwrites the unread counter with an authoritative recount
// from storage. Used after bulk read operations instead of decrementing,
// so drift cannot accumulate.
func (b *Broker) SetUnread(ctx context.Context, handle string, count int64) error {
	if err := b.rdb.Set(ctx, fmt.Sprintf(unreadFmt, handle), count, 0).Err(); err != nil {
		return fmt.Errorf("%w: set unread %s: %v", ErrUnavailable, handle, err)
	}
	return nil
}

// GetUnread returns the cached unread count, 0 when unset.
func (b *Broker) GetUnread(ctx context.Context, handle string) (int64, error) {
	n, err := b.rdb.Get(ctx, fmt.Sprintf(unreadFmt, handle)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get unread %s: %v", ErrUnavailable, handle, err)
	}
	return n, nil
}

// BlacklistToken marks a token ID revoked for the remainder of its
// validity. The entry expires on its own; there is no unrevoke.
func (b *Broker) BlacklistToken(ctx context.Context, tokenID string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	return b.Set(ctx, fmt.Sprintf(blacklistFmt, tokenID), "1", remaining)
}

// IsTokenBlacklisted reports whether a token ID has been revoked. An
// unreachable broker returns an error: authentication fails closed.
func (b *Broker) IsTokenBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	_, found, err := b.Get(ctx, fmt.Sprintf(blacklistFmt, tokenID))
	if err != nil {
		return false, err
	}
	return found, nil
}

// Allow implements a fixed-window rate limit shared across processes:
// INCR the window bucket, set its expiry on first use, and compare to
// limit. The counter is only ever mutated atomically, never
// read-modify-written.
func (b *Broker) Allow(ctx context.Context, name string, limit int64, window time.Duration) (bool, error) {
	bucket := time.Now().UTC().Unix() / int64(window.Seconds())
	key := fmt.Sprintf(rateFmt, name, bucket)

	n, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: rate incr %s: %v", ErrUnavailable, key, err)
	}
	if n == 1 {
		if err := b.rdb.Expire(ctx, key, window).Err(); err != nil {
			b.logger.Warn("rate window expire failed", "key", key, "error", err)
		}
	}
	return n <= limit, nil
}
