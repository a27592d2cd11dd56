package otp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptCounter tracks failed verifications per ride.
type AttemptCounter interface {
	Incr(ctx context.Context, rideID string) (int64, error)
	Count(ctx context.Context, rideID string) (int64, error)
	Reset(ctx context.Context, rideID string) error
}

type MemoryAttempts struct {
	mu     sync.Mutex
	counts map[string]memoryCount
	ttl    time.Duration
	now    func() time.Time
}

type memoryCount struct {
	n       int64
	expires time.Time
}

func NewMemoryAttempts(ttl time.Duration) *MemoryAttempts {
	return &MemoryAttempts{counts: make(map[string]memoryCount), ttl: ttl, now: time.Now}
}

func (m *MemoryAttempts) Incr(_ context.Context, rideID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.live(rideID)
	c.n++
	if c.n == 1 {
		c.expires = m.now().Add(m.ttl)
	}
	m.counts[rideID] = c
	return c.n, nil
}

func (m *MemoryAttempts) Count(_ context.Context, rideID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(rideID).n, nil
}

func (m *MemoryAttempts) Reset(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, rideID)
	return nil
}

// live must be called with m.mu held.
func (m *MemoryAttempts) live(rideID string) memoryCount {
	c, ok := m.counts[rideID]
	if !ok || (m.ttl > 0 && m.now().After(c.expires)) {
		return memoryCount{}
	}
	return c
}

// RedisAttempts shares the counter between API instances.
type RedisAttempts struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisAttempts(client redis.Cmdable, ttl time.Duration) *RedisAttempts {
	return &RedisAttempts{client: client, ttl: ttl}
}

func attemptsKey(rideID string) string { return "otp:attempts:" + rideID }

func (r *RedisAttempts) Incr(ctx context.Context, rideID string) (int64, error) {
	key := attemptsKey(rideID)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisAttempts) Count(ctx context.Context, rideID string) (int64, error) {
	n, err := r.client.Get(ctx, attemptsKey(rideID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisAttempts) Reset(ctx context.Context, rideID string) error {
	return r.client.Del(ctx, attemptsKey(rideID)).Err()
}
