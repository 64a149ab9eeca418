// Package redisbroker implements broker.Broker on top of go-redis.
// Queues are Redis lists; leases are SetNX-with-TTL keys, released by a
// compare-and-delete Lua script so a worker can never release a lease
// it no longer holds.
package redisbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arjunv/jobdispatch/internal/broker"
)

const leaseKeyPrefix = "lock:"

// releaseScript deletes the lease key only if its value still matches the
// token the caller presents, preventing a worker from releasing a lease
// that has since expired and been re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Broker wraps a *redis.Client. Connection pooling is the client's own
// concern; the pool is sized to a bounded, shared 100 connections across
// the dispatcher and every worker. withRetry adds a bounded retry on top
// of the client's own.
type Broker struct {
	rdb        *redis.Client
	maxRetries int
}

func New(addr, password string, db int) *Broker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &Broker{rdb: rdb, maxRetries: 3}
}

func (b *Broker) Close() error { return b.rdb.Close() }

// withRetry retries transient I/O errors a small bounded number of times
// before surfacing ErrBrokerUnavailable.
func (b *Broker) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		err = op()
		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
}

func (b *Broker) Push(ctx context.Context, queue string, msg broker.Message) (int64, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	var n int64
	err = b.withRetry(ctx, func() error {
		var e error
		n, e = b.rdb.RPush(ctx, queue, body).Result()
		return e
	})
	return n, err
}

func (b *Broker) PushDLQ(ctx context.Context, queue string, msg broker.DLQMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.withRetry(ctx, func() error {
		return b.rdb.RPush(ctx, queue, body).Err()
	})
}

func (b *Broker) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (*broker.Message, error) {
	var result []string
	err := b.withRetry(ctx, func() error {
		var e error
		result, e = b.rdb.BLPop(ctx, timeout, queue).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var msg broker.Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (b *Broker) Length(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := b.withRetry(ctx, func() error {
		var e error
		n, e = b.rdb.LLen(ctx, queue).Result()
		return e
	})
	return n, err
}

func (b *Broker) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return b.withRetry(ctx, func() error {
		return b.rdb.Set(ctx, key, value, ttl).Err()
	})
}

func (b *Broker) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := b.withRetry(ctx, func() error {
		var e error
		v, e = b.rdb.Get(ctx, key).Result()
		return e
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *Broker) Delete(ctx context.Context, key string) error {
	return b.withRetry(ctx, func() error {
		return b.rdb.Del(ctx, key).Err()
	})
}

func (b *Broker) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := b.withRetry(ctx, func() error {
		var e error
		n, e = b.rdb.Exists(ctx, key).Result()
		return e
	})
	return n > 0, err
}

// AcquireLease is a non-blocking SETNX+EX when blockingTimeout is zero,
// otherwise a 100ms poll loop until acquired or the deadline passes.
func (b *Broker) AcquireLease(ctx context.Context, name string, ttl time.Duration, blockingTimeout time.Duration) (string, bool, error) {
	key := leaseKeyPrefix + name
	token := uuid.NewString()

	tryOnce := func() (bool, error) {
		var ok bool
		err := b.withRetry(ctx, func() error {
			var e error
			ok, e = b.rdb.SetNX(ctx, key, token, ttl).Result()
			return e
		})
		return ok, err
	}

	if blockingTimeout <= 0 {
		ok, err := tryOnce()
		if err != nil || !ok {
			return "", ok, err
		}
		return token, true, nil
	}

	deadline := time.Now().Add(blockingTimeout)
	for {
		ok, err := tryOnce()
		if err != nil {
			return "", false, err
		}
		if ok {
			return token, true, nil
		}
		if time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(broker.PollInterval()):
		}
	}
}

// ReleaseLease performs a compare-and-delete: only the holder of token
// (i.e. whoever last successfully called AcquireLease for name) can clear
// the key. If the lease already expired and was re-acquired by another
// worker, this is a silent no-op rather than deleting their lease.
func (b *Broker) ReleaseLease(ctx context.Context, name string, token string) error {
	key := leaseKeyPrefix + name
	return b.withRetry(ctx, func() error {
		return releaseScript.Run(ctx, b.rdb, []string{key}, token).Err()
	})
}
