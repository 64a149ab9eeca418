package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/arjunv/jobdispatch/internal/broker"
	"github.com/arjunv/jobdispatch/internal/config"
	"github.com/arjunv/jobdispatch/internal/registry"
	"github.com/arjunv/jobdispatch/internal/store"
)

// fakeBroker is a minimal in-memory broker.Broker double sufficient to
// drive the worker loop deterministically in tests.
type fakeBroker struct {
	mu     sync.Mutex
	queues map[string][]broker.Message
	leases map[string]string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: map[string][]broker.Message{}, leases: map[string]string{}}
}

func (b *fakeBroker) Push(ctx context.Context, queue string, msg broker.Message) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], msg)
	return int64(len(b.queues[queue])), nil
}

func (b *fakeBroker) PushDLQ(ctx context.Context, queue string, msg broker.DLQMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], msg.Message)
	return nil
}

func (b *fakeBroker) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (*broker.Message, error) {
	b.mu.Lock()
	q := b.queues[queue]
	if len(q) == 0 {
		b.mu.Unlock()
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	}
	m := q[0]
	b.queues[queue] = q[1:]
	b.mu.Unlock()
	return &m, nil
}

func (b *fakeBroker) Length(ctx context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[queue])), nil
}

func (b *fakeBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error { return nil }
func (b *fakeBroker) Get(ctx context.Context, key string) (string, bool, error)            { return "", false, nil }
func (b *fakeBroker) Delete(ctx context.Context, key string) error                         { return nil }
func (b *fakeBroker) Exists(ctx context.Context, key string) (bool, error)                 { return false, nil }

func (b *fakeBroker) AcquireLease(ctx context.Context, name string, ttl, blockingTimeout time.Duration) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, held := b.leases[name]; held {
		return "", false, nil
	}
	token := name + "-token"
	b.leases[name] = token
	return token, true, nil
}

func (b *fakeBroker) ReleaseLease(ctx context.Context, name, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.leases[name] == token {
		delete(b.leases, name)
	}
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	s := store.New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPool_HappyPath(t *testing.T) {
	s := newTestStore(t)
	b := newFakeBroker()
	r := registry.New()
	r.Register(store.KindEmail, func(ctx context.Context, job *store.Job) (store.JSONMap, error) {
		return store.JSONMap{"status": "sent"}, nil
	})

	ctx := context.Background()
	job := &store.Job{ID: "job-1", Kind: store.KindEmail, MaxAttempts: 3, Payload: store.JSONMap{"to": "a@x.com"}}
	require.NoError(t, s.Insert(ctx, job))
	_, err := b.Push(ctx, "jobs:queue", broker.Message{ID: job.ID, Kind: string(job.Kind), Payload: job.Payload})
	require.NoError(t, err)

	cfg := config.Config{
		JobQueueName: "jobs:queue", JobDLQName: "jobs:dlq",
		WorkerCount: 1, WorkerConcurrency: 2, WorkerPollInterval: 1, LeaseTTL: 300, RetryDelay: 5, MaxRetries: 3,
	}
	p := New(s, b, r, cfg)
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		got, err := s.Get(ctx, job.ID)
		return err == nil && got.Status == store.StatusCompleted
	})

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "sent", got.Result["status"])
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestPool_UnknownKindGoesThroughFailureBranch(t *testing.T) {
	s := newTestStore(t)
	b := newFakeBroker()
	r := registry.New() // no handlers registered

	ctx := context.Background()
	job := &store.Job{ID: "job-2", Kind: store.KindWebhook, MaxAttempts: 0}
	require.NoError(t, s.Insert(ctx, job))
	_, err := b.Push(ctx, "jobs:queue", broker.Message{ID: job.ID, Kind: string(job.Kind)})
	require.NoError(t, err)

	cfg := config.Config{
		JobQueueName: "jobs:queue", JobDLQName: "jobs:dlq",
		WorkerCount: 1, WorkerConcurrency: 1, WorkerPollInterval: 1, LeaseTTL: 300, RetryDelay: 5, MaxRetries: 3,
	}
	p := New(s, b, r, cfg)
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		got, err := s.Get(ctx, job.ID)
		return err == nil && got.Status == store.StatusFailed
	})

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "no handler", *got.Error)

	dlqLen, err := b.Length(ctx, "jobs:dlq")
	require.NoError(t, err)
	require.Equal(t, int64(1), dlqLen)
}

func TestPool_FailureRetriesUntilExhausted(t *testing.T) {
	s := newTestStore(t)
	b := newFakeBroker()
	r := registry.New()
	r.Register(store.KindWebhook, func(ctx context.Context, job *store.Job) (store.JSONMap, error) {
		return nil, errors.New("boom")
	})

	ctx := context.Background()
	// MaxAttempts=1 means the job gets exactly one automatic retry before
	// the second failure finds next_attempts(2) > max_attempts(1).
	job := &store.Job{ID: "job-3", Kind: store.KindWebhook, MaxAttempts: 1}
	require.NoError(t, s.Insert(ctx, job))
	_, err := b.Push(ctx, "jobs:queue", broker.Message{ID: job.ID, Kind: string(job.Kind)})
	require.NoError(t, err)

	cfg := config.Config{
		JobQueueName: "jobs:queue", JobDLQName: "jobs:dlq",
		WorkerCount: 1, WorkerConcurrency: 1, WorkerPollInterval: 1, LeaseTTL: 300,
		RetryDelay: 1, // keep the backoff sleep short for the test
		MaxRetries: 1,
	}
	p := New(s, b, r, cfg)
	p.Start(ctx)
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool {
		got, err := s.Get(ctx, job.ID)
		return err == nil && got.Status == store.StatusFailed
	})

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "boom", *got.Error)
	require.Equal(t, 1, got.Attempts) // bumped to 1 on the sole retry, not incremented again on exhaustion

	dlqLen, err := b.Length(ctx, "jobs:dlq")
	require.NoError(t, err)
	require.Equal(t, int64(1), dlqLen)
}

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	require.Equal(t, 5*time.Second, backoff(5*time.Second, 1))
	require.Equal(t, 10*time.Second, backoff(5*time.Second, 2))
	require.Equal(t, 20*time.Second, backoff(5*time.Second, 3))
}
