package dispatch

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
	"github.com/arjunv/jobdispatch/internal/store"
)

// fakeBroker is an in-memory broker.Broker double that records pushes
// so tests can assert on ordering and content.
type fakeBroker struct {
	mu        sync.Mutex
	queues    map[string][]broker.Message
	kv        map[string]string
	pushErr   error
	lengthErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: map[string][]broker.Message{}, kv: map[string]string{}}
}

func (b *fakeBroker) Push(ctx context.Context, queue string, msg broker.Message) (int64, error) {
	if b.pushErr != nil {
		return 0, b.pushErr
	}
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
	defer b.mu.Unlock()
	q := b.queues[queue]
	if len(q) == 0 {
		return nil, nil
	}
	m := q[0]
	b.queues[queue] = q[1:]
	return &m, nil
}

func (b *fakeBroker) Length(ctx context.Context, queue string) (int64, error) {
	if b.lengthErr != nil {
		return 0, b.lengthErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[queue])), nil
}

func (b *fakeBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv[key] = value
	return nil
}

func (b *fakeBroker) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.kv[key]
	return v, ok, nil
}

func (b *fakeBroker) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

func (b *fakeBroker) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.kv[key]
	return ok, nil
}

func (b *fakeBroker) AcquireLease(ctx context.Context, name string, ttl, blockingTimeout time.Duration) (string, bool, error) {
	return "token", true, nil
}

func (b *fakeBroker) ReleaseLease(ctx context.Context, name, token string) error { return nil }

func (b *fakeBroker) Close() error { return nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeBroker) {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	s := store.New(db)
	require.NoError(t, s.Migrate(context.Background()))

	fb := newFakeBroker()
	cfg := config.Config{JobQueueName: "jobs:queue", JobDLQName: "jobs:dlq", MaxRetries: 3}
	return New(s, fb, cfg), fb
}

func TestSubmit_WritesStoreThenBroker(t *testing.T) {
	d, fb := newTestDispatcher(t)
	ctx := context.Background()

	job, err := d.Submit(ctx, JobCreate{Kind: store.KindEmail, Payload: store.JSONMap{"to": "a@x.com"}, Priority: 5})
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, job.Status)
	require.Equal(t, 3, job.MaxAttempts)

	depth, err := fb.Length(ctx, "jobs:queue")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestSubmit_BrokerFailureMarksJobFailed(t *testing.T) {
	d, fb := newTestDispatcher(t)
	fb.pushErr = errors.New("boom")

	_, err := d.Submit(context.Background(), JobCreate{Kind: store.KindEmail})
	require.Error(t, err)

	jobs, err := d.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, store.StatusFailed, jobs[0].Status)
	require.NotNil(t, jobs[0].Error)
	require.Equal(t, "enqueue failed", *jobs[0].Error)
}

func TestRetry_RefusesNonFailedJob(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	job, err := d.Submit(ctx, JobCreate{Kind: store.KindWebhook})
	require.NoError(t, err)

	_, err = d.Retry(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotRetriable)
}

func TestRetry_RefusesWhenAttemptsExhausted(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	job, err := d.Submit(ctx, JobCreate{Kind: store.KindWebhook, MaxAttempts: 2})
	require.NoError(t, err)

	failed := store.StatusFailed
	exhausted := 2
	_, err = d.store.Update(ctx, job.ID, store.Patch{Status: &failed, Attempts: &exhausted})
	require.NoError(t, err)

	_, err = d.Retry(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotRetriable)
}

func TestRetry_RequeuesAndIncrementsAttempts(t *testing.T) {
	d, fb := newTestDispatcher(t)
	ctx := context.Background()

	job, err := d.Submit(ctx, JobCreate{Kind: store.KindWebhook, MaxAttempts: 3})
	require.NoError(t, err)

	failed := store.StatusFailed
	one := 1
	_, err = d.store.Update(ctx, job.ID, store.Patch{Status: &failed, Attempts: &one})
	require.NoError(t, err)

	updated, err := d.Retry(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, updated.Status)
	require.Equal(t, 2, updated.Attempts)
	require.Nil(t, updated.Error)

	depth, err := fb.Length(ctx, "jobs:queue")
	require.NoError(t, err)
	require.Equal(t, int64(2), depth) // original submit push + retry push
}

func TestStats_ComputesSuccessRate(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	j1, err := d.Submit(ctx, JobCreate{Kind: store.KindWebhook})
	require.NoError(t, err)
	j2, err := d.Submit(ctx, JobCreate{Kind: store.KindWebhook})
	require.NoError(t, err)

	completed := store.StatusCompleted
	failed := store.StatusFailed
	_, err = d.store.Update(ctx, j1.ID, store.Patch{Status: &completed})
	require.NoError(t, err)
	_, err = d.store.Update(ctx, j2.ID, store.Patch{Status: &failed})
	require.NoError(t, err)

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Total)
	require.Equal(t, 0.5, stats.SuccessRate)
}
