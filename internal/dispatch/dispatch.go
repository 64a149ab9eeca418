// Package dispatch implements the Dispatcher: the Submit and Retry entry
// points an external HTTP layer calls, plus the read-side queries
// (Get/List/Stats) that layer needs.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/arjunv/jobdispatch/internal/broker"
	"github.com/arjunv/jobdispatch/internal/common"
	"github.com/arjunv/jobdispatch/internal/config"
	"github.com/arjunv/jobdispatch/internal/store"
)

// ErrNotRetriable is returned by Retry when the job is not in Failed
// status or has already exhausted its retries.
var ErrNotRetriable = errors.New("dispatch: job is not failed or has exhausted retries")

// ErrNotFound re-exports store.ErrNotFound so callers only need to import
// this package.
var ErrNotFound = store.ErrNotFound

// JobCreate is the submitter-facing request shape.
type JobCreate struct {
	Kind        store.Kind
	Payload     store.JSONMap
	Priority    int
	MaxAttempts int
}

// Stats is the aggregate view the HTTP layer's stats endpoint returns:
// per-status counts plus the broker's current queue depth and the
// derived success rate.
type Stats struct {
	Total       int64                  `json:"total"`
	PerStatus   map[store.Status]int64 `json:"per_status"`
	QueueDepth  int64                  `json:"queue_depth"`
	SuccessRate float64                `json:"success_rate"`
}

// Dispatcher ties the Store and Broker together behind the operations
// the HTTP layer needs. It holds no other state.
type Dispatcher struct {
	store  *store.Store
	broker broker.Broker
	cfg    config.Config
}

func New(s *store.Store, b broker.Broker, cfg config.Config) *Dispatcher {
	return &Dispatcher{store: s, broker: b, cfg: cfg}
}

// Submit writes the durable record before publishing to the broker, so a
// worker can never observe a message with no backing record. If the
// broker push fails after the Store write, the job is marked Failed
// with error "enqueue failed" and the error is returned to the caller —
// a crash between the two writes still leaves a Queued record with no
// broker message, an unfixed gap left for a future reconciler.
func (d *Dispatcher) Submit(ctx context.Context, req JobCreate) (*store.Job, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxRetries
	}

	job := &store.Job{
		ID:          id,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: maxAttempts,
	}
	if err := d.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	_, err = d.broker.Push(ctx, d.cfg.JobQueueName, broker.Message{
		ID:       job.ID,
		Kind:     string(job.Kind),
		Payload:  job.Payload,
		Priority: job.Priority,
		Attempts: 0,
	})
	if err != nil {
		msg := "enqueue failed"
		failed := store.StatusFailed
		// Best-effort: if this second write also fails the record is
		// left Queued with no broker message, the same gap noted above.
		_, _ = d.store.Update(ctx, job.ID, store.Patch{Status: &failed, Error: &msg})
		return nil, fmt.Errorf("%s: %w", msg, err)
	}

	return d.store.Get(ctx, job.ID)
}

// Retry re-opens a Failed job that has not exhausted its retries,
// incrementing attempts and re-publishing it.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*store.Job, error) {
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != store.StatusFailed || job.Attempts >= job.MaxAttempts {
		return nil, ErrNotRetriable
	}

	nextAttempts := job.Attempts + 1
	queued := store.StatusQueued
	updated, err := d.store.Update(ctx, id, store.Patch{
		Status:     &queued,
		Attempts:   &nextAttempts,
		ClearError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	_, err = d.broker.Push(ctx, d.cfg.JobQueueName, broker.Message{
		ID:       updated.ID,
		Kind:     string(updated.Kind),
		Payload:  updated.Payload,
		Priority: updated.Priority,
		Attempts: updated.Attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}

	return updated, nil
}

func (d *Dispatcher) Get(ctx context.Context, id string) (*store.Job, error) {
	return d.store.Get(ctx, id)
}

func (d *Dispatcher) List(ctx context.Context, f store.Filter) ([]store.Job, error) {
	return d.store.List(ctx, f)
}

// Stats reports per-status counts, the broker's current queue depth, and
// a derived success rate.
func (d *Dispatcher) Stats(ctx context.Context) (*Stats, error) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	depth, err := d.broker.Length(ctx, d.cfg.JobQueueName)
	if err != nil {
		return nil, err
	}

	var total, completed, failed int64
	for status, n := range counts {
		total += n
		switch status {
		case store.StatusCompleted:
			completed = n
		case store.StatusFailed:
			failed = n
		}
	}

	var successRate float64
	if denom := completed + failed; denom > 0 {
		successRate = float64(completed) / float64(denom)
	}

	return &Stats{
		Total:       total,
		PerStatus:   counts,
		QueueDepth:  depth,
		SuccessRate: successRate,
	}, nil
}
