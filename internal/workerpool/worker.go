package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arjunv/jobdispatch/internal/broker"
	"github.com/arjunv/jobdispatch/internal/registry"
	"github.com/arjunv/jobdispatch/internal/store"
)

type worker struct {
	id       int
	store    *store.Store
	broker   broker.Broker
	registry *registry.Registry

	queue string
	dlq   string

	pollInterval time.Duration
	leaseTTL     time.Duration
	retryDelay   time.Duration
	capacity     int

	inFlight int64
	tasks    sync.WaitGroup
}

// run is the per-worker loop: gate on capacity, blocking-pop, launch
// process as a concurrent task. It returns once ctx is cancelled and
// every launched task has completed.
func (w *worker) run(ctx context.Context) {
	defer w.tasks.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if atomic.LoadInt64(&w.inFlight) >= int64(w.capacity) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(inFlightPollInterval):
			}
			continue
		}

		msg, err := w.broker.BlockingPop(ctx, w.queue, w.pollInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logf("worker %d: broker error: %v", w.id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(brokerErrBackoff):
			}
			continue
		}
		if msg == nil {
			continue
		}

		atomic.AddInt64(&w.inFlight, 1)
		w.tasks.Add(1)
		go func(m broker.Message) {
			defer w.tasks.Done()
			defer atomic.AddInt64(&w.inFlight, -1)
			w.process(ctx, m)
		}(*msg)
	}
}

// process drives the per-job state machine step by step: lease, mark
// processing, look up and run the handler, then record success or route
// into the retry/DLQ branch. It is the heart of the dispatch engine.
func (w *worker) process(ctx context.Context, msg broker.Message) {
	leaseName := "job:" + msg.ID
	token, acquired, err := w.broker.AcquireLease(ctx, leaseName, w.leaseTTL, 0)
	if err != nil {
		logf("worker %d: lease acquire error for %s: %v", w.id, msg.ID, err)
		return
	}
	if !acquired {
		// Another worker already holds the lease; drop silently.
		return
	}
	defer func() {
		// Release with a fresh context: the worker's ctx may already be
		// cancelled on shutdown, but the lease must still be freed.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.broker.ReleaseLease(relCtx, leaseName, token); err != nil {
			logf("worker %d: lease release error for %s: %v", w.id, msg.ID, err)
		}
	}()

	processing := store.StatusProcessing
	if _, err := w.store.Update(ctx, msg.ID, store.Patch{Status: &processing}); err != nil {
		logf("worker %d: mark processing failed for %s: %v", w.id, msg.ID, err)
		return
	}

	job, err := w.store.Get(ctx, msg.ID)
	if err != nil {
		logf("worker %d: reload job failed for %s: %v", w.id, msg.ID, err)
		return
	}

	handler, err := w.registry.Lookup(job.Kind)
	var result store.JSONMap
	var handlerErr error
	if err != nil {
		handlerErr = fmt.Errorf("no handler")
	} else {
		result, handlerErr = handler(ctx, job)
	}

	if handlerErr == nil {
		completed := store.StatusCompleted
		if _, err := w.store.Update(ctx, msg.ID, store.Patch{Status: &completed, Result: result}); err != nil {
			logf("worker %d: mark completed failed for %s: %v", w.id, msg.ID, err)
		}
		return
	}

	w.handleFailure(ctx, job, msg, handlerErr)
}

// handleFailure retries with exponential backoff while attempts remain,
// otherwise marks the job Failed and pushes exactly one DLQ entry.
func (w *worker) handleFailure(ctx context.Context, job *store.Job, msg broker.Message, handlerErr error) {
	errStr := handlerErr.Error()
	nextAttempts := job.Attempts + 1

	if nextAttempts <= job.MaxAttempts {
		retrying := store.StatusRetrying
		if _, err := w.store.Update(ctx, job.ID, store.Patch{
			Status:   &retrying,
			Attempts: &nextAttempts,
			Error:    &errStr,
		}); err != nil {
			logf("worker %d: mark retrying failed for %s: %v", w.id, job.ID, err)
			return
		}

		delay := backoff(w.retryDelay, nextAttempts)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Stop mid-backoff: leave the job Retrying with the
			// incremented attempts and do not re-enqueue. Nothing
			// currently sweeps these back onto the broker.
			return
		}

		if _, err := w.broker.Push(ctx, w.queue, broker.Message{
			ID:       job.ID,
			Kind:     string(job.Kind),
			Payload:  job.Payload,
			Priority: job.Priority,
			Attempts: nextAttempts,
		}); err != nil {
			logf("worker %d: re-enqueue failed for %s: %v", w.id, job.ID, err)
		}
		return
	}

	failed := store.StatusFailed
	if _, err := w.store.Update(ctx, job.ID, store.Patch{Status: &failed, Error: &errStr}); err != nil {
		logf("worker %d: mark failed failed for %s: %v", w.id, job.ID, err)
	}

	if err := w.broker.PushDLQ(ctx, w.dlq, broker.DLQMessage{
		Message: broker.Message{
			ID:       job.ID,
			Kind:     string(job.Kind),
			Payload:  job.Payload,
			Priority: job.Priority,
			Attempts: job.Attempts,
		},
		Error:    errStr,
		FailedAt: time.Now(),
	}); err != nil {
		logf("worker %d: DLQ push failed for %s: %v", w.id, job.ID, err)
	}
}

// backoff computes RETRY_DELAY · 2^(attempts-1).
func backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(1<<uint(attempts-1))
}
