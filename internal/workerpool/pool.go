// Package workerpool implements the worker pool: a set of long-lived
// workers sharing one Broker Client, one Store, and one Handler
// Registry, each driving jobs through the lease → process → retry/DLQ
// state machine.
package workerpool

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/arjunv/jobdispatch/internal/broker"
	"github.com/arjunv/jobdispatch/internal/config"
	"github.com/arjunv/jobdispatch/internal/registry"
	"github.com/arjunv/jobdispatch/internal/store"
)

// inFlightPollInterval is how often a worker re-checks its in-flight
// budget once at capacity.
const inFlightPollInterval = 100 * time.Millisecond

// brokerErrBackoff is how long a worker sleeps after a broker error
// before retrying its loop. The worker never exits on transient errors.
const brokerErrBackoff = 1 * time.Second

// Pool owns N long-lived workers. Start spawns them; Stop signals them
// to quiesce and waits for in-flight executions to finish.
type Pool struct {
	store    *store.Store
	broker   broker.Broker
	registry *registry.Registry
	cfg      config.Config

	workers []*worker
	wg      sync.WaitGroup

	cancel context.CancelFunc
}

func New(s *store.Store, b broker.Broker, r *registry.Registry, cfg config.Config) *Pool {
	return &Pool{store: s, broker: b, registry: r, cfg: cfg}
}

// Start spawns cfg.WorkerCount workers, each budgeted
// floor(WorkerConcurrency / WorkerCount) concurrent job executions
// (minimum 1), and returns immediately; workers run until Stop.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	n := p.cfg.WorkerCount
	if n <= 0 {
		n = 1
	}
	capacity := p.cfg.WorkerConcurrency / n
	if capacity < 1 {
		capacity = 1
	}

	pollInterval := time.Duration(p.cfg.WorkerPollInterval) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	leaseTTL := time.Duration(p.cfg.LeaseTTL) * time.Second
	if leaseTTL <= 0 {
		leaseTTL = 300 * time.Second
	}

	p.workers = make([]*worker, 0, n)
	for i := 0; i < n; i++ {
		w := &worker{
			id:           i,
			store:        p.store,
			broker:       p.broker,
			registry:     p.registry,
			queue:        p.cfg.JobQueueName,
			dlq:          p.cfg.JobDLQName,
			pollInterval: pollInterval,
			leaseTTL:     leaseTTL,
			retryDelay:   time.Duration(p.cfg.RetryDelay) * time.Second,
			capacity:     capacity,
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(runCtx)
		}()
	}
}

// Stop cancels every worker's context and blocks until all in-flight
// Process calls have returned. There is no forced abort: a handler
// already running finishes on its own.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func logf(format string, args ...any) {
	log.Printf("[workerpool] "+format, args...)
}
