package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/relay-bot/internal/models"
	"go.uber.org/zap"
)

type queuedJob struct {
	id      string
	payload models.JobPayload
	attempt int // completed attempts so far
}

// MemoryQueue is an in-process Queue used for tests and for running
// without a Redis broker. Delivery is at-least-once within the process but
// jobs do not survive a restart.
type MemoryQueue struct {
	cfg    Config
	events Events
	logger *zap.Logger

	mu       sync.Mutex
	handler  Handler
	jobs     chan queuedJob
	started  bool
	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	timers   map[string]*time.Timer
	beats    map[string]time.Time

	waiting   atomic.Int64
	delayed   atomic.Int64
	active    atomic.Int64
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

func NewMemoryQueue(cfg Config, events Events, logger *zap.Logger) *MemoryQueue {
	cfg = cfg.withDefaults()
	return &MemoryQueue{
		cfg:    cfg,
		events: events,
		logger: logger,
		jobs:   make(chan queuedJob, 256),
		timers: make(map[string]*time.Timer),
		beats:  make(map[string]time.Time),
	}
}

func (q *MemoryQueue) Register(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload models.JobPayload, opts Options) (string, error) {
	q.mu.Lock()
	stopping := q.stopping
	q.mu.Unlock()
	if stopping {
		return "", ErrQueueStopped
	}

	job := queuedJob{id: uuid.New().String(), payload: payload}
	q.enqueued.Add(1)

	if opts.Delay > 0 {
		q.scheduleLater(job, opts.Delay)
		return job.id, nil
	}

	select {
	case q.jobs <- job:
		q.waiting.Add(1)
		return job.id, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrEnqueueCanceled, ctx.Err())
	}
}

func (q *MemoryQueue) scheduleLater(job queuedJob, delay time.Duration) {
	q.delayed.Add(1)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.timers[job.id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, job.id)
		stopping := q.stopping
		q.mu.Unlock()

		q.delayed.Add(-1)
		if stopping {
			return
		}
		q.jobs <- job
		q.waiting.Add(1)
	})
}

func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrQueueStarted
	}
	if q.handler == nil {
		return ErrNoHandler
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.started = true
	q.stopping = false

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
	q.wg.Add(1)
	go q.stallScanner(runCtx)

	return nil
}

func (q *MemoryQueue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.cancel = nil
	q.started = false
	q.stopping = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if len(q.jobs) == 0 && q.active.Load() == 0 {
			cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				q.wg.Wait()
			}()
			select {
			case <-done:
				return nil
			case <-deadline:
				return ErrStopTimeout
			}
		}
		select {
		case <-deadline:
			cancel()
			return ErrStopTimeout
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) Stats() Stats {
	return Stats{
		Waiting:   int(q.waiting.Load()),
		Delayed:   int(q.delayed.Load()),
		Active:    int(q.active.Load()),
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Retried:   q.retried.Load(),
	}
}

func (q *MemoryQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.jobs:
			q.waiting.Add(-1)
			q.runOnce(ctx, item)
		}
	}
}

func (q *MemoryQueue) runOnce(ctx context.Context, item queuedJob) {
	attempt := item.attempt + 1
	q.active.Add(1)
	q.beat(item.id)
	defer func() {
		q.active.Add(-1)
		q.clearBeat(item.id)
	}()

	if q.events.OnStarted != nil {
		q.events.OnStarted(item.id, attempt)
	}

	job := &Job{
		ID:      item.id,
		Payload: item.payload,
		Attempt: attempt,
		progress: func(percent int) {
			q.beat(item.id)
			if q.events.OnProgress != nil {
				q.events.OnProgress(item.id, percent)
			}
		},
	}

	err := q.handler(ctx, job)
	if err == nil {
		q.completed.Add(1)
		if q.events.OnCompleted != nil {
			q.events.OnCompleted(item.id)
		}
		return
	}

	if ctx.Err() != nil {
		// Shutdown raced the handler; the job is lost for this process,
		// which the at-least-once contract allows only because a durable
		// deployment uses the Redis queue.
		return
	}

	q.logger.Warn("Job handler failed",
		zap.String("job_id", item.id),
		zap.Int("attempt", attempt),
		zap.Error(err))

	if attempt >= q.cfg.MaxAttempts {
		q.failed.Add(1)
		if q.events.OnFailed != nil {
			q.events.OnFailed(item.id, attempt, err)
		}
		return
	}

	q.retried.Add(1)
	q.scheduleLater(queuedJob{id: item.id, payload: item.payload, attempt: attempt}, q.cfg.backoff(attempt))
}

func (q *MemoryQueue) beat(jobID string) {
	q.mu.Lock()
	q.beats[jobID] = time.Now()
	q.mu.Unlock()
}

func (q *MemoryQueue) clearBeat(jobID string) {
	q.mu.Lock()
	delete(q.beats, jobID)
	q.mu.Unlock()
}

// stallScanner logs a warning for active jobs that stopped reporting
// liveness. Stalling alone never triggers a retry.
func (q *MemoryQueue) stallScanner(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.StallInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-q.cfg.StallInterval)
			q.mu.Lock()
			var stalled []string
			for id, beat := range q.beats {
				if beat.Before(cutoff) {
					stalled = append(stalled, id)
				}
			}
			q.mu.Unlock()

			for _, id := range stalled {
				q.logger.Warn("Job appears stalled", zap.String("job_id", id))
				if q.events.OnStalled != nil {
					q.events.OnStalled(id)
				}
			}
		}
	}
}
