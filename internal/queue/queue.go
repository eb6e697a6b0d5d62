package queue

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/relay-bot/internal/models"
)

var (
	ErrQueueStarted    = errors.New("queue: already started")
	ErrQueueStopped    = errors.New("queue: stopped")
	ErrNoHandler       = errors.New("queue: no handler registered")
	ErrStopTimeout     = errors.New("queue: stop timeout")
	ErrEnqueueCanceled = errors.New("queue: enqueue canceled")
)

const (
	DefaultConcurrency        = 5
	DefaultMaxAttempts        = 3
	DefaultBackoffBase        = time.Second
	DefaultCompletedRetention = 100
	DefaultFailedRetention    = 20
	DefaultStallInterval      = 30 * time.Second
)

// Config holds the retry, concurrency, and retention policy shared by all
// queue implementations.
type Config struct {
	Concurrency        int
	MaxAttempts        int
	BackoffBase        time.Duration
	CompletedRetention int
	FailedRetention    int
	StallInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = DefaultCompletedRetention
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = DefaultFailedRetention
	}
	if c.StallInterval <= 0 {
		c.StallInterval = DefaultStallInterval
	}
	return c
}

// backoff returns the delay before the given retry. The first retry waits
// the base delay, doubling on every further attempt.
func (c Config) backoff(attempt int) time.Duration {
	delay := c.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Options are the per-job enqueue knobs.
type Options struct {
	Priority int
	Delay    time.Duration
}

// Job is one unit of asynchronous work handed to the registered handler.
type Job struct {
	ID       string
	Payload  models.JobPayload
	Attempt  int // 1-based
	progress func(percent int)
}

// ReportProgress emits a monotonic 0-100 checkpoint and refreshes the
// job's liveness for stall detection.
func (j *Job) ReportProgress(percent int) {
	if j.progress != nil {
		j.progress(percent)
	}
}

// Handler processes a single job. Returning an error triggers the queue's
// retry policy; returning nil marks the job completed.
type Handler func(ctx context.Context, job *Job) error

// Events carries the optional observer callbacks. All callbacks are invoked
// from worker goroutines and must be safe for concurrent use.
type Events struct {
	OnStarted   func(jobID string, attempt int)
	OnProgress  func(jobID string, percent int)
	OnCompleted func(jobID string)
	OnFailed    func(jobID string, attempt int, err error)
	OnStalled   func(jobID string)
}

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	Waiting   int    `json:"waiting"`
	Delayed   int    `json:"delayed"`
	Active    int    `json:"active"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
}

// Queue is a durable, at-least-once work queue for inbound-message jobs. A
// job counts as done only when the handler returns without error; handler
// failures are redelivered with exponential backoff up to the attempt
// limit, then parked in a terminal failed state.
type Queue interface {
	Enqueue(ctx context.Context, payload models.JobPayload, opts Options) (string, error)
	Register(handler Handler)
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Stats() Stats
}
