package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xaenox/relay-bot/internal/models"
	"go.uber.org/zap"
)

// RedisQueue is the durable Queue backed by a Redis broker. Jobs are JSON
// blobs moved between a waiting list, a delayed zset (scored by ready
// time), and an active list; completed and failed jobs are kept on bounded
// lists for inspection.
type RedisQueue struct {
	client *redis.Client
	prefix string
	cfg    Config
	events Events
	logger *zap.Logger

	mu      sync.Mutex
	handler Handler
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

type redisJob struct {
	ID       string            `json:"id"`
	Payload  models.JobPayload `json:"payload"`
	Attempt  int               `json:"attempt"`
	Priority int               `json:"priority"`
	Error    string            `json:"error,omitempty"`
	DoneAt   time.Time         `json:"doneAt,omitempty"`
}

// NewRedisQueue connects to the broker at redisURL and verifies the
// connection before returning.
func NewRedisQueue(redisURL, prefix string, cfg Config, events Events, logger *zap.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if prefix == "" {
		prefix = "relay:messages"
	}

	return &RedisQueue{
		client: client,
		prefix: prefix,
		cfg:    cfg.withDefaults(),
		events: events,
		logger: logger,
	}, nil
}

func (q *RedisQueue) key(suffix string) string {
	return q.prefix + ":" + suffix
}

func (q *RedisQueue) Register(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload models.JobPayload, opts Options) (string, error) {
	job := redisJob{
		ID:       uuid.New().String(),
		Payload:  payload,
		Priority: opts.Priority,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := q.client.ZAdd(ctx, q.key("delayed"), redis.Z{Score: readyAt, Member: data}).Err(); err != nil {
			return "", fmt.Errorf("enqueue delayed job: %w", err)
		}
	} else if err := q.push(ctx, data, opts.Priority); err != nil {
		return "", err
	}

	q.enqueued.Add(1)
	return job.ID, nil
}

// push appends to the waiting list; high-priority jobs jump to the
// consuming end.
func (q *RedisQueue) push(ctx context.Context, data []byte, priority int) error {
	var err error
	if priority > 0 {
		err = q.client.RPush(ctx, q.key("waiting"), data).Err()
	} else {
		err = q.client.LPush(ctx, q.key("waiting"), data).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Start(ctx context.Context) error {
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

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
	q.wg.Add(1)
	go q.promoteDelayed(runCtx)
	q.wg.Add(1)
	go q.stallScanner(runCtx)

	return nil
}

func (q *RedisQueue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.cancel = nil
	q.started = false
	q.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	select {
	case <-done:
		return q.client.Close()
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

func (q *RedisQueue) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	waiting, _ := q.client.LLen(ctx, q.key("waiting")).Result()
	delayed, _ := q.client.ZCard(ctx, q.key("delayed")).Result()
	active, _ := q.client.LLen(ctx, q.key("active")).Result()

	return Stats{
		Waiting:   int(waiting),
		Delayed:   int(delayed),
		Active:    int(active),
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Retried:   q.retried.Load(),
	}
}

func (q *RedisQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		// Atomically claim the next job so a worker crash leaves it on the
		// active list for the stall scanner to notice.
		data, err := q.client.BLMove(ctx, q.key("waiting"), q.key("active"), "RIGHT", "LEFT", 2*time.Second).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Error("Failed to claim job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		q.runOnce(ctx, data)
	}
}

func (q *RedisQueue) runOnce(ctx context.Context, data string) {
	var job redisJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		q.logger.Error("Dropping undecodable job", zap.Error(err))
		q.client.LRem(context.Background(), q.key("active"), 1, data)
		return
	}

	attempt := job.Attempt + 1
	q.heartbeat(ctx, job.ID)

	if q.events.OnStarted != nil {
		q.events.OnStarted(job.ID, attempt)
	}

	handlerJob := &Job{
		ID:      job.ID,
		Payload: job.Payload,
		Attempt: attempt,
		progress: func(percent int) {
			q.heartbeat(ctx, job.ID)
			if q.events.OnProgress != nil {
				q.events.OnProgress(job.ID, percent)
			}
		},
	}

	err := q.handler(ctx, handlerJob)

	// Cleanup runs against a fresh context so a canceled worker still
	// removes its claim.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q.client.LRem(cleanupCtx, q.key("active"), 1, data)
	q.client.HDel(cleanupCtx, q.key("heartbeats"), job.ID)

	if err == nil {
		q.completed.Add(1)
		q.record(cleanupCtx, "completed", job, attempt, nil, q.cfg.CompletedRetention)
		if q.events.OnCompleted != nil {
			q.events.OnCompleted(job.ID)
		}
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the handler; requeue so another worker
		// redelivers after restart.
		job.Attempt = attempt - 1
		if requeued, mErr := json.Marshal(job); mErr == nil {
			q.client.LPush(cleanupCtx, q.key("waiting"), requeued)
		}
		return
	}

	q.logger.Warn("Job handler failed",
		zap.String("job_id", job.ID),
		zap.Int("attempt", attempt),
		zap.Error(err))

	if attempt >= q.cfg.MaxAttempts {
		q.failed.Add(1)
		q.record(cleanupCtx, "failed", job, attempt, err, q.cfg.FailedRetention)
		if q.events.OnFailed != nil {
			q.events.OnFailed(job.ID, attempt, err)
		}
		return
	}

	q.retried.Add(1)
	job.Attempt = attempt
	retryData, mErr := json.Marshal(job)
	if mErr != nil {
		q.logger.Error("Failed to encode retry job", zap.Error(mErr))
		return
	}
	readyAt := float64(time.Now().Add(q.cfg.backoff(attempt)).UnixMilli())
	if zErr := q.client.ZAdd(cleanupCtx, q.key("delayed"), redis.Z{Score: readyAt, Member: retryData}).Err(); zErr != nil {
		q.logger.Error("Failed to schedule retry", zap.String("job_id", job.ID), zap.Error(zErr))
	}
}

func (q *RedisQueue) record(ctx context.Context, state string, job redisJob, attempt int, cause error, retention int) {
	job.Attempt = attempt
	job.DoneAt = time.Now()
	if cause != nil {
		job.Error = cause.Error()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	pipe := q.client.Pipeline()
	pipe.LPush(ctx, q.key(state), data)
	pipe.LTrim(ctx, q.key(state), 0, int64(retention-1))
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("Failed to record job outcome", zap.String("state", state), zap.Error(err))
	}
}

func (q *RedisQueue) heartbeat(ctx context.Context, jobID string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := q.client.HSet(ctx, q.key("heartbeats"), jobID, now).Err(); err != nil && ctx.Err() == nil {
		q.logger.Warn("Failed to record heartbeat", zap.String("job_id", jobID), zap.Error(err))
	}
}

// promoteDelayed moves due jobs from the delayed zset onto the waiting
// list.
func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: 64,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Error("Failed to scan delayed jobs", zap.Error(err))
			}
			continue
		}

		for _, data := range due {
			// Only the remover promotes, so two instances never double-
			// deliver the same delayed entry.
			removed, err := q.client.ZRem(ctx, q.key("delayed"), data).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.client.LPush(ctx, q.key("waiting"), data).Err(); err != nil {
				q.logger.Error("Failed to promote delayed job", zap.Error(err))
			}
		}
	}
}

// stallScanner warns about active jobs whose heartbeat is older than the
// stall interval. Stalling is reported, never retried by itself.
func (q *RedisQueue) stallScanner(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.StallInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		beats, err := q.client.HGetAll(ctx, q.key("heartbeats")).Result()
		if err != nil {
			continue
		}

		cutoff := time.Now().Add(-q.cfg.StallInterval).UnixMilli()
		for jobID, raw := range beats {
			beat, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || beat >= cutoff {
				continue
			}
			q.logger.Warn("Job appears stalled", zap.String("job_id", jobID))
			if q.events.OnStalled != nil {
				q.events.OnStalled(jobID)
			}
		}
	}
}
