// Package queue runs background jobs with bounded concurrency, exponential
// backoff retries and duplicate suppression by job key.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/kvstore"
	"github.com/baptistecolle/cmdclaw-sub005/internal/metrics"
)

// ErrFull is returned when the job buffer has no room.
var ErrFull = errors.New("queue: full")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

const bufferSize = 1024

// Job is a unit of background work.
type Job struct {
	// Key suppresses duplicate enqueues while it is remembered. Empty keys
	// are never deduplicated.
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

// Options configures a Queue.
type Options struct {
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	// DedupeTTL is how long a job key is remembered after enqueue.
	DedupeTTL time.Duration
}

// Queue is an in-process job queue.
type Queue struct {
	jobs  chan Job
	keys  kvstore.Store
	opts  Options
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a queue. keys remembers job keys for duplicate suppression.
func New(keys kvstore.Store, opts Options, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 24 * time.Hour
	}
	return &Queue{
		jobs:  make(chan Job, bufferSize),
		keys:  keys,
		opts:  opts,
		log:   log.With(zap.String("component", "queue")),
		sleep: sleepCtx,
	}
}

// Start launches the workers. They stop when ctx is done or the queue is
// closed and drained.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.worker(ctx)
		}()
	}
}

// Close stops accepting jobs and waits for the workers to drain the buffer.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue buffers a job. It reports false when a job with the same key was
// already enqueued within the dedupe window.
func (q *Queue) Enqueue(ctx context.Context, job Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}

	if job.Key != "" {
		_, err := q.keys.Get(ctx, dedupeKey(job.Key))
		if err == nil {
			metrics.QueueJobs.WithLabelValues("duplicate").Inc()
			return false, nil
		}
		if !errors.Is(err, kvstore.ErrNotFound) {
			return false, fmt.Errorf("failed to check job key: %w", err)
		}
	}

	select {
	case q.jobs <- job:
	default:
		return false, ErrFull
	}

	if job.Key != "" {
		if err := q.keys.Put(ctx, dedupeKey(job.Key), []byte(job.Name), q.opts.DedupeTTL); err != nil {
			q.log.Warn("failed to remember job key", zap.String("key", job.Key), zap.Error(err))
		}
	}
	metrics.QueueJobs.WithLabelValues("enqueued").Inc()
	return true, nil
}

func dedupeKey(key string) string {
	return "job:" + key
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ctx, job)
		}
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	logger := q.log.With(zap.String("job", job.Name), zap.String("key", job.Key))
	for attempt := 1; ; attempt++ {
		err := q.runOnce(ctx, job)
		if err == nil {
			metrics.QueueJobs.WithLabelValues("succeeded").Inc()
			return
		}
		if Permanent(err) {
			logger.Info("job rejected", zap.Error(err))
			metrics.QueueJobs.WithLabelValues("rejected").Inc()
			return
		}
		if attempt >= q.opts.MaxAttempts {
			logger.Error("job failed", zap.Int("attempts", attempt), zap.Error(err))
			metrics.QueueJobs.WithLabelValues("failed").Inc()
			return
		}

		delay := Backoff(q.opts.BaseBackoff, attempt)
		logger.Warn("job attempt failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
		metrics.QueueJobs.WithLabelValues("retried").Inc()
		if err := q.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (q *Queue) runOnce(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// Permanent reports whether retrying err cannot help.
func Permanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrBadRequest)
}

// Backoff returns the delay before retry number attempt (1-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return base << (attempt - 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
