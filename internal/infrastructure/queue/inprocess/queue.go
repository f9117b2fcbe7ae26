package inprocess

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

var errQueueClosed = errors.New("queue closed")

type envelope struct {
	job       domain.EnrichmentJob
	delivered int
}

// Queue is a bounded in-memory job queue drained by a fixed worker pool.
// Jobs are lost on process exit; records left in uploaded are picked up
// again by the reconciler.
type Queue struct {
	logger     *slog.Logger
	workers    int
	timeout    time.Duration
	maxDeliver int
	retryDelay time.Duration

	ch chan envelope
	wg sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan envelope, n)
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithRedelivery retries a failed job up to maxDeliver deliveries in total,
// waiting delay multiplied by the delivery count between attempts.
func WithRedelivery(maxDeliver int, delay time.Duration) Option {
	return func(q *Queue) {
		if maxDeliver > 0 {
			q.maxDeliver = maxDeliver
		}
		if delay >= 0 {
			q.retryDelay = delay
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		logger:     logger,
		workers:    4,
		timeout:    2 * time.Minute,
		maxDeliver: 5,
		retryDelay: 5 * time.Second,
		ch:         make(chan envelope, 256),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue never blocks. A full or closed queue yields ErrTemporary.
func (q *Queue) Enqueue(_ context.Context, job domain.EnrichmentJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return q.offer(envelope{job: job})
}

func (q *Queue) offer(env envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return domain.WrapError(domain.ErrTemporary, "enqueue", errQueueClosed)
	}
	select {
	case q.ch <- env:
		return nil
	default:
		q.logger.Warn("queue_full", "file_id", env.job.FileID, "capacity", cap(q.ch))
		return domain.WrapError(domain.ErrTemporary, "enqueue", errors.New("queue full"))
	}
}

// Len reports the number of buffered jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Consume runs the worker pool until ctx is cancelled or the queue is shut down.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, domain.EnrichmentJob) error) error {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(workerID int) {
			defer q.wg.Done()
			q.logger.Info("worker_started", "worker_id", workerID)
			for {
				if ctx.Err() != nil {
					q.logger.Info("worker_stopped", "worker_id", workerID)
					return
				}
				select {
				case <-ctx.Done():
					q.logger.Info("worker_stopped", "worker_id", workerID)
					return
				case env, ok := <-q.ch:
					if !ok {
						q.logger.Info("worker_stopped", "worker_id", workerID)
						return
					}
					q.process(ctx, workerID, env, handler)
				}
			}
		}(i + 1)
	}
	q.wg.Wait()
	return nil
}

func (q *Queue) process(ctx context.Context, workerID int, env envelope, handler func(context.Context, domain.EnrichmentJob) error) {
	env.delivered++
	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	err := handler(jobCtx, env.job)
	cancel()
	if err == nil {
		return
	}
	if env.delivered >= q.maxDeliver || ctx.Err() != nil {
		q.logger.Error("job_dropped",
			"worker_id", workerID,
			"file_id", env.job.FileID,
			"delivered", env.delivered,
			"error", err,
		)
		return
	}

	delay := q.retryDelay * time.Duration(env.delivered)
	q.logger.Warn("job_redelivery",
		"worker_id", workerID,
		"file_id", env.job.FileID,
		"delivered", env.delivered,
		"delay_ms", delay.Milliseconds(),
		"error", err,
	)
	time.AfterFunc(delay, func() {
		if err := q.offer(env); err != nil {
			q.logger.Warn("job_redelivery_failed", "file_id", env.job.FileID, "error", err)
		}
	})
}

// Shutdown stops accepting jobs and waits for the workers to exit. Workers that are still
// consuming drain the buffer first; once their context is cancelled they stop immediately
// and whatever is still buffered is left for the reconciler.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("queue_shutdown_interrupted")
	case <-done:
		if left := len(q.ch); left > 0 {
			q.logger.Warn("queue_jobs_left", "count", left)
			return
		}
		q.logger.Info("queue_drained")
	}
}
