// Package queue is the at-least-once consumer pool between ingestion and
// the rule evaluator. Events are deduplicated by idempotency key at
// enqueue and sharded by device id so all samples for one device
// serialize through one worker while different devices run in parallel.
package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/metrics"
	"iotguard/internal/model"
)

type Handler func(ctx context.Context, ev model.TelemetryEvent) error

// DeadLetterFunc receives jobs that exhausted every attempt. Dead
// letters are reported, never silently dropped.
type DeadLetterFunc func(ev model.TelemetryEvent, err error)

var ErrStopped = errors.New("queue stopped")

type Queue struct {
	logger     *slog.Logger
	dedupe     Deduper
	handler    Handler
	deadLetter DeadLetterFunc

	maxAttempts int
	backoff     time.Duration
	jobTimeout  time.Duration

	mu      sync.Mutex
	stopped bool
	shards  []chan model.TelemetryEvent
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(cfg config.QueueConfig, dedupe Deduper, handler Handler, deadLetter DeadLetterFunc, logger *slog.Logger) *Queue {
	shards := make([]chan model.TelemetryEvent, cfg.Shards)
	for i := range shards {
		shards[i] = make(chan model.TelemetryEvent, cfg.ShardBuffer)
	}
	return &Queue{
		logger:      logger,
		dedupe:      dedupe,
		handler:     handler,
		deadLetter:  deadLetter,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.RetryBackoff,
		jobTimeout:  cfg.JobTimeout,
		shards:      shards,
	}
}

func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	for _, ch := range q.shards {
		q.wg.Add(1)
		go func(ch chan model.TelemetryEvent) {
			defer q.wg.Done()
			for ev := range ch {
				q.process(q.ctx, ev)
			}
		}(ch)
	}
}

// Stop drains the shards: no new jobs are admitted, queued jobs finish,
// then the workers exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// Enqueue admits one telemetry event. Duplicate idempotency keys within
// the retention window are silently dropped. A deduper failure admits
// the event; the sample store's key check is the second line of defense.
func (q *Queue) Enqueue(ctx context.Context, ev model.TelemetryEvent) error {
	seen, err := q.dedupe.Seen(ctx, ev.IdempotencyKey)
	if err != nil {
		q.logger.Warn("dedupe check failed, admitting event", "err", err, "idempotency_key", ev.IdempotencyKey)
	} else if seen {
		metrics.EventsDeduplicated.Inc()
		return nil
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	ch := q.shards[shardFor(ev.Device.ExternalID, len(q.shards))]
	q.mu.Unlock()
	select {
	case ch <- ev:
		metrics.EventsIngested.WithLabelValues(ev.Source).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) process(ctx context.Context, ev model.TelemetryEvent) {
	var lastErr error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, q.jobTimeout)
		lastErr = q.handler(jobCtx, ev)
		cancel()
		if lastErr == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < q.maxAttempts {
			metrics.JobsRetried.Inc()
			q.logger.Warn("job failed, retrying",
				"attempt", attempt,
				"idempotency_key", ev.IdempotencyKey,
				"device", ev.Device.ExternalID,
				"err", lastErr,
			)
			if !backoffSleep(ctx, time.Duration(attempt)*q.backoff) {
				break
			}
		}
	}
	metrics.JobsDeadLettered.Inc()
	q.logger.Error("job dead-lettered",
		"idempotency_key", ev.IdempotencyKey,
		"device", ev.Device.ExternalID,
		"err", lastErr,
	)
	if q.deadLetter != nil {
		q.deadLetter(ev, lastErr)
	}
}

func shardFor(deviceID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(n))
}

func backoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
