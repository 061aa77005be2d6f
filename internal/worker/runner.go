// Package worker is the stage runtime: a Runner pulls leased jobs off one
// queue, dispatches them to the stage handler under a deadline derived from
// the lease, classifies failures onto ack/nack/reject, and fans results out
// to downstream queues and the recorder.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pantrypirate/pipeline/internal/adapter/llm"
	"github.com/pantrypirate/pipeline/internal/adapter/observability"
	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

const idleDelay = 500 * time.Millisecond

// Runner drives one queue with a fixed number of consumer goroutines.
type Runner struct {
	bus     domain.QueueBus
	handler Handler
	cfg     config.Config

	// gate pauses consumption while the LLM provider is quota-limited;
	// nil for stages without an LLM dependency.
	gate *llm.QuotaGate
	// downstream, when set, is the queue whose backlog gates our dequeues.
	downstream string
}

// NewRunner builds a Runner for the handler's queue.
func NewRunner(bus domain.QueueBus, handler Handler, cfg config.Config) *Runner {
	return &Runner{bus: bus, handler: handler, cfg: cfg}
}

// WithQuotaGate attaches the LLM quota gate.
func (r *Runner) WithQuotaGate(g *llm.QuotaGate) *Runner {
	r.gate = g
	return r
}

// WithBackpressure names the downstream queue whose pending depth throttles
// this runner once it crosses the configured highwater mark.
func (r *Runner) WithBackpressure(queue string) *Runner {
	r.downstream = queue
	return r
}

// Run consumes until the context is canceled. In-flight handlers get the
// remainder of their lease to finish; unfinished leases expire and the
// sweeper returns them to pending.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return r.consume(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) consume(ctx context.Context) error {
	queue := r.handler.Queue()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.gate != nil {
			if paused, remaining := r.gate.Paused(); paused {
				sleepCtx(ctx, minDuration(remaining, 30*time.Second))
				continue
			}
		}
		if r.downstream != "" {
			stats, err := r.bus.Stats(ctx, r.downstream)
			if err == nil && stats.Pending >= r.cfg.QueueHighwater {
				slog.Debug("backpressure pause",
					slog.String("queue", queue), slog.String("downstream", r.downstream),
					slog.Int64("pending", stats.Pending))
				sleepCtx(ctx, 2*time.Second)
				continue
			}
		}

		lease, err := r.bus.Dequeue(ctx, queue, r.cfg.QueueVisibilityTimeout)
		if errors.Is(err, domain.ErrNotFound) {
			sleepCtx(ctx, idleDelay)
			continue
		}
		if err != nil {
			slog.Error("dequeue failed", slog.String("queue", queue), slog.Any("error", err))
			sleepCtx(ctx, idleDelay)
			continue
		}
		r.process(ctx, lease)
	}
}

func (r *Runner) process(ctx context.Context, lease *domain.Lease) {
	queue := lease.Queue
	// The in-flight gauge is maintained here and only here, one increment
	// per lease for the lifetime of its handler.
	observability.JobsProcessing.WithLabelValues(queue).Inc()
	defer observability.JobsProcessing.WithLabelValues(queue).Dec()

	// Handlers get the lease minus a margin, so a slow handler times out
	// while its lease is still exclusively ours.
	deadline := lease.Deadline.Add(-r.cfg.DeadlineMargin)
	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	started := time.Now()
	out, err := r.handler.Handle(hctx, lease.Job)
	observability.JobDuration.WithLabelValues(queue).Observe(time.Since(started).Seconds())

	if err != nil {
		r.fail(ctx, lease, err)
		return
	}
	if r.gate != nil {
		r.gate.Success()
	}

	out.Result.JobID = lease.Job.ID
	if out.Result.ScraperID == "" {
		out.Result.ScraperID = lease.Job.Metadata.ScraperID
	}
	out.Result.ProducedAt = time.Now().UTC()
	out.Result.LatencyMS = time.Since(started).Milliseconds()

	for _, n := range out.Next {
		if _, err := r.bus.Enqueue(ctx, n.Queue, n.Job, lease.Job.Metadata.Priority); err != nil {
			slog.Error("downstream enqueue failed, job will retry",
				slog.String("queue", queue), slog.String("next", n.Queue), slog.Any("error", err))
			r.fail(ctx, lease, err)
			return
		}
	}
	if err := r.bus.Complete(ctx, lease.Job.ID, out.Result); err != nil {
		slog.Error("result store failed", slog.String("queue", queue), slog.Any("error", err))
	}
	if err := r.bus.Ack(ctx, lease); err != nil {
		slog.Warn("ack failed, sweeper will reclaim", slog.String("queue", queue), slog.Any("error", err))
	}
	observability.JobsCompletedTotal.WithLabelValues(queue, string(out.Result.Status)).Inc()
	r.record(ctx, out.Result)

	slog.Info("job processed",
		slog.String("queue", queue), slog.String("job_id", lease.Job.ID),
		slog.String("scraper_id", lease.Job.Metadata.ScraperID),
		slog.String("status", string(out.Result.Status)),
		slog.Int64("latency_ms", out.Result.LatencyMS))
}

// fail classifies a handler error. Malformed payloads go straight to the DLQ;
// quota exhaustion pauses the stage and releases the job; everything else is
// a nack that retries up to the queue's attempt budget.
func (r *Runner) fail(ctx context.Context, lease *domain.Lease, err error) {
	queue := lease.Queue
	switch {
	case errors.Is(err, domain.ErrSchemaInvalid) || errors.Is(err, domain.ErrInvalidArgument):
		if rerr := r.bus.Reject(ctx, lease, err.Error()); rerr != nil {
			slog.Error("reject failed", slog.String("queue", queue), slog.Any("error", rerr))
			return
		}
		result := domain.JobResult{
			JobID:      lease.Job.ID,
			ScraperID:  lease.Job.Metadata.ScraperID,
			Status:     domain.JobFailed,
			Error:      err.Error(),
			ProducedAt: time.Now().UTC(),
		}
		if cerr := r.bus.Complete(ctx, lease.Job.ID, result); cerr != nil {
			slog.Error("result store failed", slog.String("queue", queue), slog.Any("error", cerr))
		}
		observability.JobsCompletedTotal.WithLabelValues(queue, string(domain.JobFailed)).Inc()
		r.record(ctx, result)
		slog.Warn("job rejected to DLQ",
			slog.String("queue", queue), slog.String("job_id", lease.Job.ID), slog.Any("error", err))

	case errors.Is(err, domain.ErrQuotaExceeded):
		var pause time.Duration
		if r.gate != nil {
			pause = r.gate.QuotaHit()
		}
		if nerr := r.bus.Nack(ctx, lease, err.Error()); nerr != nil {
			slog.Error("nack failed", slog.String("queue", queue), slog.Any("error", nerr))
		}
		slog.Warn("provider quota exhausted, stage paused",
			slog.String("queue", queue), slog.Duration("pause", pause))

	default:
		if nerr := r.bus.Nack(ctx, lease, err.Error()); nerr != nil {
			slog.Error("nack failed", slog.String("queue", queue), slog.Any("error", nerr))
		}
		slog.Warn("job failed, returned for retry",
			slog.String("queue", queue), slog.String("job_id", lease.Job.ID),
			slog.Int("attempts", lease.Job.Metadata.Attempts), slog.Any("error", err))
	}
}

// record forwards a terminal result to the recorder queue. The recorder queue
// itself is exempt or archiving would recurse.
func (r *Runner) record(ctx context.Context, result domain.JobResult) {
	if r.handler.Queue() == domain.QueueRecorder {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	job := domain.Job{
		Type:     domain.JobTypeRecord,
		Payload:  payload,
		ParentID: result.JobID,
		Metadata: domain.JobMetadata{ScraperID: result.ScraperID, CreatedAt: time.Now().UTC()},
	}
	if _, err := r.bus.Enqueue(ctx, domain.QueueRecorder, job, 0); err != nil {
		slog.Warn("recorder enqueue failed", slog.Any("error", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
