package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// Sweeper periodically returns expired leases to pending across all queues.
// A worker that crashed mid-job loses its lease at the visibility deadline;
// the sweep makes the job deliverable again with attempts bumped.
type Sweeper struct {
	bus      domain.QueueBus
	interval time.Duration
	queues   []string
}

// NewSweeper sweeps the standard pipeline queues.
func NewSweeper(bus domain.QueueBus, interval time.Duration) *Sweeper {
	return &Sweeper{
		bus:      bus,
		interval: interval,
		queues: []string{
			domain.QueueLLM, domain.QueueValidator,
			domain.QueueReconciler, domain.QueueRecorder,
		},
	}
}

// Run sweeps until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for _, q := range s.queues {
		n, err := s.bus.RequeueExpired(ctx, q)
		if err != nil {
			slog.Error("lease sweep failed", slog.String("queue", q), slog.Any("error", err))
			continue
		}
		if n > 0 {
			slog.Warn("expired leases returned to pending",
				slog.String("queue", q), slog.Int("requeued", n))
		}
	}
}
