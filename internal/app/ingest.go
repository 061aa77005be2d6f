package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// Ingestor is the scraper intake: deduplicate through the content store, then
// enqueue an alignment job for unseen content.
type Ingestor struct {
	store domain.ContentStore
	bus   domain.QueueBus
	cfg   config.Config
}

// NewIngestor wires intake over the content store and queue bus.
func NewIngestor(store domain.ContentStore, bus domain.QueueBus, cfg config.Config) *Ingestor {
	return &Ingestor{store: store, bus: bus, cfg: cfg}
}

// SubmitResult reports what intake did with a payload.
type SubmitResult struct {
	JobID        string `json:"job_id"`
	ContentHash  string `json:"content_hash"`
	Deduplicated bool   `json:"deduplicated"`
}

// Submit accepts one scraper payload. Duplicate content returns the job id of
// the original submission without enqueueing LLM work: the sighting is
// replayed into the validator with the cached alignment, or parked on the
// content entry until alignment finishes. New content gets an alignment job
// at the given priority.
func (in *Ingestor) Submit(ctx context.Context, scraperID, sourceURL string, payload []byte, priority int) (SubmitResult, error) {
	ctx, span := otel.Tracer("app.ingest").Start(ctx, "ingest.Submit")
	defer span.End()

	if scraperID == "" {
		return SubmitResult{}, fmt.Errorf("op=ingest.submit: scraper id required: %w", domain.ErrInvalidArgument)
	}
	if len(payload) == 0 {
		return SubmitResult{}, fmt.Errorf("op=ingest.submit: empty payload: %w", domain.ErrInvalidArgument)
	}

	stored, err := in.store.Store(ctx, payload, scraperID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !stored.IsNew && stored.ExistingJobID != "" {
		replayed, err := in.replayObservation(ctx, scraperID, sourceURL, stored, priority)
		if err != nil {
			return SubmitResult{}, err
		}
		slog.Info("duplicate content deduplicated",
			slog.String("scraper_id", scraperID), slog.String("hash", stored.Hash),
			slog.String("job_id", stored.ExistingJobID), slog.Bool("replayed", replayed))
		return SubmitResult{JobID: stored.ExistingJobID, ContentHash: stored.Hash, Deduplicated: true}, nil
	}

	job := domain.Job{
		ID:   uuid.New().String(),
		Type: domain.JobTypeLLM,
		Metadata: domain.JobMetadata{
			ScraperID:   scraperID,
			SourceURL:   sourceURL,
			ContentHash: stored.Hash,
			Priority:    priority,
			CreatedAt:   time.Now().UTC(),
			ObservedAt:  time.Now().UTC(),
		},
	}
	// With the content store disabled the blob has no home, so it rides in
	// the job itself.
	if !in.cfg.ContentStoreEnabled {
		job.Payload = payload
	}

	jobID, err := in.bus.Enqueue(ctx, domain.QueueLLM, job, priority)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := in.store.AttachJob(ctx, stored.Hash, jobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("content-to-job attach failed",
			slog.String("hash", stored.Hash), slog.Any("error", err))
	}
	return SubmitResult{JobID: jobID, ContentHash: stored.Hash}, nil
}

// replayObservation carries a repeat sighting downstream without another LLM
// pass. With the original alignment result in hand the aligned document
// re-enters at the validator under this scraper's provenance; before the
// result exists the sighting is parked on the content entry and the alignment
// stage fans it out on completion. Returns true when a validator job was
// enqueued now.
func (in *Ingestor) replayObservation(ctx context.Context, scraperID, sourceURL string, stored domain.StoreResult, priority int) (bool, error) {
	now := time.Now().UTC()
	res, err := in.bus.Result(ctx, stored.ExistingJobID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	if err == nil && res.Status == domain.JobSucceeded && len(res.Output) > 0 {
		job := domain.Job{
			ID:       uuid.New().String(),
			Type:     domain.JobTypeValidate,
			Payload:  res.Output,
			ParentID: stored.ExistingJobID,
			Metadata: domain.JobMetadata{
				ScraperID:   scraperID,
				SourceURL:   sourceURL,
				ContentHash: stored.Hash,
				Priority:    priority,
				CreatedAt:   now,
				ObservedAt:  now,
			},
		}
		if _, err := in.bus.Enqueue(ctx, domain.QueueValidator, job, priority); err != nil {
			return false, err
		}
		return true, nil
	}
	obs := domain.Observation{
		ScraperID:  scraperID,
		SourceURL:  sourceURL,
		Priority:   priority,
		ObservedAt: now,
	}
	return false, in.store.RegisterObserver(ctx, stored.Hash, obs)
}
