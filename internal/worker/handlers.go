package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pantrypirate/pipeline/internal/aligner"
	"github.com/pantrypirate/pipeline/internal/domain"
	"github.com/pantrypirate/pipeline/internal/reconciler"
	"github.com/pantrypirate/pipeline/internal/validator"
)

// Outcome is what a stage handler returns: the terminal result for this job
// plus any follow-on jobs for downstream queues.
type Outcome struct {
	Result domain.JobResult
	Next   []Next
}

// Next is one follow-on enqueue.
type Next struct {
	Queue string
	Job   domain.Job
}

// Handler processes one job from its queue.
type Handler interface {
	Queue() string
	Handle(ctx context.Context, job domain.Job) (Outcome, error)
}

// AlignHandler drives the LLM alignment stage: content in, HSDS envelope out
// to the validator queue.
type AlignHandler struct {
	Store   domain.ContentStore
	Aligner *aligner.Aligner
}

func (h *AlignHandler) Queue() string { return domain.QueueLLM }

func (h *AlignHandler) Handle(ctx context.Context, job domain.Job) (Outcome, error) {
	content := []byte(job.Payload)
	if job.Metadata.ContentHash != "" && h.Store != nil {
		stored, err := h.Store.Payload(ctx, job.Metadata.ContentHash)
		if err == nil {
			content = stored
		} else if !errors.Is(err, domain.ErrNotFound) {
			return Outcome{}, err
		}
	}
	if len(content) == 0 {
		return Outcome{}, fmt.Errorf("op=align.handle: empty content: %w", domain.ErrSchemaInvalid)
	}

	out, err := h.Aligner.Align(ctx, content)
	if err != nil {
		return Outcome{}, err
	}

	payload, err := encodeEnvelope(Envelope{
		Document:    out.Document,
		Confidence:  out.Confidence,
		Provider:    out.Provider,
		Model:       out.Model,
		NeedsReview: out.NeedsReview,
	})
	if err != nil {
		return Outcome{}, err
	}

	next := domain.Job{
		Type:     domain.JobTypeValidate,
		Payload:  payload,
		Metadata: job.Metadata,
		ParentID: job.ID,
	}
	nexts := []Next{{Queue: domain.QueueValidator, Job: next}}
	nexts = append(nexts, h.observerReplays(ctx, job, payload)...)
	return Outcome{
		Result: domain.JobResult{
			JobID:      job.ID,
			ScraperID:  job.Metadata.ScraperID,
			Status:     domain.JobSucceeded,
			Output:     payload,
			Provider:   out.Provider,
			Confidence: out.Confidence,
		},
		Next: nexts,
	}, nil
}

// observerReplays turns sightings parked while this content was still being
// aligned into validator jobs carrying each observer's provenance. A failed
// drain only costs those source rows, never the alignment itself.
func (h *AlignHandler) observerReplays(ctx context.Context, job domain.Job, payload []byte) []Next {
	if h.Store == nil || job.Metadata.ContentHash == "" {
		return nil
	}
	observers, err := h.Store.TakeObservers(ctx, job.Metadata.ContentHash)
	if err != nil {
		slog.Warn("observer drain failed",
			slog.String("hash", job.Metadata.ContentHash), slog.Any("error", err))
		return nil
	}
	var out []Next
	for _, obs := range observers {
		out = append(out, Next{
			Queue: domain.QueueValidator,
			Job: domain.Job{
				Type:     domain.JobTypeValidate,
				Payload:  payload,
				ParentID: job.ID,
				Metadata: domain.JobMetadata{
					ScraperID:   obs.ScraperID,
					SourceURL:   obs.SourceURL,
					ContentHash: job.Metadata.ContentHash,
					Priority:    obs.Priority,
					CreatedAt:   time.Now().UTC(),
					ObservedAt:  obs.ObservedAt,
				},
			},
		})
	}
	return out
}

// ValidateHandler enriches and scores documents, then forwards them to the
// reconciler. Rejected documents still flow downstream; the reconciler's gate
// keeps them out of the canonical tables.
type ValidateHandler struct {
	Validator *validator.Validator
}

func (h *ValidateHandler) Queue() string { return domain.QueueValidator }

func (h *ValidateHandler) Handle(ctx context.Context, job domain.Job) (Outcome, error) {
	env, err := decodeEnvelope(job.Payload)
	if err != nil {
		return Outcome{}, err
	}

	doc, err := h.Validator.Process(ctx, env.Document)
	if err != nil {
		return Outcome{}, err
	}
	// Alignment that never reached the confidence floor stays reviewable no
	// matter how clean the data looks.
	if env.NeedsReview && doc.Organization.ValidationStatus == domain.StatusVerified {
		doc.Organization.ValidationStatus = domain.StatusNeedsReview
	}
	env.Document = doc

	payload, err := encodeEnvelope(env)
	if err != nil {
		return Outcome{}, err
	}

	status := domain.JobSucceeded
	if doc.Organization.ValidationStatus == domain.StatusRejected {
		status = domain.JobRejected
	}
	next := domain.Job{
		Type:     domain.JobTypeReconcile,
		Payload:  payload,
		Metadata: job.Metadata,
		ParentID: job.ID,
	}
	return Outcome{
		Result: domain.JobResult{
			JobID:      job.ID,
			ScraperID:  job.Metadata.ScraperID,
			Status:     status,
			Output:     payload,
			Confidence: env.Confidence,
		},
		Next: []Next{{Queue: domain.QueueReconciler, Job: next}},
	}, nil
}

// ReconcileHandler folds validated documents into the canonical store.
type ReconcileHandler struct {
	Reconciler *reconciler.Reconciler
}

func (h *ReconcileHandler) Queue() string { return domain.QueueReconciler }

func (h *ReconcileHandler) Handle(ctx context.Context, job domain.Job) (Outcome, error) {
	env, err := decodeEnvelope(job.Payload)
	if err != nil {
		return Outcome{}, err
	}

	sourceHash := job.Metadata.ContentHash
	if sourceHash == "" {
		sum := sha256.Sum256(job.Payload)
		sourceHash = hex.EncodeToString(sum[:])
	}
	observedAt := job.Metadata.ObservedAt
	if observedAt.IsZero() {
		observedAt = job.Metadata.CreatedAt
	}

	res, err := h.Reconciler.Reconcile(ctx, env.Document, job.Metadata.ScraperID, observedAt, sourceHash, job.ID)
	if err != nil {
		return Outcome{}, err
	}

	output, _ := json.Marshal(res)
	status := domain.JobSucceeded
	if res.OrganizationID == "" && res.RejectedCount > 0 {
		status = domain.JobRejected
	}
	return Outcome{
		Result: domain.JobResult{
			JobID:     job.ID,
			ScraperID: job.Metadata.ScraperID,
			Status:    status,
			Output:    output,
		},
	}, nil
}

// RecordHandler archives upstream results to the filesystem.
type RecordHandler struct {
	Archive domain.Archiver
}

func (h *RecordHandler) Queue() string { return domain.QueueRecorder }

func (h *RecordHandler) Handle(ctx context.Context, job domain.Job) (Outcome, error) {
	var res domain.JobResult
	if err := json.Unmarshal(job.Payload, &res); err != nil || res.JobID == "" {
		return Outcome{}, fmt.Errorf("op=record.handle: bad result payload: %w", domain.ErrSchemaInvalid)
	}
	if res.ProducedAt.IsZero() {
		res.ProducedAt = time.Now().UTC()
	}
	if err := h.Archive.Write(ctx, res); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Result: domain.JobResult{
			JobID:     job.ID,
			ScraperID: job.Metadata.ScraperID,
			Status:    domain.JobSucceeded,
		},
	}, nil
}
