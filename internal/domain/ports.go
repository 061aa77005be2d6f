package domain

import (
	"context"
	"time"
)

// ContentStore fronts all scraper output with a SHA-256 dedup index.
type ContentStore interface {
	// Store canonicalizes and hashes payload, inserting iff unseen.
	Store(ctx context.Context, payload []byte, scraperID string) (StoreResult, error)
	// LookupJob returns the job id attached to a hash, or ErrNotFound.
	LookupJob(ctx context.Context, hash string) (string, error)
	// AttachJob records that this content produced this job; idempotent.
	AttachJob(ctx context.Context, hash, jobID string) error
	// Payload returns the stored blob for a hash.
	Payload(ctx context.Context, hash string) ([]byte, error)
	// RegisterObserver parks a repeat sighting for replay after alignment.
	RegisterObserver(ctx context.Context, hash string, obs Observation) error
	// TakeObservers drains the parked sightings for a hash.
	TakeObservers(ctx context.Context, hash string) ([]Observation, error)
}

// QueueBus is the named-priority job queue abstraction. All queue mutations
// go through this interface; stage code never touches raw keys.
type QueueBus interface {
	Enqueue(ctx context.Context, queue string, job Job, priority int) (string, error)
	// Dequeue claims the highest-priority pending job, or ErrNotFound when idle.
	Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Lease, error)
	Ack(ctx context.Context, lease *Lease) error
	// Nack returns the job to the queue with attempts incremented; after the
	// configured max attempts the job lands in the queue's DLQ.
	Nack(ctx context.Context, lease *Lease, reason string) error
	// Reject moves the job straight to the DLQ (malformed payloads).
	Reject(ctx context.Context, lease *Lease, reason string) error
	Complete(ctx context.Context, jobID string, result JobResult) error
	Result(ctx context.Context, jobID string) (JobResult, error)
	// CompletedResults lists the most recently completed results, newest first.
	CompletedResults(ctx context.Context, limit int) ([]JobResult, error)
	Stats(ctx context.Context, queue string) (QueueStats, error)
	// RequeueExpired returns expired leases to pending; run by the sweeper.
	RequeueExpired(ctx context.Context, queue string) (int, error)
}

// GeoResult is a single geocoding answer.
type GeoResult struct {
	Latitude   float64           `json:"lat"`
	Longitude  float64           `json:"lon"`
	Address    string            `json:"address,omitempty"`
	Source     string            `json:"source"`
	Components map[string]string `json:"components,omitempty"`
}

// Geocoder is the provider-set contract: ordered fallback behind a cache.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (GeoResult, error)
	Reverse(ctx context.Context, lat, lon float64) (GeoResult, error)
}

// AlignRequest is one structured-output LLM invocation.
type AlignRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
}

// AlignResponse carries the raw structured output plus usage accounting.
type AlignResponse struct {
	Content          string
	Model            string
	Confidence       float64
	PromptTokens     int
	CompletionTokens int
}

// LLMClient is the provider-neutral LLM port. Failures map onto the error
// taxonomy: ErrQuotaExceeded, ErrAuthFailed, ErrTransient, ErrSchemaInvalid.
type LLMClient interface {
	Align(ctx context.Context, req AlignRequest) (AlignResponse, error)
	Provider() string
}

// Archiver persists job results to the filesystem archive.
type Archiver interface {
	Write(ctx context.Context, res JobResult) error
}
