package domain

import (
	"encoding/json"
	"time"
)

// Queue names. Each stage consumes exactly one queue.
const (
	QueueLLM        = "llm"
	QueueValidator  = "validator"
	QueueReconciler = "reconciler"
	QueueRecorder   = "recorder"
)

// JobType enumerates pipeline job kinds; one per queue.
type JobType string

const (
	JobTypeLLM       JobType = "llm"
	JobTypeValidate  JobType = "validate"
	JobTypeReconcile JobType = "reconcile"
	JobTypeRecord    JobType = "record"
)

// JobStatus is the terminal status attached to a JobResult.
type JobStatus string

const (
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobRejected  JobStatus = "rejected"
)

// JobMetadata carries scraper provenance through every stage.
type JobMetadata struct {
	ScraperID   string    `json:"scraper_id"`
	SourceURL   string    `json:"source_url,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	ObservedAt  time.Time `json:"observed_at,omitempty"`
}

// Job is the unit of work moving between queues. The payload shape varies by
// queue: a content hash for llm, an HSDS draft for validator, a validated
// document for reconciler, and a JobResult for recorder.
type Job struct {
	ID       string          `json:"job_id"`
	Type     JobType         `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Metadata JobMetadata     `json:"metadata"`
	ParentID string          `json:"parent_id,omitempty"`
}

// JobResult is attached to a job on completion and archived by the recorder.
type JobResult struct {
	JobID      string          `json:"job_id"`
	ScraperID  string          `json:"scraper_id"`
	Status     JobStatus       `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ProducedAt time.Time       `json:"produced_at"`
	LatencyMS  int64           `json:"latency_ms"`
	Provider   string          `json:"provider,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
}

// Lease is an exclusive claim on a dequeued job. It stays valid until
// ack/nack or until the visibility deadline passes and the sweeper requeues.
type Lease struct {
	Token    string
	Queue    string
	Job      Job
	Deadline time.Time
}

// QueueStats is a point-in-time snapshot of one queue, used for backpressure
// and readiness reporting.
type QueueStats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	DLQ      int64 `json:"dlq"`
}
