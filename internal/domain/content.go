package domain

import "time"

// ContentEntry is the dedup index record for one distinct payload. Entries
// are created on first insert and never mutated or deleted by the pipeline.
type ContentEntry struct {
	Hash           string    `json:"hash"`
	CreatedAt      time.Time `json:"created_at"`
	FirstScraperID string    `json:"first_scraper_id"`
	JobID          string    `json:"job_id,omitempty"`
	ContentType    string    `json:"content_type,omitempty"`
	Size           int64     `json:"size"`
}

// StoreResult is the outcome of a content submission. IsNew is false when a
// byte-identical payload was seen before; callers must not enqueue LLM work
// for deduplicated content.
type StoreResult struct {
	Hash          string `json:"hash"`
	IsNew         bool   `json:"is_new"`
	ExistingJobID string `json:"existing_job_id,omitempty"`
}

// Observation is one scraper's sighting of already-stored content. Sightings
// that arrive before the content's alignment finishes are parked on the entry
// and replayed downstream once the aligned document exists, so every scraper
// gets a source row without a second LLM pass.
type Observation struct {
	ScraperID  string    `json:"scraper_id"`
	SourceURL  string    `json:"source_url,omitempty"`
	Priority   int       `json:"priority"`
	ObservedAt time.Time `json:"observed_at"`
}
