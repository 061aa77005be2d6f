package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// RunRepo records completed reconciler runs keyed (scraper_id, source_hash).
// It is the idempotence ledger: a redelivered job whose key already exists
// short-circuits to the stored result instead of re-reconciling.
type RunRepo struct{}

// RunResult is the compact outcome stored per run.
type RunResult struct {
	OrganizationID string   `json:"organization_id,omitempty"`
	LocationIDs    []string `json:"location_ids,omitempty"`
	ServiceIDs     []string `json:"service_ids,omitempty"`
	Created        int      `json:"created"`
	Merged         int      `json:"merged"`
	RejectedCount  int      `json:"rejected_count"`
}

// Lookup returns the stored result for a completed run, or ErrNotFound.
func (r *RunRepo) Lookup(ctx context.Context, q Querier, scraperID, sourceHash string) (RunResult, error) {
	var raw []byte
	err := q.QueryRow(ctx, `SELECT result FROM reconciler_runs
		WHERE scraper_id = $1 AND source_hash = $2`, scraperID, sourceHash).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunResult{}, fmt.Errorf("op=runs.lookup: %w", domain.ErrNotFound)
	}
	if err != nil {
		return RunResult{}, fmt.Errorf("op=runs.lookup: %w", err)
	}
	var res RunResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return RunResult{}, fmt.Errorf("op=runs.lookup: %w", err)
	}
	return res, nil
}

// Record persists a completed run. Written inside the reconcile transaction,
// so the ledger row and the entity writes commit atomically.
func (r *RunRepo) Record(ctx context.Context, q Querier, scraperID, sourceHash, jobID string, res RunResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=runs.record: %w", err)
	}
	_, err = q.Exec(ctx, `INSERT INTO reconciler_runs (scraper_id, source_hash, job_id, result)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (scraper_id, source_hash) DO NOTHING`,
		scraperID, sourceHash, jobID, raw)
	if err != nil {
		return fmt.Errorf("op=runs.record: %w", err)
	}
	return nil
}
