package postgres

import (
	"context"
	"fmt"
)

// ViolationRepo appends to the constraint-violation ledger. Unique-constraint
// races that survive retries land here for later operator review; the row is
// written in a fresh statement outside the failed transaction.
type ViolationRepo struct{}

// Record logs one unresolved violation.
func (r *ViolationRepo) Record(ctx context.Context, q Querier, entityType, matchKey, scraperID, detail string) error {
	_, err := q.Exec(ctx, `INSERT INTO reconciler_constraint_violations
		(entity_type, match_key, scraper_id, detail)
		VALUES ($1,$2,$3,$4)`, entityType, matchKey, scraperID, detail)
	if err != nil {
		return fmt.Errorf("op=violations.record: %w", err)
	}
	return nil
}
