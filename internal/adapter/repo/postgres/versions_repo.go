package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// VersionRepo writes the append-only record_version ledger. Every canonical
// create or change gets a snapshot with a per-record monotonic version number.
type VersionRepo struct{}

// Append snapshots a canonical record. The version number is assigned inside
// the statement so concurrent writers within one transaction scope stay
// monotonic per record.
func (r *VersionRepo) Append(ctx context.Context, q Querier, recordID, recordType string, data any, createdBy string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("op=version.append: %w", err)
	}
	_, err = q.Exec(ctx, `INSERT INTO record_version
		(id, record_id, record_type, version_num, data, created_by)
		SELECT $1, $2, $3, COALESCE(MAX(version_num), 0) + 1, $4, $5
		FROM record_version WHERE record_id = $2`,
		uuid.New().String(), recordID, recordType, raw, createdBy)
	if err != nil {
		return fmt.Errorf("op=version.append: %w", err)
	}
	return nil
}

// History returns a record's versions in ascending order.
func (r *VersionRepo) History(ctx context.Context, q Querier, recordID string) ([]domain.RecordVersion, error) {
	rows, err := q.Query(ctx, `SELECT id, record_id, record_type, version_num, data, created_at, created_by
		FROM record_version WHERE record_id = $1 ORDER BY version_num`, recordID)
	if err != nil {
		return nil, fmt.Errorf("op=version.history: %w", err)
	}
	defer rows.Close()
	var out []domain.RecordVersion
	for rows.Next() {
		var v domain.RecordVersion
		if err := rows.Scan(&v.ID, &v.RecordID, &v.RecordType, &v.VersionNum,
			&v.Data, &v.CreatedAt, &v.CreatedBy); err != nil {
			return nil, fmt.Errorf("op=version.history: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
