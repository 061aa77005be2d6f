package postgres

import (
	"context"
	"fmt"
	"time"
)

// AcquireMatchLock serializes reconciliation for one match key using a
// transaction-scoped advisory lock. hashtext folds the key to the int32
// advisory-lock space; collisions only cost extra serialization, never
// correctness. The lock releases automatically at commit or rollback.
func AcquireMatchLock(ctx context.Context, q Querier, key string, timeout time.Duration) error {
	if _, err := q.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
		return fmt.Errorf("op=locks.acquire: %w", err)
	}
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("op=locks.acquire: %w", err)
	}
	return nil
}
