package postgres_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantrypirate/pipeline/internal/adapter/repo/postgres"
	"github.com/pantrypirate/pipeline/internal/domain"
)

func TestRunRepo_Lookup_Hit(t *testing.T) {
	stored := postgres.RunResult{OrganizationID: "org-1", Created: 1, Merged: 2}
	raw, err := json.Marshal(stored)
	require.NoError(t, err)

	q := newQuerierStub()
	q.rowFor["FROM reconciler_runs"] = rowStub{scan: func(dest ...any) error {
		*(dest[0].(*[]byte)) = raw
		return nil
	}}
	repo := &postgres.RunRepo{}

	res, err := repo.Lookup(context.Background(), q, "pantry_a", "hash-1")
	require.NoError(t, err)
	assert.Equal(t, stored, res)
	require.Len(t, q.queries, 1)
	assert.Equal(t, []any{"pantry_a", "hash-1"}, q.queries[0].args)
}

func TestRunRepo_Lookup_Miss(t *testing.T) {
	repo := &postgres.RunRepo{}
	_, err := repo.Lookup(context.Background(), newQuerierStub(), "pantry_a", "hash-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunRepo_Lookup_CorruptResult(t *testing.T) {
	q := newQuerierStub()
	q.rowFor["FROM reconciler_runs"] = rowStub{scan: func(dest ...any) error {
		*(dest[0].(*[]byte)) = []byte("not json")
		return nil
	}}
	repo := &postgres.RunRepo{}

	_, err := repo.Lookup(context.Background(), q, "pantry_a", "hash-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestRunRepo_Record_IsConflictFree(t *testing.T) {
	q := newQuerierStub()
	repo := &postgres.RunRepo{}
	res := postgres.RunResult{OrganizationID: "org-1", Created: 1}

	require.NoError(t, repo.Record(context.Background(), q, "pantry_a", "hash-1", "job-1", res))
	ins := q.exec("INSERT INTO reconciler_runs")
	require.NotNil(t, ins)
	assert.Contains(t, ins.sql, "ON CONFLICT (scraper_id, source_hash) DO NOTHING",
		"redelivered runs must not error")
	assert.Equal(t, "pantry_a", ins.args[0])
	assert.Equal(t, "hash-1", ins.args[1])
	assert.Equal(t, "job-1", ins.args[2])

	var decoded postgres.RunResult
	require.NoError(t, json.Unmarshal(ins.args[3].([]byte), &decoded))
	assert.Equal(t, res, decoded)
}
