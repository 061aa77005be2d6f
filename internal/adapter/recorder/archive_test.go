package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantrypirate/pipeline/internal/domain"
)

func result(jobID, scraper string, status domain.JobStatus, at time.Time) domain.JobResult {
	return domain.JobResult{
		JobID: jobID, ScraperID: scraper, Status: status, ProducedAt: at,
	}
}

func TestWrite_CreatesDailyFileAndSummary(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.Write(context.Background(), result("job-1", "pantry_a", domain.JobSucceeded, day)))

	raw, err := os.ReadFile(filepath.Join(a.root, "daily", "2026-08-24", "job-1.json"))
	require.NoError(t, err)
	var got domain.JobResult
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "job-1", got.JobID)

	s, err := a.ReadSummary(day)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Scrapers["pantry_a"]["succeeded"])
}

func TestWrite_SummaryAccumulatesPerScraperAndOutcome(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	day := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, result("j1", "pantry_a", domain.JobSucceeded, day)))
	require.NoError(t, a.Write(ctx, result("j2", "pantry_a", domain.JobRejected, day)))
	require.NoError(t, a.Write(ctx, result("j3", "pantry_b", domain.JobSucceeded, day)))

	s, err := a.ReadSummary(day)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Scrapers["pantry_a"]["succeeded"])
	assert.Equal(t, 1, s.Scrapers["pantry_a"]["rejected"])
	assert.Equal(t, 1, s.Scrapers["pantry_b"]["succeeded"])
}

func TestWrite_SameJobOverwritesInPlace(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	day := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, result("j1", "pantry_a", domain.JobFailed, day)))
	require.NoError(t, a.Write(ctx, result("j1", "pantry_a", domain.JobSucceeded, day)))

	entries, err := os.ReadDir(filepath.Join(a.root, "daily", "2026-08-24"))
	require.NoError(t, err)
	// j1.json plus summary.json only.
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"j1.json", "summary.json"}, names)
}

func TestWrite_LatestSymlinkPointsAtNewestDay(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, result("j1", "a", domain.JobSucceeded,
		time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC))))
	require.NoError(t, a.Write(ctx, result("j2", "a", domain.JobSucceeded,
		time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))))

	target, err := os.Readlink(filepath.Join(a.root, "latest"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("daily", "2026-08-24"), target)
}

func TestRebuild_RegeneratesSummaryFromFiles(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	day := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, result("j1", "a", domain.JobSucceeded, day)))
	require.NoError(t, a.Write(ctx, result("j2", "b", domain.JobFailed, day)))

	// Corrupt the summary, then rebuild from the result files.
	sumPath := filepath.Join(a.root, "daily", "2026-08-24", "summary.json")
	require.NoError(t, os.WriteFile(sumPath, []byte("{}"), 0o644))

	s, err := a.Rebuild(day)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Scrapers["a"]["succeeded"])
	assert.Equal(t, 1, s.Scrapers["b"]["failed"])
}

func TestReadSummary_MissingDay(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = a.ReadSummary(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWrite_LateRedeliveryKeepsLatestForward(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, result("j1", "a", domain.JobSucceeded,
		time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC))))
	// A redelivered result for an earlier day arrives after the newer one.
	require.NoError(t, a.Write(ctx, result("j2", "a", domain.JobSucceeded,
		time.Date(2026, 8, 22, 9, 0, 0, 0, time.UTC))))

	target, err := os.Readlink(filepath.Join(a.root, "latest"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("daily", "2026-08-24"), target,
		"latest never moves backwards")

	// The older day's file and summary still land.
	s, err := a.ReadSummary(time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Total)
}
