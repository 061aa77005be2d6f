package contentstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantrypirate/pipeline/internal/domain"
)

func newTestStore(t *testing.T, enabled bool) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, enabled)
}

func TestCanonicalize_JSONFormattingCollapses(t *testing.T) {
	pretty := []byte("{\n  \"name\": \"Food Bank\",\n  \"city\": \"Portland\"\n}")
	compact := []byte(`{"name":"Food Bank","city":"Portland"}`)
	assert.Equal(t, HashPayload(compact), HashPayload(pretty))
}

func TestCanonicalize_NonJSONUnchanged(t *testing.T) {
	raw := []byte("name,city\nFood Bank,Portland\n")
	assert.Equal(t, raw, Canonicalize(raw))
}

func TestStore_NewThenDuplicate(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	payload := []byte(`{"name":"Food Bank"}`)

	first, err := s.Store(ctx, payload, "scraper-a")
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.NotEmpty(t, first.Hash)

	require.NoError(t, s.AttachJob(ctx, first.Hash, "job-1"))

	// Same content from a different scraper is a duplicate pointing at the
	// original job.
	second, err := s.Store(ctx, payload, "scraper-b")
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, "job-1", second.ExistingJobID)
}

func TestStore_FormattingVariantsDeduplicate(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	first, err := s.Store(ctx, []byte(`{"a":1,"b":2}`), "x")
	require.NoError(t, err)
	second, err := s.Store(ctx, []byte("{ \"a\": 1, \"b\": 2 }"), "y")
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.False(t, second.IsNew)
}

func TestAttachJob_Idempotent(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	res, err := s.Store(ctx, []byte(`{"a":1}`), "x")
	require.NoError(t, err)

	require.NoError(t, s.AttachJob(ctx, res.Hash, "job-1"))
	require.NoError(t, s.AttachJob(ctx, res.Hash, "job-1"))

	job, err := s.LookupJob(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job)
}

func TestAttachJob_MissingEntry(t *testing.T) {
	s := newTestStore(t, true)
	err := s.AttachJob(context.Background(), "deadbeef", "job-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLookupJob_NoJobYet(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	res, err := s.Store(ctx, []byte(`{"a":1}`), "x")
	require.NoError(t, err)

	_, err = s.LookupJob(ctx, res.Hash)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPayload_RoundTrip(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	payload := []byte(`{"name":"Food Bank"}`)

	res, err := s.Store(ctx, payload, "x")
	require.NoError(t, err)

	got, err := s.Payload(ctx, res.Hash)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))

	_, err = s.Payload(ctx, "deadbeef")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEntry_Metadata(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	payload := []byte(`{"name":"Food Bank"}`)

	res, err := s.Store(ctx, payload, "scraper-a")
	require.NoError(t, err)

	e, err := s.Entry(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, "scraper-a", e.FirstScraperID)
	assert.EqualValues(t, len(Canonicalize(payload)), e.Size)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestStore_DisabledReportsAllNew(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()
	payload := []byte(`{"a":1}`)

	first, err := s.Store(ctx, payload, "x")
	require.NoError(t, err)
	second, err := s.Store(ctx, payload, "x")
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.True(t, second.IsNew)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestObservers_RegisterThenDrain(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	obsB := domain.Observation{ScraperID: "scraper-b", Priority: 5}
	obsC := domain.Observation{ScraperID: "scraper-c", SourceURL: "https://c.example"}
	require.NoError(t, s.RegisterObserver(ctx, "abc123", obsB))
	require.NoError(t, s.RegisterObserver(ctx, "abc123", obsC))

	got, err := s.TakeObservers(ctx, "abc123")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "scraper-b", got[0].ScraperID)
	assert.Equal(t, 5, got[0].Priority)
	assert.Equal(t, "scraper-c", got[1].ScraperID)

	// Draining consumes; a second take finds nothing.
	again, err := s.TakeObservers(ctx, "abc123")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestObservers_DisabledStoreIsInert(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	require.NoError(t, s.RegisterObserver(ctx, "abc123", domain.Observation{ScraperID: "x"}))
	got, err := s.TakeObservers(ctx, "abc123")
	require.NoError(t, err)
	assert.Empty(t, got)
}
