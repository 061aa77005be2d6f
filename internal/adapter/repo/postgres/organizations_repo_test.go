package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantrypirate/pipeline/internal/adapter/repo/postgres"
	"github.com/pantrypirate/pipeline/internal/domain"
)

func orgRow(id, name, normalized string) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = name
		*(dest[2].(*string)) = normalized
		*(dest[3].(*string)) = "Neighborhood food bank"
		*(dest[4].(*string)) = "https://hope.example"
		*(dest[5].(*string)) = "info@hope.example"
		*(dest[6].(*int)) = 1998
		*(dest[7].(*string)) = "501c3"
		*(dest[8].(*string)) = ""
		*(dest[9].(*int)) = 85
		*(dest[10].(*string)) = string(domain.StatusVerified)
		return nil
	}}
}

func TestOrganizationRepo_FindCanonicalByNameNear_NotFound(t *testing.T) {
	q := newQuerierStub()
	repo := &postgres.OrganizationRepo{}

	_, err := repo.FindCanonicalByNameNear(context.Background(), q, "hope pantry", nil, nil, 0.01)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrganizationRepo_FindCanonicalByNameNear_WithCoordsJoinsLocations(t *testing.T) {
	q := newQuerierStub()
	q.rowFor["JOIN location"] = orgRow("org-1", "Hope Pantry", "hope pantry")
	repo := &postgres.OrganizationRepo{}

	lat, lon := 45.5, -122.6
	org, err := repo.FindCanonicalByNameNear(context.Background(), q, "hope pantry", &lat, &lon, 0.01)
	require.NoError(t, err)
	assert.Equal(t, "org-1", org.ID)
	assert.Equal(t, domain.StatusVerified, org.ValidationStatus)
	assert.Equal(t, 1998, org.YearIncorporated)

	require.Len(t, q.queries, 1)
	assert.Contains(t, q.queries[0].sql, "JOIN location", "coords constrain the match spatially")
	assert.Equal(t, []any{"hope pantry", lat, lon, 0.01}, q.queries[0].args)
}

func TestOrganizationRepo_FindCanonicalByNameNear_NoCoordsWaivesProximity(t *testing.T) {
	q := newQuerierStub()
	q.rowFor["FROM organization"] = orgRow("org-2", "Hope Pantry", "hope pantry")
	repo := &postgres.OrganizationRepo{}

	org, err := repo.FindCanonicalByNameNear(context.Background(), q, "hope pantry", nil, nil, 0.01)
	require.NoError(t, err)
	assert.Equal(t, "org-2", org.ID)
	require.Len(t, q.queries, 1)
	assert.NotContains(t, q.queries[0].sql, "JOIN location")
}

func TestOrganizationRepo_CreateCanonical(t *testing.T) {
	q := newQuerierStub()
	repo := &postgres.OrganizationRepo{}
	org := domain.Organization{
		ID:             "org-1",
		Name:           "Hope Pantry",
		NormalizedName: "hope pantry",
	}
	org.ValidationStatus = domain.StatusNeedsReview

	require.NoError(t, repo.CreateCanonical(context.Background(), q, org))
	created := q.exec("INSERT INTO organization")
	require.NotNil(t, created)
	assert.Equal(t, "org-1", created.args[0])
	assert.Equal(t, "Hope Pantry", created.args[1])
	assert.Equal(t, string(domain.StatusNeedsReview), created.args[10])
}

func TestOrganizationRepo_CreateCanonical_ExecError(t *testing.T) {
	q := newQuerierStub()
	q.execErrs["INSERT INTO organization"] = assert.AnError
	repo := &postgres.OrganizationRepo{}

	err := repo.CreateCanonical(context.Background(), q, domain.Organization{ID: "org-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=org.create")
}

func TestOrganizationRepo_UpsertSource_AssignsMissingID(t *testing.T) {
	q := newQuerierStub()
	repo := &postgres.OrganizationRepo{}
	src := domain.OrganizationSource{
		CanonicalID: "org-1",
		ScraperID:   "pantry_b",
		Name:        "Hope Pantry",
		Confidence:  90,
		ObservedAt:  time.Now().UTC(),
	}

	require.NoError(t, repo.UpsertSource(context.Background(), q, src))
	upsert := q.exec("INSERT INTO organization_source")
	require.NotNil(t, upsert)
	assert.NotEmpty(t, upsert.args[0], "missing source id is assigned")
	assert.Equal(t, "org-1", upsert.args[1])
	assert.Equal(t, "pantry_b", upsert.args[2])
	assert.Contains(t, upsert.sql, "ON CONFLICT (canonical_id, scraper_id)")
}

func TestOrganizationRepo_ListSources(t *testing.T) {
	observed := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	q := newQuerierStub()
	q.rowsFor["FROM organization_source"] = &rowsStub{rows: [][]any{
		{"src-1", "org-1", "pantry_a", "Hope Pantry", "", "", "", "", "", 80, observed},
		{"src-2", "org-1", "pantry_b", "Hope Food Pantry", "Expanded hours", "", "", "", "", 90, observed.Add(time.Hour)},
	}}
	repo := &postgres.OrganizationRepo{}

	sources, err := repo.ListSources(context.Background(), q, "org-1")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "pantry_a", sources[0].ScraperID)
	assert.Equal(t, "pantry_b", sources[1].ScraperID)
	assert.Equal(t, 90, sources[1].Confidence)
	assert.Equal(t, observed.Add(time.Hour), sources[1].ObservedAt)
}
