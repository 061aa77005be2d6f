package reconciler

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

func TestRejectedGate(t *testing.T) {
	r := New(nil, config.Config{ValidationRejectionThreshold: 10})

	assert.True(t, r.rejected(domain.StatusRejected, 90), "explicit rejected status always rejects")
	assert.True(t, r.rejected(domain.StatusNeedsReview, 9), "score under threshold rejects")
	assert.False(t, r.rejected(domain.StatusNeedsReview, 10), "exactly the threshold is not rejected")
	assert.False(t, r.rejected(domain.StatusVerified, 95))
	assert.False(t, r.rejected("", 0), "unvalidated records pass through the gate")
}

func TestBestStatus(t *testing.T) {
	assert.Equal(t, domain.StatusVerified, bestStatus(domain.StatusNeedsReview, domain.StatusVerified))
	assert.Equal(t, domain.StatusVerified, bestStatus(domain.StatusVerified, domain.StatusNeedsReview))
	assert.Equal(t, domain.StatusNeedsReview, bestStatus("", ""))
	assert.Equal(t, domain.StatusNeedsReview, bestStatus("", domain.StatusNeedsReview))
	assert.Equal(t, domain.StatusRejected, bestStatus(domain.StatusRejected, ""))
}

func TestChanged(t *testing.T) {
	a := domain.Organization{ID: "x", Name: "Org"}
	b := a
	assert.False(t, changed(a, b))
	b.Description = "now with a description"
	assert.True(t, changed(a, b))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(assert.AnError))
	assert.False(t, isUniqueViolation(nil))
}

func TestFirstCoords(t *testing.T) {
	lat, lon := firstCoords([]domain.Location{
		{},
		{Latitude: f(45.5), Longitude: f(-122.6)},
	})
	assert.NotNil(t, lat)
	assert.InDelta(t, 45.5, *lat, 1e-9)
	assert.InDelta(t, -122.6, *lon, 1e-9)

	lat, lon = firstCoords(nil)
	assert.Nil(t, lat)
	assert.Nil(t, lon)
}
