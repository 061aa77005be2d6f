package validator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// stubGeocoder returns canned answers keyed by input.
type stubGeocoder struct {
	forward map[string]domain.GeoResult
	reverse *domain.GeoResult
	calls   int
}

func (s *stubGeocoder) Geocode(_ context.Context, address string) (domain.GeoResult, error) {
	s.calls++
	if res, ok := s.forward[address]; ok {
		return res, nil
	}
	return domain.GeoResult{}, fmt.Errorf("op=test: %w", domain.ErrNotGeocoded)
}

func (s *stubGeocoder) Reverse(_ context.Context, _, _ float64) (domain.GeoResult, error) {
	s.calls++
	if s.reverse != nil {
		return *s.reverse, nil
	}
	return domain.GeoResult{}, fmt.Errorf("op=test: %w", domain.ErrNotGeocoded)
}

func testConfig() config.Config {
	return config.Config{
		ValidationRejectionThreshold: 10,
		ValidationVerifiedThreshold:  70,
		ValidationTestPatterns:       []string{"anytown", "unknown", "test", "sample"},
		ValidationPlaceholderRegexes: []string{`(?i)^\s*123 main st(reet)?\b`},
	}
}

func ptr(f float64) *float64 { return &f }

func docWithLocation(lat, lon *float64, addr *domain.Address) domain.HSDSDocument {
	doc := domain.HSDSDocument{
		Organization: domain.Organization{Name: "Community Food Bank"},
		Locations: []domain.Location{{
			ID:        "loc-1",
			Name:      "Main Pantry",
			Latitude:  lat,
			Longitude: lon,
		}},
	}
	if addr != nil {
		addr.LocationID = "loc-1"
		doc.Addresses = append(doc.Addresses, *addr)
	}
	return doc
}

func TestProcess_CleanLocationVerified(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	doc := docWithLocation(ptr(45.52), ptr(-122.68), &domain.Address{
		Address1: "500 SE Belmont St", City: "Portland", StateProvince: "OR", PostalCode: "97214",
	})

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	loc := got.Locations[0]
	assert.Equal(t, 100, loc.ConfidenceScore)
	assert.Equal(t, domain.StatusVerified, loc.ValidationStatus)
	assert.Equal(t, domain.StatusVerified, got.Organization.ValidationStatus)
}

func TestProcess_MissingCoordinatesHardReject(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	doc := docWithLocation(nil, nil, nil)

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	loc := got.Locations[0]
	assert.Equal(t, 0, loc.ConfidenceScore)
	assert.Equal(t, domain.StatusRejected, loc.ValidationStatus)
	assert.Contains(t, loc.ValidationNotes[0], "coordinates missing")
}

func TestProcess_ZeroCoordinatesHardReject(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	doc := docWithLocation(ptr(0), ptr(0), nil)

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Locations[0].ConfidenceScore)
	assert.Equal(t, domain.StatusRejected, got.Locations[0].ValidationStatus)
}

func TestProcess_OutsideUSBounds(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	// Paris.
	doc := docWithLocation(ptr(48.85), ptr(2.35), nil)

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Locations[0].ConfidenceScore)
	assert.Equal(t, domain.StatusNeedsReview, got.Locations[0].ValidationStatus)
}

func TestProcess_BoundaryEdgesInclusive(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	cases := []struct{ lat, lon float64 }{
		{25, -90},   // southern edge
		{49, -100},  // northern edge
		{40, -125},  // western edge
		{40, -67},   // eastern edge
		{60, -150},  // Alaska
		{20.5, -157}, // Hawaii
	}
	for _, tc := range cases {
		doc := docWithLocation(ptr(tc.lat), ptr(tc.lon), nil)
		got, err := v.Process(context.Background(), doc)
		require.NoError(t, err)
		assert.Equal(t, 100, got.Locations[0].ConfidenceScore,
			"(%v, %v) should be inside US bounds", tc.lat, tc.lon)
	}
}

func TestProcess_StateMismatchPenalty(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	// NY address with Texas coordinates.
	doc := docWithLocation(ptr(31.0), ptr(-100.0), &domain.Address{
		Address1: "10 Broadway", City: "New York", StateProvince: "NY", PostalCode: "10004",
	})

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 80, got.Locations[0].ConfidenceScore)
	assert.Equal(t, domain.StatusVerified, got.Locations[0].ValidationStatus)
}

func TestProcess_TestPatternSetsScoreFive(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	doc := docWithLocation(ptr(40.0), ptr(-75.0), &domain.Address{
		Address1: "42 Elm St", City: "Anytown", StateProvince: "PA", PostalCode: "19000",
	})

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Locations[0].ConfidenceScore)
	assert.Equal(t, domain.StatusRejected, got.Locations[0].ValidationStatus)
}

func TestProcess_PlaceholderAddressPenalty(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	doc := docWithLocation(ptr(40.0), ptr(-75.0), &domain.Address{
		Address1: "123 Main Street", City: "Philadelphia", StateProvince: "PA", PostalCode: "19000",
	})

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Locations[0].ConfidenceScore)
	assert.Equal(t, domain.StatusNeedsReview, got.Locations[0].ValidationStatus)
}

func TestProcess_GeocodingSourceModifiers(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())

	doc := docWithLocation(ptr(40.0), ptr(-75.0), nil)
	doc.Locations[0].GeocodingSource = "census"
	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 95, got.Locations[0].ConfidenceScore)

	doc = docWithLocation(ptr(40.0), ptr(-75.0), nil)
	doc.Locations[0].GeocodingSource = "zip-centroid"
	got, err = v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 85, got.Locations[0].ConfidenceScore)
}

func TestStatusFor_ThresholdEdges(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())

	// Exactly the rejection threshold is NOT rejected.
	assert.Equal(t, domain.StatusNeedsReview, v.statusFor(10))
	assert.Equal(t, domain.StatusRejected, v.statusFor(9))
	// Exactly the verified threshold IS verified.
	assert.Equal(t, domain.StatusVerified, v.statusFor(70))
	assert.Equal(t, domain.StatusNeedsReview, v.statusFor(69))
}

func TestEnrich_GeocodesMissingCoordinates(t *testing.T) {
	geo := &stubGeocoder{forward: map[string]domain.GeoResult{
		"500 SE Belmont St, Portland, OR 97214": {
			Latitude: 45.52, Longitude: -122.68, Source: "nominatim",
		},
	}}
	v := New(geo, testConfig())
	doc := docWithLocation(nil, nil, &domain.Address{
		Address1: "500 SE Belmont St", City: "Portland", StateProvince: "OR", PostalCode: "97214",
	})

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	loc := got.Locations[0]
	require.NotNil(t, loc.Latitude)
	assert.InDelta(t, 45.52, *loc.Latitude, 0.001)
	assert.Equal(t, "nominatim", loc.GeocodingSource)
	assert.Equal(t, 100, loc.ConfidenceScore)
}

func TestEnrich_GeocodeFailureFallsThroughToReject(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	doc := docWithLocation(nil, nil, &domain.Address{
		Address1: "nowhere lane", City: "Void", StateProvince: "OR",
	})

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Locations[0].ValidationStatus)
}

func TestEnrich_ReverseGeocodesMissingAddress(t *testing.T) {
	geo := &stubGeocoder{reverse: &domain.GeoResult{
		Latitude: 45.52, Longitude: -122.68,
		Address: "500 SE Belmont St", Source: "arcgis",
		Components: map[string]string{"city": "Portland", "state": "OR", "postal": "97214"},
	}}
	v := New(geo, testConfig())
	doc := docWithLocation(ptr(45.52), ptr(-122.68), nil)

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, got.Addresses, 1)
	assert.Equal(t, "500 SE Belmont St", got.Addresses[0].Address1)
	assert.Equal(t, "OR", got.Addresses[0].StateProvince)
	assert.Equal(t, "arcgis", got.Locations[0].GeocodingSource)
}

func TestDeriveStatuses_OrgTakesBestLocation(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	doc := domain.HSDSDocument{
		Organization: domain.Organization{Name: "Two Site Org"},
		Locations: []domain.Location{
			{ID: "a", Latitude: ptr(45.52), Longitude: ptr(-122.68)},
			{ID: "b"}, // missing coords, rejected
		},
		Services: []domain.Service{{ID: "s1", Name: "Pantry"}},
		ServicesAtLocation: []domain.ServiceAtLocation{
			{ServiceID: "s1", LocationID: "b"},
		},
	}

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Organization.ConfidenceScore)
	assert.Equal(t, domain.StatusVerified, got.Organization.ValidationStatus)
	// Service linked only to the rejected location inherits its score.
	assert.Equal(t, 0, got.Services[0].ConfidenceScore)
	assert.Equal(t, domain.StatusRejected, got.Services[0].ValidationStatus)
}

func TestDeriveStatuses_NoLocations(t *testing.T) {
	v := New(&stubGeocoder{}, testConfig())
	doc := domain.HSDSDocument{Organization: domain.Organization{Name: "Virtual Org"}}

	got, err := v.Process(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Organization.ConfidenceScore)
	assert.Equal(t, domain.StatusNeedsReview, got.Organization.ValidationStatus)
}

func TestNew_InvalidPlaceholderPatternSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.ValidationPlaceholderRegexes = []string{"[unclosed", `(?i)^\s*123 main st\b`}
	v := New(&stubGeocoder{}, cfg)
	assert.Len(t, v.placeholderRegexes, 1)
}
