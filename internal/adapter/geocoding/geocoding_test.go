package geocoding

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// fakeProvider returns a canned result or error and counts calls.
type fakeProvider struct {
	name  string
	res   domain.GeoResult
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Geocode(context.Context, string) (domain.GeoResult, error) {
	f.calls++
	if f.err != nil {
		return domain.GeoResult{}, f.err
	}
	return f.res, nil
}

func (f *fakeProvider) Reverse(context.Context, float64, float64) (domain.GeoResult, error) {
	f.calls++
	if f.err != nil {
		return domain.GeoResult{}, f.err
	}
	return f.res, nil
}

func chainConfig() config.Config {
	return config.Config{
		GeocodingBreakerThreshold: 3,
		GeocodingBreakerCooldown:  time.Minute,
		GeocodingMaxAttempts:      1,
	}
}

func testCache(t *testing.T) (*Cache, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCache(rdb, time.Hour), rdb
}

func TestProviderSet_FirstProviderWins(t *testing.T) {
	p1 := &fakeProvider{name: "p1", res: domain.GeoResult{Latitude: 45.5, Longitude: -122.6, Source: "p1"}}
	p2 := &fakeProvider{name: "p2"}
	s := NewProviderSet(chainConfig(), []Provider{p1, p2}, nil, nil)

	res, err := s.Geocode(context.Background(), "500 SE Belmont St")
	require.NoError(t, err)
	assert.Equal(t, "p1", res.Source)
	assert.Equal(t, 1, p1.calls)
	assert.Zero(t, p2.calls)
}

func TestProviderSet_FallsBackOnNotFound(t *testing.T) {
	p1 := &fakeProvider{name: "p1", err: fmt.Errorf("miss: %w", domain.ErrNotFound)}
	p2 := &fakeProvider{name: "p2", res: domain.GeoResult{Latitude: 45.5, Source: "p2"}}
	s := NewProviderSet(chainConfig(), []Provider{p1, p2}, nil, nil)

	res, err := s.Geocode(context.Background(), "somewhere")
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Source)
	assert.Equal(t, 1, p1.calls)
}

func TestProviderSet_FallsBackOnFailure(t *testing.T) {
	p1 := &fakeProvider{name: "p1", err: fmt.Errorf("503: %w", domain.ErrTransient)}
	p2 := &fakeProvider{name: "p2", res: domain.GeoResult{Latitude: 45.5, Source: "p2"}}
	s := NewProviderSet(chainConfig(), []Provider{p1, p2}, nil, nil)

	res, err := s.Geocode(context.Background(), "somewhere")
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Source)
}

func TestProviderSet_AllExhaustedIsNotGeocoded(t *testing.T) {
	p1 := &fakeProvider{name: "p1", err: fmt.Errorf("miss: %w", domain.ErrNotFound)}
	s := NewProviderSet(chainConfig(), []Provider{p1}, nil, nil)

	_, err := s.Geocode(context.Background(), "nowhere")
	assert.ErrorIs(t, err, domain.ErrNotGeocoded)
}

func TestProviderSet_CacheHitSkipsProviders(t *testing.T) {
	cache, _ := testCache(t)
	p1 := &fakeProvider{name: "p1", res: domain.GeoResult{Latitude: 45.5, Source: "p1"}}
	s := NewProviderSet(chainConfig(), []Provider{p1}, cache, nil)
	ctx := context.Background()

	_, err := s.Geocode(ctx, "500 SE Belmont St")
	require.NoError(t, err)
	res, err := s.Geocode(ctx, "500 SE Belmont St")
	require.NoError(t, err)

	assert.Equal(t, "p1", res.Source)
	assert.Equal(t, 1, p1.calls, "second lookup must come from the cache")
}

func TestProviderSet_NegativeAnswerIsCached(t *testing.T) {
	cache, _ := testCache(t)
	p1 := &fakeProvider{name: "p1", err: fmt.Errorf("miss: %w", domain.ErrNotFound)}
	s := NewProviderSet(chainConfig(), []Provider{p1}, cache, nil)
	ctx := context.Background()

	_, err := s.Geocode(ctx, "nowhere lane")
	assert.ErrorIs(t, err, domain.ErrNotGeocoded)
	_, err = s.Geocode(ctx, "nowhere lane")
	assert.ErrorIs(t, err, domain.ErrNotGeocoded)

	assert.Equal(t, 1, p1.calls, "cached sentinel must stop repeat provider hits")
}

func TestProviderSet_OpenBreakerSkipsProvider(t *testing.T) {
	p1 := &fakeProvider{name: "p1", res: domain.GeoResult{Source: "p1"}}
	p2 := &fakeProvider{name: "p2", res: domain.GeoResult{Source: "p2"}}
	s := NewProviderSet(chainConfig(), []Provider{p1, p2}, nil, nil)
	for i := 0; i < 3; i++ {
		s.breakers["p1"].RecordFailure()
	}

	res, err := s.Geocode(context.Background(), "somewhere")
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Source)
	assert.Zero(t, p1.calls)
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("p", 3, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.ShouldAttempt())
}

func TestCircuitBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker("p", 1, 10*time.Millisecond)
	cb.RecordFailure()
	assert.False(t, cb.ShouldAttempt())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.ShouldAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker("p", 5, 10*time.Millisecond)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.ShouldAttempt())

	// A single failure in half-open reopens regardless of the threshold.
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCache_RoundTrip(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()
	key := ForwardKey("500 SE Belmont St, Portland")

	_, err := cache.Get(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	want := domain.GeoResult{Latitude: 45.5, Longitude: -122.6, Source: "nominatim"}
	require.NoError(t, cache.Put(ctx, key, want))

	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCache_NotFoundSentinel(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()
	key := ForwardKey("nowhere")

	require.NoError(t, cache.PutNotFound(ctx, key))
	_, err := cache.Get(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotGeocoded)
}

func TestForwardKey_NormalizesQuery(t *testing.T) {
	assert.Equal(t, ForwardKey("500 SE Belmont St"), ForwardKey("  500   se BELMONT st "))
	assert.NotEqual(t, ForwardKey("500 SE Belmont St"), ForwardKey("501 SE Belmont St"))
}

func TestNominatim_Geocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "500 SE Belmont St", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`[{"lat": "45.52", "lon": "-122.68", "display_name": "500 SE Belmont St, Portland", "address": {"city": "Portland", "state": "Oregon"}}]`))
	}))
	defer srv.Close()
	n := NewNominatim(srv.URL, srv.Client())

	res, err := n.Geocode(context.Background(), "500 SE Belmont St")
	require.NoError(t, err)
	assert.InDelta(t, 45.52, res.Latitude, 1e-9)
	assert.InDelta(t, -122.68, res.Longitude, 1e-9)
	assert.Equal(t, "nominatim", res.Source)
	assert.Equal(t, "Portland", res.Components["city"])
}

func TestNominatim_EmptyResultIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	n := NewNominatim(srv.URL, srv.Client())

	_, err := n.Geocode(context.Background(), "nowhere")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNominatim_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrQuotaExceeded},
		{http.StatusInternalServerError, domain.ErrTransient},
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusForbidden, domain.ErrUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		n := NewNominatim(srv.URL, srv.Client())
		_, err := n.Geocode(context.Background(), "x")
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestNominatim_Reverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reverse", r.URL.Path)
		_, _ = w.Write([]byte(`{"lat": "45.52", "lon": "-122.68", "display_name": "500 SE Belmont St"}`))
	}))
	defer srv.Close()
	n := NewNominatim(srv.URL, srv.Client())

	res, err := n.Reverse(context.Background(), 45.52, -122.68)
	require.NoError(t, err)
	assert.Equal(t, "500 SE Belmont St", res.Address)
}

func TestCensus_Geocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/geocoder/locations/onelineaddress", r.URL.Path)
		_, _ = w.Write([]byte(`{"result": {"addressMatches": [{
			"matchedAddress": "500 SE BELMONT ST, PORTLAND, OR, 97214",
			"coordinates": {"x": -122.68, "y": 45.52},
			"addressComponents": {"state": "OR", "zip": "97214", "city": "PORTLAND"}
		}]}}`))
	}))
	defer srv.Close()
	c := NewCensus(srv.URL, srv.Client())

	res, err := c.Geocode(context.Background(), "500 SE Belmont St, Portland, OR")
	require.NoError(t, err)
	// Census reports x=longitude, y=latitude.
	assert.InDelta(t, 45.52, res.Latitude, 1e-9)
	assert.InDelta(t, -122.68, res.Longitude, 1e-9)
	assert.Equal(t, "census", res.Source)
	assert.Equal(t, "97214", res.Components["postal"])
}

func TestCensus_NoMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result": {"addressMatches": []}}`))
	}))
	defer srv.Close()
	c := NewCensus(srv.URL, srv.Client())

	_, err := c.Geocode(context.Background(), "nowhere")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCensus_ReverseUnsupported(t *testing.T) {
	c := NewCensus("http://localhost:1", http.DefaultClient)
	_, err := c.Reverse(context.Background(), 45.5, -122.6)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisLuaLimiter_TokenBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	l := NewRedisLuaLimiter(rdb, 1)
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "nominatim")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "nominatim")
	require.NoError(t, err)
	assert.False(t, allowed, "bucket of one token must be empty on the second call")
}

func TestRedisLuaLimiter_NilFailsOpen(t *testing.T) {
	var l *RedisLuaLimiter
	allowed, _, err := l.Allow(context.Background(), "nominatim")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBuildProviders(t *testing.T) {
	cfg := config.Config{GeocodingProviders: []string{"nominatim", "arcgis", "census"}}
	providers, err := BuildProviders(cfg)
	require.NoError(t, err)
	require.Len(t, providers, 3)
	assert.Equal(t, "nominatim", providers[0].Name())
	assert.Equal(t, "census", providers[2].Name())

	cfg.GeocodingProviders = []string{"google"}
	_, err = BuildProviders(cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
