package geocoding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/pantrypirate/pipeline/internal/adapter/observability"
	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// ProviderSet is the ordered fallback chain implementing domain.Geocoder.
// Every call consults the cache first; cache hits never touch a provider.
type ProviderSet struct {
	providers   []Provider
	breakers    map[string]*CircuitBreaker
	cache       *Cache
	limiter     Limiter
	maxAttempts int
}

// NewProviderSet wires providers, breakers, cache and limiter from config.
func NewProviderSet(cfg config.Config, providers []Provider, cache *Cache, limiter Limiter) *ProviderSet {
	breakers := make(map[string]*CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = NewCircuitBreaker(p.Name(), cfg.GeocodingBreakerThreshold, cfg.GeocodingBreakerCooldown)
	}
	return &ProviderSet{
		providers:   providers,
		breakers:    breakers,
		cache:       cache,
		limiter:     limiter,
		maxAttempts: cfg.GeocodingMaxAttempts,
	}
}

// Geocode resolves an address through the chain.
func (s *ProviderSet) Geocode(ctx context.Context, address string) (domain.GeoResult, error) {
	return s.run(ctx, ForwardKey(address), func(ctx context.Context, p Provider) (domain.GeoResult, error) {
		return p.Geocode(ctx, address)
	})
}

// Reverse resolves coordinates through the chain.
func (s *ProviderSet) Reverse(ctx context.Context, lat, lon float64) (domain.GeoResult, error) {
	return s.run(ctx, ReverseKey(lat, lon), func(ctx context.Context, p Provider) (domain.GeoResult, error) {
		return p.Reverse(ctx, lat, lon)
	})
}

func (s *ProviderSet) run(ctx context.Context, cacheKey string, call func(context.Context, Provider) (domain.GeoResult, error)) (domain.GeoResult, error) {
	if s.cache != nil {
		res, err := s.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, domain.ErrNotGeocoded):
			return domain.GeoResult{}, err
		}
	}

	allNotFound := true
	for _, p := range s.providers {
		br := s.breakers[p.Name()]
		if !br.ShouldAttempt() {
			slog.Debug("skipping provider, circuit open", slog.String("provider", p.Name()))
			allNotFound = false
			continue
		}

		res, err := s.invoke(ctx, p, br, call)
		if err == nil {
			if s.cache != nil {
				if cerr := s.cache.Put(ctx, cacheKey, res); cerr != nil {
					slog.Warn("geocode cache write failed", slog.Any("error", cerr))
				}
			}
			return res, nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			// Definitive miss from this provider; try the next one.
			continue
		}
		allNotFound = false
	}

	if allNotFound && s.cache != nil {
		if cerr := s.cache.PutNotFound(ctx, cacheKey); cerr != nil {
			slog.Warn("geocode sentinel write failed", slog.Any("error", cerr))
		}
	}
	return domain.GeoResult{}, fmt.Errorf("op=geocoding.chain: %w", domain.ErrNotGeocoded)
}

// invoke calls one provider with rate limiting and transient-failure retry.
// Not-found answers are returned immediately without retrying.
func (s *ProviderSet) invoke(ctx context.Context, p Provider, br *CircuitBreaker, call func(context.Context, Provider) (domain.GeoResult, error)) (domain.GeoResult, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.RandomizationFactor = 0.3

	var res domain.GeoResult
	attempt := 0
	operation := func() error {
		attempt++
		if s.limiter != nil {
			allowed, retryAfter, _ := s.limiter.Allow(ctx, p.Name())
			if !allowed {
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
		}

		var err error
		res, err = call(ctx, p)
		if err == nil {
			observability.GeocodeAttemptsTotal.WithLabelValues(p.Name(), "success").Inc()
			br.RecordSuccess()
			return nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			observability.GeocodeAttemptsTotal.WithLabelValues(p.Name(), "not_found").Inc()
			return backoff.Permanent(err)
		}
		observability.GeocodeAttemptsTotal.WithLabelValues(p.Name(), "failure").Inc()
		br.RecordFailure()
		if attempt >= s.maxAttempts || !br.ShouldAttempt() {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(expo, ctx)); err != nil {
		return domain.GeoResult{}, err
	}
	return res, nil
}
