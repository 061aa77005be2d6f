// Package geocoding implements the multi-provider geocoder: an ordered
// fallback chain of HTTP providers behind a shared Redis cache, with a
// per-provider circuit breaker and token-bucket rate limiting.
package geocoding

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// Provider is a single upstream geocoding service.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, address string) (domain.GeoResult, error)
	Reverse(ctx context.Context, lat, lon float64) (domain.GeoResult, error)
}

// newHTTPClient builds the shared provider HTTP client with otel transport.
func newHTTPClient(cfg config.Config) *http.Client {
	return &http.Client{
		Timeout:   cfg.GeocodingTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// BuildProviders instantiates the configured provider chain in order.
// Unknown provider names fail at startup, not at first use.
func BuildProviders(cfg config.Config) ([]Provider, error) {
	hc := newHTTPClient(cfg)
	providers := make([]Provider, 0, len(cfg.GeocodingProviders))
	for _, name := range cfg.GeocodingProviders {
		switch name {
		case "nominatim":
			providers = append(providers, NewNominatim(cfg.NominatimBaseURL, hc))
		case "arcgis":
			providers = append(providers, NewArcGIS(cfg.ArcGISBaseURL, hc))
		case "census":
			providers = append(providers, NewCensus(cfg.CensusBaseURL, hc))
		default:
			return nil, fmt.Errorf("op=geocoding.build: %w: unknown provider %q", domain.ErrInvalidArgument, name)
		}
	}
	return providers, nil
}
