package geocoding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// Census queries the US Census Bureau geocoder. It covers US street
// addresses only and does not support reverse lookups.
type Census struct {
	baseURL string
	hc      *http.Client
}

// NewCensus constructs the provider against the given base URL.
func NewCensus(baseURL string, hc *http.Client) *Census {
	return &Census{baseURL: baseURL, hc: hc}
}

// Name implements Provider.
func (c *Census) Name() string { return "census" }

type censusResponse struct {
	Result struct {
		AddressMatches []struct {
			MatchedAddress string `json:"matchedAddress"`
			Coordinates    struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			} `json:"coordinates"`
			AddressComponents struct {
				State string `json:"state"`
				Zip   string `json:"zip"`
				City  string `json:"city"`
			} `json:"addressComponents"`
		} `json:"addressMatches"`
	} `json:"result"`
}

// Geocode resolves a one-line US address.
func (c *Census) Geocode(ctx context.Context, address string) (domain.GeoResult, error) {
	u := fmt.Sprintf("%s/geocoder/locations/onelineaddress?benchmark=Public_AR_Current&format=json&address=%s",
		c.baseURL, url.QueryEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.census: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.census: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.census: %w", domain.ErrQuotaExceeded)
	case resp.StatusCode >= 500:
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.census: %w: status %d", domain.ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.census: %w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}
	var out censusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.census: %w: %w", domain.ErrSchemaInvalid, err)
	}
	if len(out.Result.AddressMatches) == 0 {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.census: %w", domain.ErrNotFound)
	}
	m := out.Result.AddressMatches[0]
	return domain.GeoResult{
		Latitude:  m.Coordinates.Y,
		Longitude: m.Coordinates.X,
		Address:   m.MatchedAddress,
		Source:    c.Name(),
		Components: map[string]string{
			"state":  m.AddressComponents.State,
			"postal": m.AddressComponents.Zip,
			"city":   m.AddressComponents.City,
		},
	}, nil
}

// Reverse is unsupported by the census locations endpoint.
func (c *Census) Reverse(_ context.Context, _, _ float64) (domain.GeoResult, error) {
	return domain.GeoResult{}, fmt.Errorf("op=geocoding.census: reverse: %w", domain.ErrNotFound)
}
