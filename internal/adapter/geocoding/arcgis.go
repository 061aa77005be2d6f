package geocoding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// ArcGIS queries the Esri World Geocoding service.
type ArcGIS struct {
	baseURL string
	hc      *http.Client
}

// NewArcGIS constructs the provider against the given base URL.
func NewArcGIS(baseURL string, hc *http.Client) *ArcGIS {
	return &ArcGIS{baseURL: baseURL, hc: hc}
}

// Name implements Provider.
func (a *ArcGIS) Name() string { return "arcgis" }

type arcgisCandidates struct {
	Candidates []struct {
		Address  string `json:"address"`
		Score    float64 `json:"score"`
		Location struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"location"`
	} `json:"candidates"`
}

type arcgisReverse struct {
	Address struct {
		MatchAddr string `json:"Match_addr"`
		City      string `json:"City"`
		Region    string `json:"Region"`
		Postal    string `json:"Postal"`
	} `json:"address"`
	Location struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"location"`
	Error *struct {
		Code int `json:"code"`
	} `json:"error"`
}

// Geocode resolves a single-line address.
func (a *ArcGIS) Geocode(ctx context.Context, address string) (domain.GeoResult, error) {
	u := fmt.Sprintf("%s/arcgis/rest/services/World/GeocodeServer/findAddressCandidates?f=json&maxLocations=1&singleLine=%s",
		a.baseURL, url.QueryEscape(address))
	var out arcgisCandidates
	if err := a.get(ctx, u, &out); err != nil {
		return domain.GeoResult{}, err
	}
	if len(out.Candidates) == 0 {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.arcgis: %w", domain.ErrNotFound)
	}
	c := out.Candidates[0]
	return domain.GeoResult{
		Latitude:  c.Location.Y,
		Longitude: c.Location.X,
		Address:   c.Address,
		Source:    a.Name(),
	}, nil
}

// Reverse resolves coordinates to an address.
func (a *ArcGIS) Reverse(ctx context.Context, lat, lon float64) (domain.GeoResult, error) {
	u := fmt.Sprintf("%s/arcgis/rest/services/World/GeocodeServer/reverseGeocode?f=json&location=%f,%f", a.baseURL, lon, lat)
	var out arcgisReverse
	if err := a.get(ctx, u, &out); err != nil {
		return domain.GeoResult{}, err
	}
	if out.Error != nil || out.Address.MatchAddr == "" {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.arcgis: %w", domain.ErrNotFound)
	}
	return domain.GeoResult{
		Latitude:  lat,
		Longitude: lon,
		Address:   out.Address.MatchAddr,
		Source:    a.Name(),
		Components: map[string]string{
			"city":   out.Address.City,
			"state":  out.Address.Region,
			"postal": out.Address.Postal,
		},
	}, nil
}

func (a *ArcGIS) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("op=geocoding.arcgis: %w", err)
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=geocoding.arcgis: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("op=geocoding.arcgis: %w", domain.ErrQuotaExceeded)
	case resp.StatusCode >= 500:
		return fmt.Errorf("op=geocoding.arcgis: %w: status %d", domain.ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("op=geocoding.arcgis: %w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("op=geocoding.arcgis: %w: %w", domain.ErrSchemaInvalid, err)
	}
	return nil
}
