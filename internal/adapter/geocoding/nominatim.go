package geocoding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// Nominatim queries an OSM Nominatim instance.
type Nominatim struct {
	baseURL string
	hc      *http.Client
}

// NewNominatim constructs the provider against the given base URL.
func NewNominatim(baseURL string, hc *http.Client) *Nominatim {
	return &Nominatim{baseURL: baseURL, hc: hc}
}

// Name implements Provider.
func (n *Nominatim) Name() string { return "nominatim" }

type nominatimHit struct {
	Lat         string            `json:"lat"`
	Lon         string            `json:"lon"`
	DisplayName string            `json:"display_name"`
	Address     map[string]string `json:"address"`
}

// Geocode resolves a freeform address to coordinates.
func (n *Nominatim) Geocode(ctx context.Context, address string) (domain.GeoResult, error) {
	u := fmt.Sprintf("%s/search?format=jsonv2&limit=1&addressdetails=1&q=%s", n.baseURL, url.QueryEscape(address))
	var hits []nominatimHit
	if err := n.get(ctx, u, &hits); err != nil {
		return domain.GeoResult{}, err
	}
	if len(hits) == 0 {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.nominatim: %w", domain.ErrNotFound)
	}
	return n.toResult(hits[0])
}

// Reverse resolves coordinates to an address.
func (n *Nominatim) Reverse(ctx context.Context, lat, lon float64) (domain.GeoResult, error) {
	u := fmt.Sprintf("%s/reverse?format=jsonv2&addressdetails=1&lat=%f&lon=%f", n.baseURL, lat, lon)
	var hit nominatimHit
	if err := n.get(ctx, u, &hit); err != nil {
		return domain.GeoResult{}, err
	}
	if hit.Lat == "" {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.nominatim: %w", domain.ErrNotFound)
	}
	return n.toResult(hit)
}

func (n *Nominatim) toResult(hit nominatimHit) (domain.GeoResult, error) {
	lat, err1 := strconv.ParseFloat(hit.Lat, 64)
	lon, err2 := strconv.ParseFloat(hit.Lon, 64)
	if err1 != nil || err2 != nil {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.nominatim: %w: bad coordinates", domain.ErrSchemaInvalid)
	}
	return domain.GeoResult{
		Latitude:   lat,
		Longitude:  lon,
		Address:    hit.DisplayName,
		Source:     n.Name(),
		Components: hit.Address,
	}, nil
}

func (n *Nominatim) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("op=geocoding.nominatim: %w", err)
	}
	req.Header.Set("User-Agent", "pantry-pipeline/1.0")
	resp, err := n.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=geocoding.nominatim: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("op=geocoding.nominatim: %w", domain.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("op=geocoding.nominatim: %w", domain.ErrQuotaExceeded)
	case resp.StatusCode >= 500:
		return fmt.Errorf("op=geocoding.nominatim: %w: status %d", domain.ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("op=geocoding.nominatim: %w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("op=geocoding.nominatim: %w: %w", domain.ErrSchemaInvalid, err)
	}
	return nil
}
