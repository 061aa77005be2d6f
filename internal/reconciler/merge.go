package reconciler

import (
	"sort"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// Merging is a pure recomputation: the canonical record is derived from the
// full set of linked source rows every time a source changes. That makes the
// outcome independent of arrival order.
//
// Field selection walks sources best-ranked first (then most recent) and
// takes the first non-empty value. Coordinates are the confidence-weighted
// centroid of all located sources. Descriptions keep the longest text on the
// theory that scrapers truncate more often than they embellish.

// rankFunc maps a scraper id to its priority rank; lower ranks win.
type rankFunc func(scraperID string) int

func mergeOrganization(base domain.Organization, sources []domain.OrganizationSource, rank rankFunc) domain.Organization {
	ordered := make([]domain.OrganizationSource, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank(ordered[i].ScraperID), rank(ordered[j].ScraperID)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].ObservedAt.After(ordered[j].ObservedAt)
	})

	out := base
	out.Name = firstNonEmpty(ordered, func(s domain.OrganizationSource) string { return s.Name })
	out.NormalizedName = domain.NormalizeName(out.Name)
	out.URL = firstNonEmpty(ordered, func(s domain.OrganizationSource) string { return s.URL })
	out.Email = firstNonEmpty(ordered, func(s domain.OrganizationSource) string { return s.Email })
	out.LegalStatus = firstNonEmpty(ordered, func(s domain.OrganizationSource) string { return s.LegalStatus })
	out.TaxID = firstNonEmpty(ordered, func(s domain.OrganizationSource) string { return s.TaxID })
	out.Description = longest(ordered, func(s domain.OrganizationSource) string { return s.Description })

	out.ConfidenceScore = 0
	for _, s := range ordered {
		if s.Confidence > out.ConfidenceScore {
			out.ConfidenceScore = s.Confidence
		}
	}
	return out
}

func mergeLocation(base domain.Location, sources []domain.LocationSource, rank rankFunc) domain.Location {
	ordered := make([]domain.LocationSource, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank(ordered[i].ScraperID), rank(ordered[j].ScraperID)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].ObservedAt.After(ordered[j].ObservedAt)
	})

	out := base
	out.Name = firstNonEmpty(ordered, func(s domain.LocationSource) string { return s.Name })
	out.ExternalIdentifier = firstNonEmpty(ordered, func(s domain.LocationSource) string { return s.ExternalIdentifier })
	out.GeocodingSource = firstNonEmpty(ordered, func(s domain.LocationSource) string { return s.GeocodingSource })
	out.Description = longest(ordered, func(s domain.LocationSource) string { return s.Description })
	for _, s := range ordered {
		if s.LocationType != "" {
			out.LocationType = s.LocationType
			break
		}
	}

	if lat, lon, ok := weightedCentroid(ordered); ok {
		out.Latitude, out.Longitude = &lat, &lon
	}

	out.ConfidenceScore = 0
	for _, s := range ordered {
		if s.Confidence > out.ConfidenceScore {
			out.ConfidenceScore = s.Confidence
		}
	}
	return out
}

func mergeService(base domain.Service, sources []domain.ServiceSource, rank rankFunc) domain.Service {
	ordered := make([]domain.ServiceSource, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank(ordered[i].ScraperID), rank(ordered[j].ScraperID)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].ObservedAt.After(ordered[j].ObservedAt)
	})

	out := base
	out.Name = firstNonEmpty(ordered, func(s domain.ServiceSource) string { return s.Name })
	out.Description = longest(ordered, func(s domain.ServiceSource) string { return s.Description })
	out.EligibilityDescription = firstNonEmpty(ordered, func(s domain.ServiceSource) string { return s.Eligibility })
	for _, s := range ordered {
		if s.Status != "" {
			out.Status = s.Status
			break
		}
	}

	out.ConfidenceScore = 0
	for _, s := range ordered {
		if s.Confidence > out.ConfidenceScore {
			out.ConfidenceScore = s.Confidence
		}
	}
	return out
}

// weightedCentroid averages source coordinates weighted by confidence, so a
// high-confidence fix dominates low-confidence geocodes of the same site.
// Zero-confidence sources get weight 1 rather than vanishing.
func weightedCentroid(sources []domain.LocationSource) (lat, lon float64, ok bool) {
	var sumLat, sumLon, sumW float64
	for _, s := range sources {
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		w := float64(s.Confidence)
		if w <= 0 {
			w = 1
		}
		sumLat += *s.Latitude * w
		sumLon += *s.Longitude * w
		sumW += w
	}
	if sumW == 0 {
		return 0, 0, false
	}
	return sumLat / sumW, sumLon / sumW, true
}

func firstNonEmpty[T any](items []T, get func(T) string) string {
	for _, it := range items {
		if v := get(it); v != "" {
			return v
		}
	}
	return ""
}

func longest[T any](items []T, get func(T) string) string {
	best := ""
	for _, it := range items {
		if v := get(it); len(v) > len(best) {
			best = v
		}
	}
	return best
}
