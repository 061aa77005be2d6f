package domain

import "time"

// Source rows are one scraper's observation of an entity at a point in time.
// They are never merged away; canonical rows are recomputed from the full
// set of linked sources on every merge.

// OrganizationSource is one scraper's view of an organization.
type OrganizationSource struct {
	ID          string
	CanonicalID string
	ScraperID   string
	Name        string
	Description string
	URL         string
	Email       string
	LegalStatus string
	TaxID       string
	Confidence  int
	ObservedAt  time.Time
}

// LocationSource is one scraper's view of a location.
type LocationSource struct {
	ID                 string
	CanonicalID        string
	ScraperID          string
	Name               string
	Description        string
	Latitude           *float64
	Longitude          *float64
	LocationType       LocationType
	ExternalIdentifier string
	GeocodingSource    string
	Confidence         int
	ObservedAt         time.Time
}

// ServiceSource is one scraper's view of a service.
type ServiceSource struct {
	ID          string
	CanonicalID string
	ScraperID   string
	Name        string
	Description string
	Status      ServiceStatus
	Eligibility string
	Confidence  int
	ObservedAt  time.Time
}
