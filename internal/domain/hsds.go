package domain

import (
	"strings"
	"time"
)

// ValidationStatus is derived from the confidence score and hard-reject rules.
type ValidationStatus string

const (
	StatusVerified    ValidationStatus = "verified"
	StatusNeedsReview ValidationStatus = "needs_review"
	StatusRejected    ValidationStatus = "rejected"
)

// LocationType per HSDS v3.1.1.
type LocationType string

const (
	LocationPhysical LocationType = "physical"
	LocationPostal   LocationType = "postal"
	LocationVirtual  LocationType = "virtual"
)

// ServiceStatus per HSDS v3.1.1.
type ServiceStatus string

const (
	ServiceActive            ServiceStatus = "active"
	ServiceInactive          ServiceStatus = "inactive"
	ServiceDefunct           ServiceStatus = "defunct"
	ServiceTemporarilyClosed ServiceStatus = "temporarily closed"
)

// ValidationFields are the quality attributes attached to Organization,
// Location and Service entities by the validator.
type ValidationFields struct {
	ConfidenceScore  int              `json:"confidence_score"`
	ValidationStatus ValidationStatus `json:"validation_status,omitempty"`
	ValidationNotes  []string         `json:"validation_notes,omitempty"`
	GeocodingSource  string           `json:"geocoding_source,omitempty"`
}

// Organization is the HSDS organization entity.
type Organization struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	NormalizedName   string `json:"normalized_name,omitempty"`
	Description      string `json:"description,omitempty"`
	URL              string `json:"url,omitempty"`
	Email            string `json:"email,omitempty"`
	YearIncorporated int    `json:"year_incorporated,omitempty"`
	LegalStatus      string `json:"legal_status,omitempty"`
	TaxID            string `json:"tax_id,omitempty"`
	ParentOrgID      string `json:"parent_organization_id,omitempty"`

	ValidationFields
}

// Location is the HSDS location entity. Latitude/Longitude are pointers so
// "absent" is distinguishable from zero; zero coordinates are a hard reject.
type Location struct {
	ID                 string       `json:"id,omitempty"`
	OrganizationID     string       `json:"organization_id,omitempty"`
	Name               string       `json:"name,omitempty"`
	Description        string       `json:"description,omitempty"`
	Latitude           *float64     `json:"latitude,omitempty"`
	Longitude          *float64     `json:"longitude,omitempty"`
	LocationType       LocationType `json:"location_type,omitempty"`
	ExternalIdentifier string       `json:"external_identifier,omitempty"`

	ValidationFields
}

// Service is the HSDS service entity.
type Service struct {
	ID                     string        `json:"id,omitempty"`
	OrganizationID         string        `json:"organization_id,omitempty"`
	Name                   string        `json:"name"`
	Description            string        `json:"description,omitempty"`
	Status                 ServiceStatus `json:"status,omitempty"`
	EligibilityDescription string        `json:"eligibility_description,omitempty"`

	ValidationFields
}

// ServiceAtLocation links a service to a location it is delivered at.
type ServiceAtLocation struct {
	ID         string `json:"id,omitempty"`
	ServiceID  string `json:"service_id"`
	LocationID string `json:"location_id"`
}

// Address is a subordinate entity keyed by its parent location.
type Address struct {
	ID         string `json:"id,omitempty"`
	LocationID string `json:"location_id,omitempty"`
	Address1   string `json:"address_1"`
	Address2   string `json:"address_2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	StateProvince string `json:"state_province,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	AddressType string `json:"address_type,omitempty"`
}

// Phone is a subordinate entity; parent may be an organization, service or location.
type Phone struct {
	ID             string `json:"id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	ServiceID      string `json:"service_id,omitempty"`
	LocationID     string `json:"location_id,omitempty"`
	Number         string `json:"number"`
	Extension      string `json:"extension,omitempty"`
	Type           string `json:"type,omitempty"`
}

// Schedule is a subordinate opening-hours entity.
type Schedule struct {
	ID         string `json:"id,omitempty"`
	ServiceID  string `json:"service_id,omitempty"`
	LocationID string `json:"location_id,omitempty"`
	OpensAt    string `json:"opens_at,omitempty"`
	ClosesAt   string `json:"closes_at,omitempty"`
	Byday      string `json:"byday,omitempty"`
	Freq       string `json:"freq,omitempty"`
	Description string `json:"description,omitempty"`
}

// Language, ServiceArea, Accessibility, Contact and Taxonomy are carried
// through alignment verbatim and persisted as subordinate rows.
type Language struct {
	ID         string `json:"id,omitempty"`
	ServiceID  string `json:"service_id,omitempty"`
	LocationID string `json:"location_id,omitempty"`
	Name       string `json:"name"`
	Code       string `json:"code,omitempty"`
}

type ServiceArea struct {
	ID          string `json:"id,omitempty"`
	ServiceID   string `json:"service_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Extent      string `json:"extent,omitempty"`
	ExtentType  string `json:"extent_type,omitempty"`
}

type Accessibility struct {
	ID          string `json:"id,omitempty"`
	LocationID  string `json:"location_id,omitempty"`
	Description string `json:"description,omitempty"`
	Details     string `json:"details,omitempty"`
}

type Contact struct {
	ID             string `json:"id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	ServiceID      string `json:"service_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Title          string `json:"title,omitempty"`
	Email          string `json:"email,omitempty"`
}

type Taxonomy struct {
	ID        string `json:"id,omitempty"`
	ServiceID string `json:"service_id,omitempty"`
	Term      string `json:"term"`
	Taxonomy  string `json:"taxonomy,omitempty"`
}

// HSDSDocument is the wire shape produced by alignment and consumed by the
// validator and reconciler. Entities reference each other by id.
type HSDSDocument struct {
	Organization       Organization        `json:"organization"`
	Locations          []Location          `json:"locations,omitempty"`
	Services           []Service           `json:"services,omitempty"`
	ServicesAtLocation []ServiceAtLocation `json:"services_at_location,omitempty"`
	Addresses          []Address           `json:"addresses,omitempty"`
	Phones             []Phone             `json:"phones,omitempty"`
	Schedules          []Schedule          `json:"schedules,omitempty"`
	Languages          []Language          `json:"languages,omitempty"`
	ServiceAreas       []ServiceArea       `json:"service_areas,omitempty"`
	Accessibility      []Accessibility     `json:"accessibility,omitempty"`
	Contacts           []Contact           `json:"contacts,omitempty"`
	Taxonomies         []Taxonomy          `json:"taxonomies,omitempty"`
}

// AddressFor returns the first address attached to the given location id.
func (d *HSDSDocument) AddressFor(locationID string) (Address, bool) {
	for _, a := range d.Addresses {
		if a.LocationID == locationID {
			return a, true
		}
	}
	return Address{}, false
}

// NormalizeName lowercases a name and collapses runs of whitespace. Canonical
// organization rows always carry NormalizeName(Name).
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// RecordVersion is an immutable snapshot written on every canonical change.
type RecordVersion struct {
	ID         string    `json:"id"`
	RecordID   string    `json:"record_id"`
	RecordType string    `json:"record_type"`
	VersionNum int       `json:"version_num"`
	Data       []byte    `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by"`
}
