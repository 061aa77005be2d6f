// Package validator enriches aligned HSDS documents (geocoding missing
// coordinates or addresses) and scores data quality with rule-based deltas.
// Rejection here is non-destructive: rejected records flow downstream tagged,
// and the reconciler keeps them out of the canonical tables.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// Validator runs enrichment then rule-based scoring.
type Validator struct {
	geo                domain.Geocoder
	verifiedThreshold  int
	rejectionThreshold int
	testPatterns       []string
	placeholderRegexes []*regexp.Regexp
}

// New constructs a Validator. Invalid placeholder regexes are dropped with a
// warning rather than failing the stage.
func New(geo domain.Geocoder, cfg config.Config) *Validator {
	regs, errs := compileRegexes(cfg.ValidationPlaceholderRegexes)
	for _, err := range errs {
		slog.Warn("invalid placeholder pattern skipped", slog.Any("error", err))
	}
	return &Validator{
		geo:                geo,
		verifiedThreshold:  cfg.ValidationVerifiedThreshold,
		rejectionThreshold: cfg.ValidationRejectionThreshold,
		testPatterns:       cfg.ValidationTestPatterns,
		placeholderRegexes: regs,
	}
}

// Process enriches and scores the document in place and returns it. The
// original payload is preserved; only validation attributes and enriched
// fields are added.
func (v *Validator) Process(ctx context.Context, doc domain.HSDSDocument) (domain.HSDSDocument, error) {
	tracer := otel.Tracer("validator")
	ctx, span := tracer.Start(ctx, "validator.Process")
	defer span.End()

	for i := range doc.Locations {
		v.enrichLocation(ctx, &doc, &doc.Locations[i])
	}
	for i := range doc.Locations {
		addr := addressFor(&doc, doc.Locations[i].ID, i)
		v.scoreLocation(&doc.Locations[i], addr)
	}

	v.deriveOrganizationStatus(&doc)
	v.deriveServiceStatus(&doc)
	return doc, nil
}

// enrichLocation fills missing coordinates from the address, or the missing
// address from coordinates, recording the provider used.
func (v *Validator) enrichLocation(ctx context.Context, doc *domain.HSDSDocument, loc *domain.Location) {
	addr := addressFor(doc, loc.ID, indexOfLocation(doc, loc))

	switch {
	case (loc.Latitude == nil || loc.Longitude == nil) && addr != nil:
		line := addressLine(*addr)
		res, err := v.geo.Geocode(ctx, line)
		if err != nil {
			if !errors.Is(err, domain.ErrNotGeocoded) {
				slog.Warn("geocoding failed during enrichment",
					slog.String("address", line), slog.Any("error", err))
			}
			return
		}
		loc.Latitude = &res.Latitude
		loc.Longitude = &res.Longitude
		loc.GeocodingSource = res.Source
		fillAddressComponents(addr, res.Components)

	case loc.Latitude != nil && loc.Longitude != nil && addr == nil:
		res, err := v.geo.Reverse(ctx, *loc.Latitude, *loc.Longitude)
		if err != nil {
			return
		}
		a := domain.Address{
			LocationID: loc.ID,
			Address1:   res.Address,
			Country:    "US",
			AddressType: "physical",
		}
		fillAddressComponents(&a, res.Components)
		doc.Addresses = append(doc.Addresses, a)
		loc.GeocodingSource = res.Source

	case addr != nil && (addr.StateProvince == "" || addr.PostalCode == ""):
		// Address and coordinates both present but components thin; a
		// forward lookup can fill state/postal.
		res, err := v.geo.Geocode(ctx, addressLine(*addr))
		if err != nil {
			return
		}
		fillAddressComponents(addr, res.Components)
		if loc.GeocodingSource == "" {
			loc.GeocodingSource = res.Source
		}
	}
}

// scoreLocation applies the rule set and derives the validation status.
func (v *Validator) scoreLocation(loc *domain.Location, addr *domain.Address) {
	score := 100
	var notes []string

	for _, r := range v.locationRules(*loc, addr) {
		if r.note != "" {
			notes = append(notes, r.note)
		}
		if r.hardReject {
			score = 0
			break
		}
		if r.setScore >= 0 {
			score = r.setScore
			continue
		}
		score += r.delta
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	loc.ConfidenceScore = score
	loc.ValidationNotes = notes
	loc.ValidationStatus = v.statusFor(score)
}

// statusFor derives the status. Exactly rejection_threshold is NOT rejected
// (strict less-than); exactly verified_threshold is verified.
func (v *Validator) statusFor(score int) domain.ValidationStatus {
	switch {
	case score >= v.verifiedThreshold:
		return domain.StatusVerified
	case score < v.rejectionThreshold:
		return domain.StatusRejected
	default:
		return domain.StatusNeedsReview
	}
}

// deriveOrganizationStatus rolls the best location outcome up to the org.
// An organization with no locations at all is reviewable, not rejected.
func (v *Validator) deriveOrganizationStatus(doc *domain.HSDSDocument) {
	if len(doc.Locations) == 0 {
		doc.Organization.ConfidenceScore = 50
		doc.Organization.ValidationStatus = domain.StatusNeedsReview
		doc.Organization.ValidationNotes = []string{"no locations to validate"}
		return
	}
	best := 0
	for _, l := range doc.Locations {
		if l.ConfidenceScore > best {
			best = l.ConfidenceScore
		}
	}
	doc.Organization.ConfidenceScore = best
	doc.Organization.ValidationStatus = v.statusFor(best)
}

// deriveServiceStatus gives each service the score of the best location it
// is linked to, falling back to the organization score when unlinked.
func (v *Validator) deriveServiceStatus(doc *domain.HSDSDocument) {
	locScore := make(map[string]int, len(doc.Locations))
	for _, l := range doc.Locations {
		locScore[l.ID] = l.ConfidenceScore
	}
	for i := range doc.Services {
		s := &doc.Services[i]
		best := -1
		for _, sal := range doc.ServicesAtLocation {
			if sal.ServiceID == s.ID {
				if sc, ok := locScore[sal.LocationID]; ok && sc > best {
					best = sc
				}
			}
		}
		if best < 0 {
			best = doc.Organization.ConfidenceScore
		}
		s.ConfidenceScore = best
		s.ValidationStatus = v.statusFor(best)
	}
}

// addressFor resolves the address for a location, by id when set, falling
// back to positional pairing for documents fresh out of alignment.
func addressFor(doc *domain.HSDSDocument, locationID string, idx int) *domain.Address {
	if locationID != "" {
		for i := range doc.Addresses {
			if doc.Addresses[i].LocationID == locationID {
				return &doc.Addresses[i]
			}
		}
	}
	if idx >= 0 && idx < len(doc.Addresses) && doc.Addresses[idx].LocationID == "" {
		return &doc.Addresses[idx]
	}
	return nil
}

func indexOfLocation(doc *domain.HSDSDocument, loc *domain.Location) int {
	for i := range doc.Locations {
		if &doc.Locations[i] == loc {
			return i
		}
	}
	return -1
}

func addressLine(a domain.Address) string {
	parts := []string{a.Address1}
	if a.City != "" {
		parts = append(parts, a.City)
	}
	if a.StateProvince != "" {
		tail := a.StateProvince
		if a.PostalCode != "" {
			tail += " " + a.PostalCode
		}
		parts = append(parts, tail)
	}
	return strings.Join(parts, ", ")
}

func fillAddressComponents(a *domain.Address, components map[string]string) {
	if a == nil || components == nil {
		return
	}
	if a.StateProvince == "" {
		if s, ok := components["state"]; ok {
			a.StateProvince = s
		}
	}
	if a.PostalCode == "" {
		if p, ok := components["postal"]; ok && p != "" {
			a.PostalCode = p
		} else if p, ok := components["postcode"]; ok {
			a.PostalCode = p
		}
	}
	if a.City == "" {
		if c, ok := components["city"]; ok {
			a.City = c
		}
	}
}

// Summary produces a compact log line for a processed document.
func Summary(doc *domain.HSDSDocument) string {
	rejected := 0
	for _, l := range doc.Locations {
		if l.ValidationStatus == domain.StatusRejected {
			rejected++
		}
	}
	return fmt.Sprintf("org=%q locations=%d rejected=%d org_status=%s",
		doc.Organization.Name, len(doc.Locations), rejected, doc.Organization.ValidationStatus)
}
