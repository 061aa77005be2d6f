package aligner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// Weighted penalties per missing required field, between 0.05 and 0.25
// depending on how load-bearing the field is downstream.
const (
	penaltyOrgName     = 0.25
	penaltyCoordinates = 0.20
	penaltyAddress     = 0.10
	penaltyServiceName = 0.10
	penaltyDescription = 0.05
	penaltyCoherence   = 0.10
)

var (
	phonePattern  = regexp.MustCompile(`^[\d\s\-\+\(\)\.x]{7,20}$`)
	usZipPattern  = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
)

// coherenceDiagnostics runs field-coherence checks over a parsed document.
// Each failing check yields one diagnostic string.
func coherenceDiagnostics(doc *domain.HSDSDocument) []string {
	var diags []string
	for _, p := range doc.Phones {
		if p.Number != "" && !phonePattern.MatchString(p.Number) {
			diags = append(diags, fmt.Sprintf("phone %q is not numeric-like", p.Number))
		}
	}
	for _, a := range doc.Addresses {
		country := strings.ToUpper(a.Country)
		if a.PostalCode != "" && (country == "" || country == "US" || country == "USA") && !usZipPattern.MatchString(a.PostalCode) {
			diags = append(diags, fmt.Sprintf("postal code %q does not match the US pattern", a.PostalCode))
		}
	}
	for i, l := range doc.Locations {
		if l.Latitude == nil || l.Longitude == nil {
			continue
		}
		if *l.Latitude < -90 || *l.Latitude > 90 || *l.Longitude < -180 || *l.Longitude > 180 {
			diags = append(diags, fmt.Sprintf("locations[%d] coordinates out of plausible range", i))
		}
	}
	return diags
}

// scoreConfidence combines the LLM-reported confidence (when present),
// completeness of required fields, and coherence outcomes into [0,1].
func scoreConfidence(doc *domain.HSDSDocument, diags []string, llmConfidence float64) float64 {
	score := 1.0
	if llmConfidence > 0 && llmConfidence <= 1 {
		score = llmConfidence
	}

	if doc.Organization.Name == "" {
		score -= penaltyOrgName
	}
	if doc.Organization.Description == "" {
		score -= penaltyDescription
	}

	hasCoords := false
	for _, l := range doc.Locations {
		if l.Latitude != nil && l.Longitude != nil {
			hasCoords = true
			break
		}
	}
	if len(doc.Locations) > 0 && !hasCoords {
		score -= penaltyCoordinates
	}
	if len(doc.Locations) > 0 && len(doc.Addresses) == 0 {
		score -= penaltyAddress
	}
	for _, s := range doc.Services {
		if s.Name == "" {
			score -= penaltyServiceName
			break
		}
	}

	// Coherence failures are counted per diagnostic, capped at one full
	// coherence band so a noisy page cannot zero out an otherwise sound doc.
	coherencePenalty := float64(len(diags)) * 0.03
	if coherencePenalty > penaltyCoherence {
		coherencePenalty = penaltyCoherence
	}
	score -= coherencePenalty

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
