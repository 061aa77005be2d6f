package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// Continental US bounding box, plus Alaska and Hawaii boxes. Edges are
// inclusive: a coordinate exactly on the box edge passes.
type boundsBox struct {
	minLat, maxLat, minLon, maxLon float64
}

var usBoxes = []boundsBox{
	{25, 49, -125, -67},          // continental US
	{51, 72, -170, -129},         // Alaska
	{18.5, 22.5, -160.5, -154.5}, // Hawaii
}

func inUSBounds(lat, lon float64) bool {
	for _, b := range usBoxes {
		if lat >= b.minLat && lat <= b.maxLat && lon >= b.minLon && lon <= b.maxLon {
			return true
		}
	}
	return false
}

// Coarse per-state bounding boxes used for the state-vs-coordinates
// coherence rule. Precision is deliberately loose; the rule only catches
// gross mismatches (a "NY" address geocoded into Texas).
var stateBoxes = map[string]boundsBox{
	"AL": {30.1, 35.0, -88.5, -84.9}, "AK": {51.0, 72.0, -170.0, -129.0},
	"AZ": {31.3, 37.0, -114.9, -109.0}, "AR": {33.0, 36.5, -94.7, -89.6},
	"CA": {32.5, 42.0, -124.5, -114.1}, "CO": {36.9, 41.1, -109.1, -102.0},
	"CT": {40.9, 42.1, -73.8, -71.8}, "DE": {38.4, 39.9, -75.8, -74.9},
	"FL": {24.5, 31.0, -87.7, -80.0}, "GA": {30.3, 35.0, -85.7, -80.8},
	"HI": {18.5, 22.5, -160.5, -154.5}, "ID": {41.9, 49.0, -117.3, -111.0},
	"IL": {36.9, 42.6, -91.6, -87.0}, "IN": {37.7, 41.8, -88.1, -84.7},
	"IA": {40.3, 43.6, -96.7, -90.1}, "KS": {36.9, 40.1, -102.1, -94.5},
	"KY": {36.4, 39.2, -89.6, -81.9}, "LA": {28.9, 33.1, -94.1, -88.8},
	"ME": {42.9, 47.5, -71.1, -66.9}, "MD": {37.8, 39.8, -79.5, -74.9},
	"MA": {41.2, 42.9, -73.6, -69.9}, "MI": {41.6, 48.3, -90.5, -82.3},
	"MN": {43.4, 49.4, -97.3, -89.4}, "MS": {30.1, 35.0, -91.7, -88.0},
	"MO": {35.9, 40.7, -95.8, -89.0}, "MT": {44.3, 49.1, -116.1, -104.0},
	"NE": {39.9, 43.1, -104.1, -95.3}, "NV": {35.0, 42.1, -120.1, -114.0},
	"NH": {42.6, 45.4, -72.6, -70.6}, "NJ": {38.9, 41.4, -75.6, -73.8},
	"NM": {31.2, 37.1, -109.1, -103.0}, "NY": {40.4, 45.1, -79.8, -71.8},
	"NC": {33.8, 36.6, -84.4, -75.4}, "ND": {45.9, 49.1, -104.1, -96.5},
	"OH": {38.4, 42.0, -84.9, -80.5}, "OK": {33.6, 37.1, -103.1, -94.4},
	"OR": {41.9, 46.3, -124.6, -116.4}, "PA": {39.7, 42.3, -80.6, -74.6},
	"RI": {41.1, 42.1, -71.9, -71.1}, "SC": {32.0, 35.3, -83.4, -78.5},
	"SD": {42.4, 45.9, -104.1, -96.4}, "TN": {34.9, 36.7, -90.4, -81.6},
	"TX": {25.8, 36.6, -106.7, -93.5}, "UT": {36.9, 42.1, -114.1, -109.0},
	"VT": {42.7, 45.1, -73.5, -71.4}, "VA": {36.5, 39.5, -83.7, -75.2},
	"WA": {45.5, 49.1, -124.9, -116.9}, "WV": {37.1, 40.7, -82.7, -77.7},
	"WI": {42.4, 47.1, -92.9, -86.7}, "WY": {40.9, 45.1, -111.1, -104.0},
	"DC": {38.8, 39.0, -77.2, -76.9},
}

// stateCoherent reports whether coordinates fall inside the named state's
// box. Unknown state codes are treated as coherent.
func stateCoherent(state string, lat, lon float64) bool {
	b, ok := stateBoxes[strings.ToUpper(strings.TrimSpace(state))]
	if !ok {
		return true
	}
	return lat >= b.minLat && lat <= b.maxLat && lon >= b.minLon && lon <= b.maxLon
}

// ruleOutcome is one rule's contribution to the final score.
type ruleOutcome struct {
	delta      int
	setScore   int // when >= 0, overrides the running score
	hardReject bool
	note       string
}

// locationRules evaluates every scoring rule for a single location. The
// returned outcomes are applied in order; hard rejects short-circuit to 0.
func (v *Validator) locationRules(loc domain.Location, addr *domain.Address) []ruleOutcome {
	var out []ruleOutcome

	if loc.Latitude == nil || loc.Longitude == nil {
		out = append(out, ruleOutcome{hardReject: true, setScore: 0, note: "coordinates missing after enrichment"})
		return out
	}
	lat, lon := *loc.Latitude, *loc.Longitude
	if lat == 0 && lon == 0 {
		out = append(out, ruleOutcome{hardReject: true, setScore: 0, note: "zero coordinates"})
		return out
	}

	if !inUSBounds(lat, lon) {
		out = append(out, ruleOutcome{delta: -70, setScore: -1, note: fmt.Sprintf("coordinates (%.4f, %.4f) outside US bounds", lat, lon)})
	}

	if addr != nil && addr.StateProvince != "" && !stateCoherent(addr.StateProvince, lat, lon) {
		out = append(out, ruleOutcome{delta: -20, setScore: -1, note: fmt.Sprintf("state %s does not match coordinates", addr.StateProvince)})
	}

	if note, hit := v.testPatternHit(loc, addr); hit {
		out = append(out, ruleOutcome{setScore: 5, note: note})
	}

	if addr != nil {
		for _, re := range v.placeholderRegexes {
			if re.MatchString(addr.Address1) {
				out = append(out, ruleOutcome{delta: -75, setScore: -1, note: fmt.Sprintf("placeholder address %q", addr.Address1)})
				break
			}
		}
	}

	if d, note := geocodingSourceModifier(loc.GeocodingSource); d != 0 {
		out = append(out, ruleOutcome{delta: d, setScore: -1, note: note})
	}

	return out
}

// testPatternHit scans name and address fields for configured test-data
// tokens ("anytown", "test", ...).
func (v *Validator) testPatternHit(loc domain.Location, addr *domain.Address) (string, bool) {
	haystack := strings.ToLower(loc.Name)
	if addr != nil {
		haystack += " " + strings.ToLower(addr.Address1+" "+addr.City)
	}
	for _, tok := range v.testPatterns {
		if tok == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(tok)) {
			return fmt.Sprintf("test-data pattern %q", tok), true
		}
	}
	return "", false
}

// geocodingSourceModifier rewards verified providers over interpolated and
// centroid-level answers.
func geocodingSourceModifier(source string) (int, string) {
	switch source {
	case "":
		return 0, ""
	case "nominatim", "arcgis":
		return 0, ""
	case "census":
		return -5, "interpolated geocoding source"
	default:
		if strings.Contains(source, "centroid") {
			return -15, "centroid-level geocoding source"
		}
		return 0, ""
	}
}

// compileRegexes compiles configured placeholder patterns, skipping any that
// fail to compile (logged by the caller at startup).
func compileRegexes(patterns []string) ([]*regexp.Regexp, []error) {
	var regs []*regexp.Regexp
	var errs []error
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", p, err))
			continue
		}
		regs = append(regs, re)
	}
	return regs, errs
}
