package aligner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

const goodDoc = `{
  "organization": {"name": "Community Food Bank", "description": "Weekly food boxes for county residents"},
  "locations": [{"name": "Main Pantry", "latitude": 45.52, "longitude": -122.68, "location_type": "physical"}],
  "addresses": [{"address_1": "500 SE Belmont St", "city": "Portland", "state_province": "OR", "postal_code": "97214"}],
  "services": [{"name": "Food Boxes", "status": "active"}],
  "phones": [{"number": "503-555-0100", "type": "voice"}]
}`

// scriptedLLM replays responses in order and records the requests it saw.
type scriptedLLM struct {
	responses []domain.AlignResponse
	err       error
	requests  []domain.AlignRequest
}

func (s *scriptedLLM) Align(_ context.Context, req domain.AlignRequest) (domain.AlignResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return domain.AlignResponse{}, s.err
	}
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func (s *scriptedLLM) Provider() string { return "scripted" }

func alignConfig() config.Config {
	return config.Config{
		AlignMinConfidence: 0.6,
		AlignMaxRetries:    2,
		LLMMaxTokens:       4096,
		LLMTemperature:     0.2,
	}
}

func TestAlign_HighConfidenceFirstAttempt(t *testing.T) {
	client := &scriptedLLM{responses: []domain.AlignResponse{
		{Content: goodDoc, Model: "test-model", Confidence: 0.9},
	}}
	a := New(client, alignConfig())

	out, err := a.Align(context.Background(), []byte("Community Food Bank, 500 SE Belmont St"))
	require.NoError(t, err)

	assert.Equal(t, "Community Food Bank", out.Document.Organization.Name)
	assert.Equal(t, "community food bank", out.Document.Organization.NormalizedName)
	assert.InDelta(t, 0.9, out.Confidence, 1e-9)
	assert.False(t, out.NeedsReview)
	assert.Equal(t, "scripted", out.Provider)
	assert.Equal(t, "test-model", out.Model)
	assert.Len(t, client.requests, 1)
}

func TestAlign_SchemaViolationRetriesWithCorrectiveContext(t *testing.T) {
	client := &scriptedLLM{responses: []domain.AlignResponse{
		{Content: `{"organisation": {"name": "typo key"}}`, Model: "test-model", Confidence: 0.9},
		{Content: goodDoc, Model: "test-model", Confidence: 0.9},
	}}
	a := New(client, alignConfig())

	out, err := a.Align(context.Background(), []byte("raw page"))
	require.NoError(t, err)
	require.Len(t, client.requests, 2)

	assert.Contains(t, client.requests[1].UserPrompt, "fix them")
	assert.False(t, out.NeedsReview)
	assert.Equal(t, "Community Food Bank", out.Document.Organization.Name)
}

func TestAlign_PersistentLowConfidenceFlagsNeedsReview(t *testing.T) {
	// No org name, no services, no coordinates: scores well under the floor
	// on every attempt.
	thin := `{"organization": {"name": ""}, "locations": [{"name": "somewhere"}]}`
	client := &scriptedLLM{responses: []domain.AlignResponse{
		{Content: thin, Model: "test-model", Confidence: 0.5},
	}}
	a := New(client, alignConfig())

	out, err := a.Align(context.Background(), []byte("raw page"))
	require.NoError(t, err)

	// Initial attempt plus maxRetries.
	assert.Len(t, client.requests, 3)
	assert.True(t, out.NeedsReview)
	assert.Less(t, out.Confidence, 0.6)
	assert.NotEmpty(t, out.Diagnostics)
}

func TestAlign_ClientErrorPropagates(t *testing.T) {
	client := &scriptedLLM{err: fmt.Errorf("429: %w", domain.ErrQuotaExceeded)}
	a := New(client, alignConfig())

	_, err := a.Align(context.Background(), []byte("raw page"))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Len(t, client.requests, 1)
}

func TestParseDocument_RejectsUnknownFields(t *testing.T) {
	_, _, err := parseDocument([]byte(`{"organization": {"name": "x"}, "surprise": true}`))
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestParseDocument_MissingOrgNameDiagnostic(t *testing.T) {
	doc, diags, err := parseDocument([]byte(`{"organization": {"name": ""}}`))
	require.NoError(t, err)
	assert.Contains(t, diags, "organization.name is required")
	assert.Empty(t, doc.Organization.NormalizedName)
}

func TestCoherenceDiagnostics(t *testing.T) {
	doc := domain.HSDSDocument{
		Phones:    []domain.Phone{{Number: "call us anytime!"}},
		Addresses: []domain.Address{{Address1: "1 Main", PostalCode: "ABC123"}},
		Locations: []domain.Location{{Latitude: f(91), Longitude: f(0)}},
	}
	diags := coherenceDiagnostics(&doc)
	require.Len(t, diags, 3)
	assert.Contains(t, diags[0], "not numeric-like")
	assert.Contains(t, diags[1], "US pattern")
	assert.Contains(t, diags[2], "out of plausible range")
}

func TestCoherenceDiagnostics_NonUSPostalCodeSkipped(t *testing.T) {
	doc := domain.HSDSDocument{
		Addresses: []domain.Address{{Address1: "1 Main", PostalCode: "V6B 1A1", Country: "CA"}},
	}
	assert.Empty(t, coherenceDiagnostics(&doc))
}

func TestScoreConfidence(t *testing.T) {
	full := domain.HSDSDocument{
		Organization: domain.Organization{Name: "Org", Description: "desc"},
		Locations:    []domain.Location{{Latitude: f(45), Longitude: f(-122)}},
		Addresses:    []domain.Address{{Address1: "1 Main"}},
		Services:     []domain.Service{{Name: "Pantry"}},
	}
	assert.InDelta(t, 0.9, scoreConfidence(&full, nil, 0.9), 1e-9)
	// Out-of-range confidence falls back to completeness-only scoring.
	assert.InDelta(t, 1.0, scoreConfidence(&full, nil, 0), 1e-9)
	assert.InDelta(t, 1.0, scoreConfidence(&full, nil, 7), 1e-9)

	missing := domain.HSDSDocument{
		Locations: []domain.Location{{Name: "somewhere"}},
	}
	// 1.0 - orgName(0.25) - description(0.05) - coords(0.20) - address(0.10).
	assert.InDelta(t, 0.4, scoreConfidence(&missing, nil, 0), 1e-9)

	// Coherence penalty is capped at one band.
	many := make([]string, 10)
	assert.InDelta(t, 0.8, scoreConfidence(&full, many, 0.9), 1e-9)
}

func f(v float64) *float64 { return &v }
