package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// StubClient is a fast, deterministic LLM client for local runs and tests.
// It extracts a best-effort HSDS document from naive scraper JSON of the form
// {"name": ..., "addr": ..., "lat": ..., "lon": ...}.
type StubClient struct{}

// NewStub constructs the stub client.
func NewStub() *StubClient { return &StubClient{} }

// Provider implements domain.LLMClient.
func (c *StubClient) Provider() string { return "stub" }

type stubInput struct {
	Name string   `json:"name"`
	Addr string   `json:"addr"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
}

// Align deterministically maps the user content into an HSDS document.
func (c *StubClient) Align(_ context.Context, req domain.AlignRequest) (domain.AlignResponse, error) {
	raw := req.UserPrompt
	if i := strings.Index(raw, "{"); i >= 0 {
		raw = raw[i:]
	}
	if j := strings.LastIndex(raw, "}"); j >= 0 {
		raw = raw[:j+1]
	}
	var in stubInput
	_ = json.Unmarshal([]byte(raw), &in)
	if in.Name == "" {
		in.Name = "Unknown Organization"
	}

	loc := domain.Location{
		Name:         in.Name,
		LocationType: domain.LocationPhysical,
		Latitude:     in.Lat,
		Longitude:    in.Lon,
	}
	doc := domain.HSDSDocument{
		Organization: domain.Organization{Name: in.Name},
		Locations:    []domain.Location{loc},
		Services: []domain.Service{
			{Name: in.Name + " Food Assistance", Status: domain.ServiceActive},
		},
	}
	if in.Addr != "" {
		doc.Addresses = []domain.Address{parseStubAddress(in.Addr)}
	}
	out, _ := json.Marshal(doc)
	return domain.AlignResponse{Content: string(out), Model: "stub", Confidence: 0.9}, nil
}

// parseStubAddress splits "street, city, ST 12345" shapes; anything that does
// not match is kept whole in Address1.
func parseStubAddress(addr string) domain.Address {
	parts := strings.Split(addr, ",")
	a := domain.Address{Address1: strings.TrimSpace(parts[0]), Country: "US", AddressType: "physical"}
	if len(parts) > 1 {
		a.City = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		fields := strings.Fields(strings.TrimSpace(parts[2]))
		if len(fields) > 0 {
			a.StateProvince = fields[0]
		}
		if len(fields) > 1 {
			a.PostalCode = fields[1]
		}
	}
	return a
}
