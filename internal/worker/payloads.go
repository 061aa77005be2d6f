package worker

import (
	"encoding/json"
	"fmt"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// Envelope is the inter-stage payload wrapping an HSDS document with the
// alignment provenance the downstream stages need.
type Envelope struct {
	Document    domain.HSDSDocument `json:"document"`
	Confidence  float64             `json:"confidence"`
	Provider    string              `json:"provider,omitempty"`
	Model       string              `json:"model,omitempty"`
	NeedsReview bool                `json:"needs_review,omitempty"`
}

func decodeEnvelope(raw json.RawMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("op=worker.decode: %w: %v", domain.ErrSchemaInvalid, err)
	}
	if env.Document.Organization.Name == "" {
		// Tolerate a bare document for hand-fed jobs.
		var doc domain.HSDSDocument
		if err := json.Unmarshal(raw, &doc); err == nil && doc.Organization.Name != "" {
			return Envelope{Document: doc}, nil
		}
		return Envelope{}, fmt.Errorf("op=worker.decode: empty document: %w", domain.ErrSchemaInvalid)
	}
	return env, nil
}

func encodeEnvelope(env Envelope) (json.RawMessage, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("op=worker.encode: %w", err)
	}
	return raw, nil
}
