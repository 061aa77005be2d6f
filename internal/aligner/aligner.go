// Package aligner turns raw scraped content into HSDS-shaped structured data
// via a schema-constrained LLM call, scores its confidence, and retries with
// corrective context when the result is below the confidence floor.
package aligner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/pantrypirate/pipeline/internal/adapter/llm"
	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

const systemPrompt = `You are a data alignment engine for food-assistance resources.
Convert the raw scraped content into a single JSON object conforming to the
OpenReferral HSDS v3.1.1 subset below. Output ONLY the JSON object.

{
  "organization": {"name": string, "description": string, "url": string, "email": string},
  "locations": [{"name": string, "latitude": number, "longitude": number, "location_type": "physical"|"postal"|"virtual"}],
  "services": [{"name": string, "description": string, "status": "active"|"inactive"|"defunct"|"temporarily closed", "eligibility_description": string}],
  "addresses": [{"address_1": string, "city": string, "state_province": string, "postal_code": string, "country": string}],
  "phones": [{"number": string, "type": string}],
  "schedules": [{"opens_at": string, "closes_at": string, "byday": string}]
}

Rules: omit fields you cannot source from the content; never invent
coordinates; use null for unknown numbers; phone numbers keep digits and
punctuation only.`

// Outcome is the aligner's contract output.
type Outcome struct {
	Document    domain.HSDSDocument
	Confidence  float64
	Diagnostics []string
	NeedsReview bool
	Provider    string
	Model       string
}

// Aligner drives the LLM client.
type Aligner struct {
	client        domain.LLMClient
	minConfidence float64
	maxRetries    int
	maxTokens     int
	promptBudget  int
	temperature   float64
}

// New constructs an Aligner from config.
func New(client domain.LLMClient, cfg config.Config) *Aligner {
	return &Aligner{
		client:        client,
		minConfidence: cfg.AlignMinConfidence,
		maxRetries:    cfg.AlignMaxRetries,
		maxTokens:     cfg.LLMMaxTokens,
		promptBudget:  cfg.LLMPromptBudget,
		temperature:   cfg.LLMTemperature,
	}
}

// Align runs the alignment protocol: invoke, parse strictly, check field
// coherence, score, and retry with the failing fields spelled out when the
// score is under the floor. Persistent low confidence passes through flagged
// needs_review rather than being discarded.
func (a *Aligner) Align(ctx context.Context, content []byte) (Outcome, error) {
	tracer := otel.Tracer("aligner")
	ctx, span := tracer.Start(ctx, "aligner.Align")
	defer span.End()

	user := llm.TruncateToBudget(string(content), a.promptBudget)
	corrective := ""

	var last Outcome
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		prompt := user
		if corrective != "" {
			prompt = user + "\n\nPrevious attempt had these problems; fix them:\n" + corrective
		}
		resp, err := a.client.Align(ctx, domain.AlignRequest{
			SystemPrompt: systemPrompt,
			UserPrompt:   prompt,
			MaxTokens:    a.maxTokens,
			Temperature:  a.temperature,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("op=aligner.align: %w", err)
		}

		doc, diags, err := parseDocument([]byte(resp.Content))
		if err != nil {
			// Schema violation counts toward the retry budget.
			corrective = err.Error()
			last = Outcome{Diagnostics: []string{err.Error()}, Provider: a.client.Provider(), Model: resp.Model}
			slog.Warn("alignment output failed schema parse",
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			continue
		}

		diags = append(diags, coherenceDiagnostics(&doc)...)
		conf := scoreConfidence(&doc, diags, resp.Confidence)
		last = Outcome{
			Document:    doc,
			Confidence:  conf,
			Diagnostics: diags,
			Provider:    a.client.Provider(),
			Model:       resp.Model,
		}
		if conf >= a.minConfidence {
			return last, nil
		}
		corrective = strings.Join(diags, "\n")
		slog.Info("alignment below confidence floor, retrying with corrective context",
			slog.Int("attempt", attempt),
			slog.Float64("confidence", conf))
	}

	last.NeedsReview = true
	return last, nil
}

// parseDocument decodes strictly: fields outside the schema are rejected.
func parseDocument(raw []byte) (domain.HSDSDocument, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc domain.HSDSDocument
	if err := dec.Decode(&doc); err != nil {
		return domain.HSDSDocument{}, nil, fmt.Errorf("%w: %w", domain.ErrSchemaInvalid, err)
	}
	var diags []string
	if doc.Organization.Name == "" {
		diags = append(diags, "organization.name is required")
	}
	doc.Organization.NormalizedName = domain.NormalizeName(doc.Organization.Name)
	return doc, diags, nil
}
