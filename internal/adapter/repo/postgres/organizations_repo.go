package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// OrganizationRepo persists canonical organizations and their source rows.
// Repositories are stateless; every method takes the Querier to run against
// so the reconciler can supply its transaction.
type OrganizationRepo struct{}

// FindCanonicalByNameNear matches an organization by normalized name and
// geographic proximity of any of its locations. When the caller has no
// coordinates the proximity constraint is waived, so organizations with no
// located sites can still be matched by name.
func (r *OrganizationRepo) FindCanonicalByNameNear(ctx context.Context, q Querier, normalizedName string, lat, lon *float64, delta float64) (domain.Organization, error) {
	ctx, span := otel.Tracer("repo.organizations").Start(ctx, "organizations.FindCanonicalByNameNear")
	defer span.End()

	var row pgx.Row
	if lat != nil && lon != nil {
		row = q.QueryRow(ctx, `SELECT o.id, o.name, o.normalized_name, o.description, o.url, o.email,
			COALESCE(o.year_incorporated, 0), o.legal_status, o.tax_id, o.confidence_score, o.validation_status
			FROM organization o
			JOIN location l ON l.organization_id = o.id
			WHERE o.normalized_name = $1 AND o.is_canonical
			  AND l.latitude BETWEEN $2 - $4 AND $2 + $4
			  AND l.longitude BETWEEN $3 - $4 AND $3 + $4
			LIMIT 1`, normalizedName, *lat, *lon, delta)
	} else {
		row = q.QueryRow(ctx, `SELECT id, name, normalized_name, description, url, email,
			COALESCE(year_incorporated, 0), legal_status, tax_id, confidence_score, validation_status
			FROM organization
			WHERE normalized_name = $1 AND is_canonical
			LIMIT 1`, normalizedName)
	}
	org, err := scanOrganization(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Organization{}, fmt.Errorf("op=org.find: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Organization{}, fmt.Errorf("op=org.find: %w", err)
	}
	return org, nil
}

// GetCanonical loads a canonical organization by id.
func (r *OrganizationRepo) GetCanonical(ctx context.Context, q Querier, id string) (domain.Organization, error) {
	row := q.QueryRow(ctx, `SELECT id, name, normalized_name, description, url, email,
		COALESCE(year_incorporated, 0), legal_status, tax_id, confidence_score, validation_status
		FROM organization WHERE id = $1`, id)
	org, err := scanOrganization(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Organization{}, fmt.Errorf("op=org.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Organization{}, fmt.Errorf("op=org.get: %w", err)
	}
	return org, nil
}

// CreateCanonical inserts a new canonical organization.
func (r *OrganizationRepo) CreateCanonical(ctx context.Context, q Querier, org domain.Organization) error {
	ctx, span := otel.Tracer("repo.organizations").Start(ctx, "organizations.CreateCanonical")
	defer span.End()

	_, err := q.Exec(ctx, `INSERT INTO organization
		(id, name, normalized_name, description, url, email, year_incorporated, legal_status, tax_id, confidence_score, validation_status)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,0),$8,$9,$10,$11)`,
		org.ID, org.Name, org.NormalizedName, org.Description, org.URL, org.Email,
		org.YearIncorporated, org.LegalStatus, org.TaxID, org.ConfidenceScore, string(org.ValidationStatus))
	if err != nil {
		return fmt.Errorf("op=org.create: %w", err)
	}
	return nil
}

// UpdateCanonical rewrites the merged canonical fields.
func (r *OrganizationRepo) UpdateCanonical(ctx context.Context, q Querier, org domain.Organization) error {
	_, err := q.Exec(ctx, `UPDATE organization SET
		name=$2, normalized_name=$3, description=$4, url=$5, email=$6,
		year_incorporated=NULLIF($7,0), legal_status=$8, tax_id=$9,
		confidence_score=$10, validation_status=$11, updated_at=$12
		WHERE id=$1`,
		org.ID, org.Name, org.NormalizedName, org.Description, org.URL, org.Email,
		org.YearIncorporated, org.LegalStatus, org.TaxID, org.ConfidenceScore,
		string(org.ValidationStatus), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=org.update: %w", err)
	}
	return nil
}

// UpsertSource writes one scraper's observation, keyed (canonical_id, scraper_id).
// A repeat observation from the same scraper replaces its previous row.
func (r *OrganizationRepo) UpsertSource(ctx context.Context, q Querier, src domain.OrganizationSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	_, err := q.Exec(ctx, `INSERT INTO organization_source
		(id, canonical_id, scraper_id, name, description, url, email, legal_status, tax_id, confidence_score, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (canonical_id, scraper_id) DO UPDATE SET
		  name=EXCLUDED.name, description=EXCLUDED.description, url=EXCLUDED.url,
		  email=EXCLUDED.email, legal_status=EXCLUDED.legal_status, tax_id=EXCLUDED.tax_id,
		  confidence_score=EXCLUDED.confidence_score, observed_at=EXCLUDED.observed_at`,
		src.ID, src.CanonicalID, src.ScraperID, src.Name, src.Description, src.URL,
		src.Email, src.LegalStatus, src.TaxID, src.Confidence, src.ObservedAt)
	if err != nil {
		return fmt.Errorf("op=org.upsert_source: %w", err)
	}
	return nil
}

// ListSources returns every source row linked to a canonical organization.
func (r *OrganizationRepo) ListSources(ctx context.Context, q Querier, canonicalID string) ([]domain.OrganizationSource, error) {
	rows, err := q.Query(ctx, `SELECT id, canonical_id, scraper_id, name, description, url, email,
		legal_status, tax_id, confidence_score, observed_at
		FROM organization_source WHERE canonical_id = $1 ORDER BY observed_at`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("op=org.list_sources: %w", err)
	}
	defer rows.Close()
	var out []domain.OrganizationSource
	for rows.Next() {
		var s domain.OrganizationSource
		if err := rows.Scan(&s.ID, &s.CanonicalID, &s.ScraperID, &s.Name, &s.Description,
			&s.URL, &s.Email, &s.LegalStatus, &s.TaxID, &s.Confidence, &s.ObservedAt); err != nil {
			return nil, fmt.Errorf("op=org.list_sources: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanOrganization(row pgx.Row) (domain.Organization, error) {
	var o domain.Organization
	var status string
	err := row.Scan(&o.ID, &o.Name, &o.NormalizedName, &o.Description, &o.URL, &o.Email,
		&o.YearIncorporated, &o.LegalStatus, &o.TaxID, &o.ConfidenceScore, &status)
	o.ValidationStatus = domain.ValidationStatus(status)
	return o, err
}
