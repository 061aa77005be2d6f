package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// ServiceRepo persists canonical services, their source rows and the
// service_at_location links.
type ServiceRepo struct{}

// FindByOrgAndName matches a canonical service on its natural key.
func (r *ServiceRepo) FindByOrgAndName(ctx context.Context, q Querier, orgID, name string) (domain.Service, error) {
	row := q.QueryRow(ctx, `SELECT id, organization_id, name, description, status,
		eligibility_description, confidence_score, validation_status
		FROM service WHERE organization_id = $1 AND name = $2 AND is_canonical`, orgID, name)
	svc, err := scanService(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Service{}, fmt.Errorf("op=svc.find: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Service{}, fmt.Errorf("op=svc.find: %w", err)
	}
	return svc, nil
}

// CreateCanonical inserts a new canonical service.
func (r *ServiceRepo) CreateCanonical(ctx context.Context, q Querier, svc domain.Service) error {
	_, err := q.Exec(ctx, `INSERT INTO service
		(id, organization_id, name, description, status, eligibility_description, confidence_score, validation_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		svc.ID, svc.OrganizationID, svc.Name, svc.Description,
		string(serviceStatusOrDefault(svc.Status)), svc.EligibilityDescription,
		svc.ConfidenceScore, string(svc.ValidationStatus))
	if err != nil {
		return fmt.Errorf("op=svc.create: %w", err)
	}
	return nil
}

// UpdateCanonical rewrites the merged canonical fields.
func (r *ServiceRepo) UpdateCanonical(ctx context.Context, q Querier, svc domain.Service) error {
	_, err := q.Exec(ctx, `UPDATE service SET
		description=$2, status=$3, eligibility_description=$4,
		confidence_score=$5, validation_status=$6, updated_at=$7
		WHERE id=$1`,
		svc.ID, svc.Description, string(serviceStatusOrDefault(svc.Status)),
		svc.EligibilityDescription, svc.ConfidenceScore, string(svc.ValidationStatus), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=svc.update: %w", err)
	}
	return nil
}

// UpsertSource writes one scraper's observation, keyed (canonical_id, scraper_id).
func (r *ServiceRepo) UpsertSource(ctx context.Context, q Querier, src domain.ServiceSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	_, err := q.Exec(ctx, `INSERT INTO service_source
		(id, canonical_id, scraper_id, name, description, status, eligibility_description, confidence_score, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (canonical_id, scraper_id) DO UPDATE SET
		  name=EXCLUDED.name, description=EXCLUDED.description, status=EXCLUDED.status,
		  eligibility_description=EXCLUDED.eligibility_description,
		  confidence_score=EXCLUDED.confidence_score, observed_at=EXCLUDED.observed_at`,
		src.ID, src.CanonicalID, src.ScraperID, src.Name, src.Description,
		string(serviceStatusOrDefault(src.Status)), src.Eligibility, src.Confidence, src.ObservedAt)
	if err != nil {
		return fmt.Errorf("op=svc.upsert_source: %w", err)
	}
	return nil
}

// ListSources returns every source row linked to a canonical service.
func (r *ServiceRepo) ListSources(ctx context.Context, q Querier, canonicalID string) ([]domain.ServiceSource, error) {
	rows, err := q.Query(ctx, `SELECT id, canonical_id, scraper_id, name, description,
		status, eligibility_description, confidence_score, observed_at
		FROM service_source WHERE canonical_id = $1 ORDER BY observed_at`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("op=svc.list_sources: %w", err)
	}
	defer rows.Close()
	var out []domain.ServiceSource
	for rows.Next() {
		var s domain.ServiceSource
		var status string
		if err := rows.Scan(&s.ID, &s.CanonicalID, &s.ScraperID, &s.Name, &s.Description,
			&status, &s.Eligibility, &s.Confidence, &s.ObservedAt); err != nil {
			return nil, fmt.Errorf("op=svc.list_sources: %w", err)
		}
		s.Status = domain.ServiceStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

// LinkLocation records that a service is delivered at a location. Repeat links
// are no-ops via the unique pair constraint.
func (r *ServiceRepo) LinkLocation(ctx context.Context, q Querier, serviceID, locationID string) error {
	_, err := q.Exec(ctx, `INSERT INTO service_at_location (id, service_id, location_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (service_id, location_id) DO NOTHING`,
		uuid.New().String(), serviceID, locationID)
	if err != nil {
		return fmt.Errorf("op=svc.link_location: %w", err)
	}
	return nil
}

func scanService(row pgx.Row) (domain.Service, error) {
	var s domain.Service
	var status, vstatus string
	err := row.Scan(&s.ID, &s.OrganizationID, &s.Name, &s.Description, &status,
		&s.EligibilityDescription, &s.ConfidenceScore, &vstatus)
	s.Status = domain.ServiceStatus(status)
	s.ValidationStatus = domain.ValidationStatus(vstatus)
	return s, err
}

func serviceStatusOrDefault(s domain.ServiceStatus) domain.ServiceStatus {
	if s == "" {
		return domain.ServiceActive
	}
	return s
}
