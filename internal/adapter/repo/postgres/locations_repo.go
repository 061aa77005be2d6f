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

// LocationRepo persists canonical locations and their source rows.
type LocationRepo struct{}

// FindByExternalID matches a canonical location owned by an organization by
// its scraper-supplied stable identifier. External-id matching takes priority
// over spatial matching, so relocations track the identifier.
func (r *LocationRepo) FindByExternalID(ctx context.Context, q Querier, orgID, externalID string) (domain.Location, error) {
	row := q.QueryRow(ctx, locationSelect+`
		WHERE organization_id = $1 AND external_identifier = $2 AND is_canonical
		LIMIT 1`, orgID, externalID)
	loc, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Location{}, fmt.Errorf("op=loc.find_external: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Location{}, fmt.Errorf("op=loc.find_external: %w", err)
	}
	return loc, nil
}

// FindNear matches a canonical location within the coordinate tolerance box.
// When postal is non-empty, only locations whose address carries the same
// postal code qualify, which keeps dense urban sites from collapsing.
func (r *LocationRepo) FindNear(ctx context.Context, q Querier, orgID string, lat, lon, tolerance float64, postal string) (domain.Location, error) {
	ctx, span := otel.Tracer("repo.locations").Start(ctx, "locations.FindNear")
	defer span.End()

	var row pgx.Row
	if postal != "" {
		row = q.QueryRow(ctx, `SELECT l.id, l.organization_id, l.name, l.description, l.latitude, l.longitude,
			l.location_type, l.external_identifier, l.geocoding_source, l.confidence_score, l.validation_status
			FROM location l
			JOIN address a ON a.location_id = l.id
			WHERE l.organization_id = $1 AND l.is_canonical
			  AND l.latitude BETWEEN $2 - $4 AND $2 + $4
			  AND l.longitude BETWEEN $3 - $4 AND $3 + $4
			  AND a.postal_code = $5
			LIMIT 1`, orgID, lat, lon, tolerance, postal)
	} else {
		row = q.QueryRow(ctx, locationSelect+`
			WHERE organization_id = $1 AND is_canonical
			  AND latitude BETWEEN $2 - $4 AND $2 + $4
			  AND longitude BETWEEN $3 - $4 AND $3 + $4
			LIMIT 1`, orgID, lat, lon, tolerance)
	}
	loc, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Location{}, fmt.Errorf("op=loc.find_near: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Location{}, fmt.Errorf("op=loc.find_near: %w", err)
	}
	return loc, nil
}

// CreateCanonical inserts a new canonical location. Coordinates are required;
// the rejection gate upstream guarantees they are present and non-zero.
func (r *LocationRepo) CreateCanonical(ctx context.Context, q Querier, loc domain.Location) error {
	if loc.Latitude == nil || loc.Longitude == nil {
		return fmt.Errorf("op=loc.create: coordinates required: %w", domain.ErrInvalidArgument)
	}
	_, err := q.Exec(ctx, `INSERT INTO location
		(id, organization_id, name, description, latitude, longitude, location_type,
		 external_identifier, geocoding_source, confidence_score, validation_status)
		VALUES ($1,NULLIF($2,'')::uuid,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		loc.ID, loc.OrganizationID, loc.Name, loc.Description, *loc.Latitude, *loc.Longitude,
		string(locationTypeOrDefault(loc.LocationType)), loc.ExternalIdentifier,
		loc.GeocodingSource, loc.ConfidenceScore, string(loc.ValidationStatus))
	if err != nil {
		return fmt.Errorf("op=loc.create: %w", err)
	}
	return nil
}

// UpdateCanonical rewrites the merged canonical fields.
func (r *LocationRepo) UpdateCanonical(ctx context.Context, q Querier, loc domain.Location) error {
	if loc.Latitude == nil || loc.Longitude == nil {
		return fmt.Errorf("op=loc.update: coordinates required: %w", domain.ErrInvalidArgument)
	}
	_, err := q.Exec(ctx, `UPDATE location SET
		name=$2, description=$3, latitude=$4, longitude=$5, location_type=$6,
		external_identifier=$7, geocoding_source=$8, confidence_score=$9,
		validation_status=$10, updated_at=$11
		WHERE id=$1`,
		loc.ID, loc.Name, loc.Description, *loc.Latitude, *loc.Longitude,
		string(locationTypeOrDefault(loc.LocationType)), loc.ExternalIdentifier,
		loc.GeocodingSource, loc.ConfidenceScore, string(loc.ValidationStatus), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=loc.update: %w", err)
	}
	return nil
}

// UpsertSource writes one scraper's observation, keyed (canonical_id, scraper_id).
func (r *LocationRepo) UpsertSource(ctx context.Context, q Querier, src domain.LocationSource) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	_, err := q.Exec(ctx, `INSERT INTO location_source
		(id, canonical_id, scraper_id, name, description, latitude, longitude,
		 location_type, external_identifier, geocoding_source, confidence_score, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (canonical_id, scraper_id) DO UPDATE SET
		  name=EXCLUDED.name, description=EXCLUDED.description,
		  latitude=EXCLUDED.latitude, longitude=EXCLUDED.longitude,
		  location_type=EXCLUDED.location_type, external_identifier=EXCLUDED.external_identifier,
		  geocoding_source=EXCLUDED.geocoding_source, confidence_score=EXCLUDED.confidence_score,
		  observed_at=EXCLUDED.observed_at`,
		src.ID, src.CanonicalID, src.ScraperID, src.Name, src.Description,
		src.Latitude, src.Longitude, string(locationTypeOrDefault(src.LocationType)),
		src.ExternalIdentifier, src.GeocodingSource, src.Confidence, src.ObservedAt)
	if err != nil {
		return fmt.Errorf("op=loc.upsert_source: %w", err)
	}
	return nil
}

// ListSources returns every source row linked to a canonical location.
func (r *LocationRepo) ListSources(ctx context.Context, q Querier, canonicalID string) ([]domain.LocationSource, error) {
	rows, err := q.Query(ctx, `SELECT id, canonical_id, scraper_id, name, description,
		latitude, longitude, location_type, external_identifier, geocoding_source,
		confidence_score, observed_at
		FROM location_source WHERE canonical_id = $1 ORDER BY observed_at`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("op=loc.list_sources: %w", err)
	}
	defer rows.Close()
	var out []domain.LocationSource
	for rows.Next() {
		var s domain.LocationSource
		var typ string
		if err := rows.Scan(&s.ID, &s.CanonicalID, &s.ScraperID, &s.Name, &s.Description,
			&s.Latitude, &s.Longitude, &typ, &s.ExternalIdentifier, &s.GeocodingSource,
			&s.Confidence, &s.ObservedAt); err != nil {
			return nil, fmt.Errorf("op=loc.list_sources: %w", err)
		}
		s.LocationType = domain.LocationType(typ)
		out = append(out, s)
	}
	return out, rows.Err()
}

const locationSelect = `SELECT id, organization_id, name, description, latitude, longitude,
	location_type, external_identifier, geocoding_source, confidence_score, validation_status
	FROM location`

func scanLocation(row pgx.Row) (domain.Location, error) {
	var l domain.Location
	var orgID *string
	var lat, lon float64
	var typ, status string
	err := row.Scan(&l.ID, &orgID, &l.Name, &l.Description, &lat, &lon,
		&typ, &l.ExternalIdentifier, &l.GeocodingSource, &l.ConfidenceScore, &status)
	if err != nil {
		return domain.Location{}, err
	}
	if orgID != nil {
		l.OrganizationID = *orgID
	}
	l.Latitude, l.Longitude = &lat, &lon
	l.LocationType = domain.LocationType(typ)
	l.ValidationStatus = domain.ValidationStatus(status)
	return l, nil
}

func locationTypeOrDefault(t domain.LocationType) domain.LocationType {
	if t == "" {
		return domain.LocationPhysical
	}
	return t
}
