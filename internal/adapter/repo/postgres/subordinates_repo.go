package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pantrypirate/pipeline/internal/domain"
)

// SubordinateRepo persists the child entities hanging off canonical rows:
// addresses, phones, schedules, languages, service areas, accessibility,
// contacts and taxonomy terms. Subordinates have no source-row layer; each
// reconcile replaces the parent's set wholesale.
type SubordinateRepo struct{}

// ReplaceAddresses swaps the address set for a canonical location.
func (r *SubordinateRepo) ReplaceAddresses(ctx context.Context, q Querier, locationID string, addrs []domain.Address) error {
	if _, err := q.Exec(ctx, `DELETE FROM address WHERE location_id = $1`, locationID); err != nil {
		return fmt.Errorf("op=sub.replace_addresses: %w", err)
	}
	for _, a := range addrs {
		if a.Address1 == "" {
			continue
		}
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		country := a.Country
		if country == "" {
			country = "US"
		}
		typ := a.AddressType
		if typ == "" {
			typ = "physical"
		}
		_, err := q.Exec(ctx, `INSERT INTO address
			(id, location_id, address_1, address_2, city, region, state_province, postal_code, country, address_type)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			id, locationID, a.Address1, a.Address2, a.City, a.Region,
			a.StateProvince, a.PostalCode, country, typ)
		if err != nil {
			return fmt.Errorf("op=sub.replace_addresses: %w", err)
		}
	}
	return nil
}

// AddressesFor loads the address set for a canonical location.
func (r *SubordinateRepo) AddressesFor(ctx context.Context, q Querier, locationID string) ([]domain.Address, error) {
	rows, err := q.Query(ctx, `SELECT id, location_id, address_1, address_2, city, region,
		state_province, postal_code, country, address_type
		FROM address WHERE location_id = $1`, locationID)
	if err != nil {
		return nil, fmt.Errorf("op=sub.addresses_for: %w", err)
	}
	defer rows.Close()
	var out []domain.Address
	for rows.Next() {
		var a domain.Address
		if err := rows.Scan(&a.ID, &a.LocationID, &a.Address1, &a.Address2, &a.City,
			&a.Region, &a.StateProvince, &a.PostalCode, &a.Country, &a.AddressType); err != nil {
			return nil, fmt.Errorf("op=sub.addresses_for: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReplacePhones swaps the phone set attached to a canonical location.
func (r *SubordinateRepo) ReplacePhones(ctx context.Context, q Querier, locationID string, phones []domain.Phone) error {
	if _, err := q.Exec(ctx, `DELETE FROM phone WHERE location_id = $1`, locationID); err != nil {
		return fmt.Errorf("op=sub.replace_phones: %w", err)
	}
	for _, p := range phones {
		if p.Number == "" {
			continue
		}
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := q.Exec(ctx, `INSERT INTO phone
			(id, organization_id, service_id, location_id, number, extension, type)
			VALUES ($1,NULLIF($2,'')::uuid,NULLIF($3,'')::uuid,$4,$5,$6,$7)`,
			id, p.OrganizationID, p.ServiceID, locationID, p.Number, p.Extension, p.Type)
		if err != nil {
			return fmt.Errorf("op=sub.replace_phones: %w", err)
		}
	}
	return nil
}

// ReplaceSchedules swaps the schedule set attached to a canonical location.
func (r *SubordinateRepo) ReplaceSchedules(ctx context.Context, q Querier, locationID string, schedules []domain.Schedule) error {
	if _, err := q.Exec(ctx, `DELETE FROM schedule WHERE location_id = $1`, locationID); err != nil {
		return fmt.Errorf("op=sub.replace_schedules: %w", err)
	}
	for _, s := range schedules {
		id := s.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := q.Exec(ctx, `INSERT INTO schedule
			(id, service_id, location_id, opens_at, closes_at, byday, freq, description)
			VALUES ($1,NULLIF($2,'')::uuid,$3,$4,$5,$6,$7,$8)`,
			id, s.ServiceID, locationID, s.OpensAt, s.ClosesAt, s.Byday, s.Freq, s.Description)
		if err != nil {
			return fmt.Errorf("op=sub.replace_schedules: %w", err)
		}
	}
	return nil
}

// ReplaceLanguages swaps the language set attached to a canonical location.
func (r *SubordinateRepo) ReplaceLanguages(ctx context.Context, q Querier, locationID string, langs []domain.Language) error {
	if _, err := q.Exec(ctx, `DELETE FROM language WHERE location_id = $1`, locationID); err != nil {
		return fmt.Errorf("op=sub.replace_languages: %w", err)
	}
	for _, l := range langs {
		if l.Name == "" {
			continue
		}
		id := l.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := q.Exec(ctx, `INSERT INTO language (id, service_id, location_id, name, code)
			VALUES ($1,NULLIF($2,'')::uuid,$3,$4,$5)`,
			id, l.ServiceID, locationID, l.Name, l.Code)
		if err != nil {
			return fmt.Errorf("op=sub.replace_languages: %w", err)
		}
	}
	return nil
}

// ReplaceAccessibility swaps the accessibility notes for a canonical location.
func (r *SubordinateRepo) ReplaceAccessibility(ctx context.Context, q Querier, locationID string, items []domain.Accessibility) error {
	if _, err := q.Exec(ctx, `DELETE FROM accessibility WHERE location_id = $1`, locationID); err != nil {
		return fmt.Errorf("op=sub.replace_accessibility: %w", err)
	}
	for _, a := range items {
		if a.Description == "" && a.Details == "" {
			continue
		}
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := q.Exec(ctx, `INSERT INTO accessibility (id, location_id, description, details)
			VALUES ($1,$2,$3,$4)`, id, locationID, a.Description, a.Details)
		if err != nil {
			return fmt.Errorf("op=sub.replace_accessibility: %w", err)
		}
	}
	return nil
}

// ReplaceServiceAreas swaps the service-area set for a canonical service.
func (r *SubordinateRepo) ReplaceServiceAreas(ctx context.Context, q Querier, serviceID string, areas []domain.ServiceArea) error {
	if _, err := q.Exec(ctx, `DELETE FROM service_area WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("op=sub.replace_service_areas: %w", err)
	}
	for _, a := range areas {
		id := a.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := q.Exec(ctx, `INSERT INTO service_area (id, service_id, name, description, extent, extent_type)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			id, serviceID, a.Name, a.Description, a.Extent, a.ExtentType)
		if err != nil {
			return fmt.Errorf("op=sub.replace_service_areas: %w", err)
		}
	}
	return nil
}

// ReplaceTaxonomies swaps the taxonomy terms for a canonical service.
func (r *SubordinateRepo) ReplaceTaxonomies(ctx context.Context, q Querier, serviceID string, terms []domain.Taxonomy) error {
	if _, err := q.Exec(ctx, `DELETE FROM taxonomy_term WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("op=sub.replace_taxonomies: %w", err)
	}
	for _, t := range terms {
		if t.Term == "" {
			continue
		}
		id := t.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := q.Exec(ctx, `INSERT INTO taxonomy_term (id, service_id, term, taxonomy)
			VALUES ($1,$2,$3,$4)`, id, serviceID, t.Term, t.Taxonomy)
		if err != nil {
			return fmt.Errorf("op=sub.replace_taxonomies: %w", err)
		}
	}
	return nil
}

// ReplaceContacts swaps the contact set for a canonical organization.
func (r *SubordinateRepo) ReplaceContacts(ctx context.Context, q Querier, orgID string, contacts []domain.Contact) error {
	if _, err := q.Exec(ctx, `DELETE FROM contact WHERE organization_id = $1`, orgID); err != nil {
		return fmt.Errorf("op=sub.replace_contacts: %w", err)
	}
	for _, c := range contacts {
		if c.Name == "" && c.Email == "" {
			continue
		}
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := q.Exec(ctx, `INSERT INTO contact (id, organization_id, service_id, name, title, email)
			VALUES ($1,$2,NULLIF($3,'')::uuid,$4,$5,$6)`,
			id, orgID, c.ServiceID, c.Name, c.Title, c.Email)
		if err != nil {
			return fmt.Errorf("op=sub.replace_contacts: %w", err)
		}
	}
	return nil
}
