// Package reconciler folds validated HSDS documents into the canonical
// spatial store. Matching is deterministic (normalized name + proximity for
// organizations, external id then coordinates for locations, natural key for
// services); merging recomputes canonical rows from the full source set, so
// no scraper's observation is ever destroyed by another's.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/pantrypirate/pipeline/internal/adapter/observability"
	"github.com/pantrypirate/pipeline/internal/adapter/repo/postgres"
	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// DB is the subset of pgxpool.Pool the reconciler needs: plain queries for
// the idempotence pre-check and transactions for the reconcile itself.
type DB interface {
	postgres.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Reconciler owns all canonical-table writes.
type Reconciler struct {
	db   DB
	cfg  config.Config
	orgs postgres.OrganizationRepo
	locs postgres.LocationRepo
	svcs postgres.ServiceRepo
	subs postgres.SubordinateRepo
	vers postgres.VersionRepo
	runs postgres.RunRepo
	viol postgres.ViolationRepo
}

// New constructs a Reconciler over the given database handle.
func New(db DB, cfg config.Config) *Reconciler {
	return &Reconciler{db: db, cfg: cfg}
}

// Reconcile folds one validated document into the canonical store. The
// (scraperID, sourceHash) pair is the idempotence key: a redelivered job
// returns the stored result without touching entity tables. Unique-constraint
// races with concurrent workers are retried with backoff; a race that
// survives every retry is logged to the violation ledger and surfaced as
// ErrConflict.
func (r *Reconciler) Reconcile(ctx context.Context, doc domain.HSDSDocument, scraperID string, observedAt time.Time, sourceHash, jobID string) (postgres.RunResult, error) {
	ctx, span := otel.Tracer("reconciler").Start(ctx, "reconciler.Reconcile")
	defer span.End()

	if doc.Organization.Name == "" {
		return postgres.RunResult{}, fmt.Errorf("op=reconcile: organization name required: %w", domain.ErrSchemaInvalid)
	}
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	if res, err := r.runs.Lookup(ctx, r.db, scraperID, sourceHash); err == nil {
		slog.Debug("reconcile short-circuited by run ledger",
			slog.String("scraper_id", scraperID), slog.String("source_hash", sourceHash))
		return res, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return postgres.RunResult{}, err
	}

	var res postgres.RunResult
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.cfg.DBMaxRetries))
	op := func() error {
		var err error
		res, err = r.reconcileTx(ctx, doc, scraperID, observedAt, sourceHash, jobID)
		if isUniqueViolation(err) {
			observability.ConstraintViolationsTotal.Inc()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if isUniqueViolation(err) {
			matchKey := domain.NormalizeName(doc.Organization.Name)
			if verr := r.viol.Record(ctx, r.db, "organization", matchKey, scraperID, err.Error()); verr != nil {
				slog.Error("violation ledger write failed", slog.Any("error", verr))
			}
			return postgres.RunResult{}, fmt.Errorf("op=reconcile: unresolved unique violation: %w", domain.ErrConflict)
		}
		return postgres.RunResult{}, err
	}
	return res, nil
}

func (r *Reconciler) reconcileTx(ctx context.Context, doc domain.HSDSDocument, scraperID string, observedAt time.Time, sourceHash, jobID string) (postgres.RunResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return postgres.RunResult{}, fmt.Errorf("op=reconcile.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	matchKey := domain.NormalizeName(doc.Organization.Name)
	if err := postgres.AcquireMatchLock(ctx, tx, matchKey, r.cfg.AdvisoryLockTimeout); err != nil {
		return postgres.RunResult{}, err
	}

	var res postgres.RunResult

	// The rejection gate. A rejected organization contributes nothing to the
	// canonical tables; the run is still recorded so redelivery is cheap.
	if r.rejected(doc.Organization.ValidationStatus, doc.Organization.ConfidenceScore) {
		observability.ReconcileTotal.WithLabelValues("organization", "rejected").Inc()
		slog.Info("organization rejected, skipping canonical writes",
			slog.String("scraper_id", scraperID), slog.String("name", doc.Organization.Name),
			slog.Int("score", doc.Organization.ConfidenceScore))
		res.RejectedCount = 1 + len(doc.Locations) + len(doc.Services)
		if err := r.runs.Record(ctx, tx, scraperID, sourceHash, jobID, res); err != nil {
			return postgres.RunResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return postgres.RunResult{}, fmt.Errorf("op=reconcile.commit: %w", err)
		}
		return res, nil
	}

	orgID, err := r.reconcileOrganization(ctx, tx, doc, scraperID, observedAt, &res)
	if err != nil {
		return postgres.RunResult{}, err
	}
	res.OrganizationID = orgID

	locIDs, err := r.reconcileLocations(ctx, tx, doc, orgID, scraperID, observedAt, &res)
	if err != nil {
		return postgres.RunResult{}, err
	}
	svcIDs, err := r.reconcileServices(ctx, tx, doc, orgID, scraperID, observedAt, &res)
	if err != nil {
		return postgres.RunResult{}, err
	}
	if err := r.linkServices(ctx, tx, doc, svcIDs, locIDs); err != nil {
		return postgres.RunResult{}, err
	}
	if err := r.subs.ReplaceContacts(ctx, tx, orgID, remapContacts(doc.Contacts, svcIDs)); err != nil {
		return postgres.RunResult{}, err
	}

	for _, id := range locIDs {
		res.LocationIDs = append(res.LocationIDs, id)
	}
	for _, id := range svcIDs {
		res.ServiceIDs = append(res.ServiceIDs, id)
	}

	if err := r.runs.Record(ctx, tx, scraperID, sourceHash, jobID, res); err != nil {
		return postgres.RunResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return postgres.RunResult{}, fmt.Errorf("op=reconcile.commit: %w", err)
	}
	return res, nil
}

func (r *Reconciler) reconcileOrganization(ctx context.Context, tx pgx.Tx, doc domain.HSDSDocument, scraperID string, observedAt time.Time, res *postgres.RunResult) (string, error) {
	lat, lon := firstCoords(doc.Locations)
	normalized := domain.NormalizeName(doc.Organization.Name)

	existing, err := r.orgs.FindCanonicalByNameNear(ctx, tx, normalized, lat, lon, r.cfg.OrgProximityThreshold)
	created := false
	switch {
	case errors.Is(err, domain.ErrNotFound):
		existing = doc.Organization
		existing.ID = uuid.New().String()
		existing.NormalizedName = normalized
		if existing.ValidationStatus == "" {
			existing.ValidationStatus = domain.StatusNeedsReview
		}
		if err := r.orgs.CreateCanonical(ctx, tx, existing); err != nil {
			return "", err
		}
		created = true
	case err != nil:
		return "", err
	}

	src := domain.OrganizationSource{
		CanonicalID: existing.ID,
		ScraperID:   scraperID,
		Name:        doc.Organization.Name,
		Description: doc.Organization.Description,
		URL:         doc.Organization.URL,
		Email:       doc.Organization.Email,
		LegalStatus: doc.Organization.LegalStatus,
		TaxID:       doc.Organization.TaxID,
		Confidence:  doc.Organization.ConfidenceScore,
		ObservedAt:  observedAt,
	}
	if err := r.orgs.UpsertSource(ctx, tx, src); err != nil {
		return "", err
	}
	sources, err := r.orgs.ListSources(ctx, tx, existing.ID)
	if err != nil {
		return "", err
	}
	merged := mergeOrganization(existing, sources, r.cfg.SourceRank)
	merged.ValidationStatus = bestStatus(merged.ValidationStatus, doc.Organization.ValidationStatus)

	if created {
		observability.ReconcileTotal.WithLabelValues("organization", "created").Inc()
		res.Created++
		if err := r.vers.Append(ctx, tx, merged.ID, "organization", merged, scraperID); err != nil {
			return "", err
		}
	}
	if changed(existing, merged) {
		if err := r.orgs.UpdateCanonical(ctx, tx, merged); err != nil {
			return "", err
		}
		if !created {
			observability.ReconcileTotal.WithLabelValues("organization", "merged").Inc()
			res.Merged++
			if err := r.vers.Append(ctx, tx, merged.ID, "organization", merged, scraperID); err != nil {
				return "", err
			}
		}
	}
	return merged.ID, nil
}

// reconcileLocations returns a map from doc-local location id (or positional
// key) to canonical id. Rejected locations are skipped entirely: no canonical
// row, no source row.
func (r *Reconciler) reconcileLocations(ctx context.Context, tx pgx.Tx, doc domain.HSDSDocument, orgID, scraperID string, observedAt time.Time, res *postgres.RunResult) (map[string]string, error) {
	ids := make(map[string]string, len(doc.Locations))
	for i, loc := range doc.Locations {
		key := loc.ID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		if r.rejected(loc.ValidationStatus, loc.ConfidenceScore) || loc.Latitude == nil || loc.Longitude == nil {
			observability.ReconcileTotal.WithLabelValues("location", "rejected").Inc()
			res.RejectedCount++
			continue
		}

		canonical, err := r.matchLocation(ctx, tx, doc, orgID, loc)
		created := false
		switch {
		case errors.Is(err, domain.ErrNotFound):
			canonical = loc
			canonical.ID = uuid.New().String()
			canonical.OrganizationID = orgID
			if canonical.ValidationStatus == "" {
				canonical.ValidationStatus = domain.StatusNeedsReview
			}
			if err := r.locs.CreateCanonical(ctx, tx, canonical); err != nil {
				return nil, err
			}
			created = true
		case err != nil:
			return nil, err
		}

		src := domain.LocationSource{
			CanonicalID:        canonical.ID,
			ScraperID:          scraperID,
			Name:               loc.Name,
			Description:        loc.Description,
			Latitude:           loc.Latitude,
			Longitude:          loc.Longitude,
			LocationType:       loc.LocationType,
			ExternalIdentifier: loc.ExternalIdentifier,
			GeocodingSource:    loc.GeocodingSource,
			Confidence:         loc.ConfidenceScore,
			ObservedAt:         observedAt,
		}
		if err := r.locs.UpsertSource(ctx, tx, src); err != nil {
			return nil, err
		}
		sources, err := r.locs.ListSources(ctx, tx, canonical.ID)
		if err != nil {
			return nil, err
		}
		merged := mergeLocation(canonical, sources, r.cfg.SourceRank)
		merged.ValidationStatus = bestStatus(merged.ValidationStatus, loc.ValidationStatus)

		if created {
			observability.ReconcileTotal.WithLabelValues("location", "created").Inc()
			res.Created++
			if err := r.vers.Append(ctx, tx, merged.ID, "location", merged, scraperID); err != nil {
				return nil, err
			}
		}
		if changed(canonical, merged) {
			if err := r.locs.UpdateCanonical(ctx, tx, merged); err != nil {
				return nil, err
			}
			if !created {
				observability.ReconcileTotal.WithLabelValues("location", "merged").Inc()
				res.Merged++
				if err := r.vers.Append(ctx, tx, merged.ID, "location", merged, scraperID); err != nil {
					return nil, err
				}
			}
		}

		if err := r.replaceLocationSubordinates(ctx, tx, doc, loc.ID, i, merged.ID); err != nil {
			return nil, err
		}
		ids[key] = merged.ID
	}
	return ids, nil
}

// matchLocation tries the scraper-supplied stable identifier first, then a
// spatial match constrained by postal code when the document carries one.
func (r *Reconciler) matchLocation(ctx context.Context, tx pgx.Tx, doc domain.HSDSDocument, orgID string, loc domain.Location) (domain.Location, error) {
	if loc.ExternalIdentifier != "" {
		found, err := r.locs.FindByExternalID(ctx, tx, orgID, loc.ExternalIdentifier)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Location{}, err
		}
	}
	postal := ""
	if addr, ok := doc.AddressFor(loc.ID); ok {
		postal = addr.PostalCode
	}
	return r.locs.FindNear(ctx, tx, orgID, *loc.Latitude, *loc.Longitude, r.cfg.LocationCoordTolerance, postal)
}

func (r *Reconciler) replaceLocationSubordinates(ctx context.Context, tx pgx.Tx, doc domain.HSDSDocument, docLocID string, idx int, canonicalID string) error {
	var addrs []domain.Address
	for _, a := range doc.Addresses {
		if a.LocationID == docLocID || (docLocID == "" && a.LocationID == "") {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 && docLocID == "" && idx < len(doc.Addresses) {
		addrs = append(addrs, doc.Addresses[idx])
	}
	if err := r.subs.ReplaceAddresses(ctx, tx, canonicalID, addrs); err != nil {
		return err
	}

	var phones []domain.Phone
	for _, p := range doc.Phones {
		if p.LocationID == docLocID && docLocID != "" {
			p.OrganizationID, p.ServiceID = "", ""
			phones = append(phones, p)
		}
	}
	if err := r.subs.ReplacePhones(ctx, tx, canonicalID, phones); err != nil {
		return err
	}

	var schedules []domain.Schedule
	for _, s := range doc.Schedules {
		if s.LocationID == docLocID && docLocID != "" {
			s.ServiceID = ""
			schedules = append(schedules, s)
		}
	}
	if err := r.subs.ReplaceSchedules(ctx, tx, canonicalID, schedules); err != nil {
		return err
	}

	var langs []domain.Language
	for _, l := range doc.Languages {
		if l.LocationID == docLocID && docLocID != "" {
			l.ServiceID = ""
			langs = append(langs, l)
		}
	}
	if err := r.subs.ReplaceLanguages(ctx, tx, canonicalID, langs); err != nil {
		return err
	}

	var access []domain.Accessibility
	for _, a := range doc.Accessibility {
		if a.LocationID == docLocID && docLocID != "" {
			access = append(access, a)
		}
	}
	return r.subs.ReplaceAccessibility(ctx, tx, canonicalID, access)
}

func (r *Reconciler) reconcileServices(ctx context.Context, tx pgx.Tx, doc domain.HSDSDocument, orgID, scraperID string, observedAt time.Time, res *postgres.RunResult) (map[string]string, error) {
	ids := make(map[string]string, len(doc.Services))
	for i, svc := range doc.Services {
		key := svc.ID
		if key == "" {
			key = fmt.Sprintf("#%d", i)
		}
		if svc.Name == "" || r.rejected(svc.ValidationStatus, svc.ConfidenceScore) {
			observability.ReconcileTotal.WithLabelValues("service", "rejected").Inc()
			res.RejectedCount++
			continue
		}

		canonical, err := r.svcs.FindByOrgAndName(ctx, tx, orgID, svc.Name)
		created := false
		switch {
		case errors.Is(err, domain.ErrNotFound):
			canonical = svc
			canonical.ID = uuid.New().String()
			canonical.OrganizationID = orgID
			if canonical.ValidationStatus == "" {
				canonical.ValidationStatus = domain.StatusNeedsReview
			}
			if err := r.svcs.CreateCanonical(ctx, tx, canonical); err != nil {
				return nil, err
			}
			created = true
		case err != nil:
			return nil, err
		}

		src := domain.ServiceSource{
			CanonicalID: canonical.ID,
			ScraperID:   scraperID,
			Name:        svc.Name,
			Description: svc.Description,
			Status:      svc.Status,
			Eligibility: svc.EligibilityDescription,
			Confidence:  svc.ConfidenceScore,
			ObservedAt:  observedAt,
		}
		if err := r.svcs.UpsertSource(ctx, tx, src); err != nil {
			return nil, err
		}
		sources, err := r.svcs.ListSources(ctx, tx, canonical.ID)
		if err != nil {
			return nil, err
		}
		merged := mergeService(canonical, sources, r.cfg.SourceRank)
		merged.ValidationStatus = bestStatus(merged.ValidationStatus, svc.ValidationStatus)

		if created {
			observability.ReconcileTotal.WithLabelValues("service", "created").Inc()
			res.Created++
			if err := r.vers.Append(ctx, tx, merged.ID, "service", merged, scraperID); err != nil {
				return nil, err
			}
		}
		if changed(canonical, merged) {
			if err := r.svcs.UpdateCanonical(ctx, tx, merged); err != nil {
				return nil, err
			}
			if !created {
				observability.ReconcileTotal.WithLabelValues("service", "merged").Inc()
				res.Merged++
				if err := r.vers.Append(ctx, tx, merged.ID, "service", merged, scraperID); err != nil {
					return nil, err
				}
			}
		}

		var areas []domain.ServiceArea
		for _, a := range doc.ServiceAreas {
			if a.ServiceID == svc.ID && svc.ID != "" {
				areas = append(areas, a)
			}
		}
		if err := r.subs.ReplaceServiceAreas(ctx, tx, merged.ID, areas); err != nil {
			return nil, err
		}
		var terms []domain.Taxonomy
		for _, t := range doc.Taxonomies {
			if t.ServiceID == svc.ID && svc.ID != "" {
				terms = append(terms, t)
			}
		}
		if err := r.subs.ReplaceTaxonomies(ctx, tx, merged.ID, terms); err != nil {
			return nil, err
		}

		ids[key] = merged.ID
	}
	return ids, nil
}

// linkServices materializes service_at_location rows. When the document
// carries no explicit links but has both services and locations, every
// service is linked to every location (single-site scrapers rarely emit
// explicit links).
func (r *Reconciler) linkServices(ctx context.Context, tx pgx.Tx, doc domain.HSDSDocument, svcIDs, locIDs map[string]string) error {
	if len(doc.ServicesAtLocation) > 0 {
		for _, sal := range doc.ServicesAtLocation {
			sid, ok1 := svcIDs[sal.ServiceID]
			lid, ok2 := locIDs[sal.LocationID]
			if !ok1 || !ok2 {
				continue
			}
			if err := r.svcs.LinkLocation(ctx, tx, sid, lid); err != nil {
				return err
			}
		}
		return nil
	}
	for _, sid := range svcIDs {
		for _, lid := range locIDs {
			if err := r.svcs.LinkLocation(ctx, tx, sid, lid); err != nil {
				return err
			}
		}
	}
	return nil
}

// rejected applies the gate: explicit rejected status, or a confidence score
// under the rejection threshold.
func (r *Reconciler) rejected(status domain.ValidationStatus, score int) bool {
	if status == domain.StatusRejected {
		return true
	}
	return status != "" && score < r.cfg.ValidationRejectionThreshold
}

func remapContacts(contacts []domain.Contact, svcIDs map[string]string) []domain.Contact {
	out := make([]domain.Contact, 0, len(contacts))
	for _, c := range contacts {
		c.OrganizationID = ""
		c.ServiceID = svcIDs[c.ServiceID]
		out = append(out, c)
	}
	return out
}

func firstCoords(locs []domain.Location) (lat, lon *float64) {
	for _, l := range locs {
		if l.Latitude != nil && l.Longitude != nil {
			return l.Latitude, l.Longitude
		}
	}
	return nil, nil
}

// bestStatus keeps a canonical record verified once any contributor verified
// it; needs_review never downgrades verified.
func bestStatus(a, b domain.ValidationStatus) domain.ValidationStatus {
	if a == domain.StatusVerified || b == domain.StatusVerified {
		return domain.StatusVerified
	}
	if a == "" {
		if b == "" {
			return domain.StatusNeedsReview
		}
		return b
	}
	return a
}

// changed compares two records structurally via their JSON form.
func changed(a, b any) bool {
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return true
	}
	return string(ja) != string(jb)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
