package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncengine/listingsync/models"
)

// PostgresStore is the production backend: one pgxpool.Pool shared across
// every tier and worker, for deployments where SQLite's single-writer
// model would bottleneck multiple processes. Its ClaimBatch uses
// SELECT ... FOR UPDATE SKIP LOCKED, the native counterpart to
// SQLiteStore's optimistic-update CAS emulation (spec §4.F/§9).
type PostgresStore struct {
	pool *pgxpool.Pool

	priceChangeThresholdPercent  float64
	priceChangeThresholdAbsolute float64
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{
		pool:                         pool,
		priceChangeThresholdPercent:  defaultPriceChangeThresholdPercent,
		priceChangeThresholdAbsolute: defaultPriceChangeThresholdAbsolute,
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// SetPriceChangeThresholds overrides the defaults with the operator's
// configured MANIFEST_PRICE_CHANGE_THRESHOLD_PERCENT/_ABSOLUTE values.
func (s *PostgresStore) SetPriceChangeThresholds(percent, absolute float64) {
	s.priceChangeThresholdPercent = percent
	s.priceChangeThresholdAbsolute = absolute
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS property_manifest (
		property_id TEXT PRIMARY KEY,
		source_url TEXT,
		listing_price DOUBLE PRECISION,
		listing_title TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		operation_type TEXT,
		is_new BOOLEAN NOT NULL DEFAULT FALSE,
		price_changed BOOLEAN NOT NULL DEFAULT FALSE,
		needs_full_scrape BOOLEAN NOT NULL DEFAULT FALSE,
		first_seen_at TIMESTAMPTZ,
		last_seen_at TIMESTAMPTZ,
		seen_in_run_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_manifest_run ON property_manifest(seen_in_run_id);

	CREATE TABLE IF NOT EXISTS properties_live (
		property_id TEXT PRIMARY KEY,
		source_url TEXT,
		price DOUBLE PRECISION,
		price_at_last_manifest DOUBLE PRECISION,
		title TEXT,
		description TEXT,
		property_type TEXT,
		operation_type TEXT,
		bedrooms INTEGER,
		bathrooms DOUBLE PRECISION,
		area_m2 DOUBLE PRECISION,
		lot_area_m2 DOUBLE PRECISION,
		address_line TEXT,
		neighborhood TEXT,
		city TEXT,
		state TEXT,
		postal_code TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		amenities JSONB,
		features JSONB,
		images JSONB,
		agent_name TEXT,
		agency_name TEXT,
		listing_status TEXT NOT NULL DEFAULT 'active',
		status TEXT NOT NULL DEFAULT 'active',
		consecutive_missing_count INTEGER NOT NULL DEFAULT 0,
		scrape_priority INTEGER NOT NULL DEFAULT 3,
		last_full_scrape_at TIMESTAMPTZ,
		last_manifest_seen_at TIMESTAMPTZ,
		first_seen_at TIMESTAMPTZ,
		last_updated_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_live_status_seen ON properties_live(listing_status, last_manifest_seen_at);

	CREATE TABLE IF NOT EXISTS scrape_queue (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL,
		source_url TEXT,
		priority INTEGER,
		queue_reason TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		metadata JSONB,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		claimed_at TIMESTAMPTZ,
		claimed_by TEXT,
		last_error TEXT,
		queued_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status_priority ON scrape_queue(status, priority, queued_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_one_pending ON scrape_queue(property_id) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		tier_level INTEGER,
		tier_name TEXT,
		session_id TEXT,
		status TEXT,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		pages_scanned INTEGER NOT NULL DEFAULT 0,
		new_found INTEGER NOT NULL DEFAULT 0,
		price_changes INTEGER NOT NULL DEFAULT 0,
		removals_confirmed INTEGER NOT NULL DEFAULT 0,
		queued INTEGER NOT NULL DEFAULT 0,
		scraped INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		error_summary TEXT
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- ManifestStore ---

func (s *PostgresStore) Upsert(ctx context.Context, canonical CanonicalReader, entries []models.ManifestEntry, runID string) (int, int, error) {
	newCount, priceChangeCount := 0, 0
	now := time.Now().UTC()

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.PropertyID
	}
	canonicalByID, err := canonical.GetPropertiesByIDs(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: loading canonical rows for manifest upsert: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		existing, hasExisting := canonicalByID[e.PropertyID]
		e.IsNew = !hasExisting
		e.PriceChanged = hasExisting && existing.Price != nil && e.ListingPrice != nil &&
			significantChange(*existing.Price, *e.ListingPrice, s.priceChangeThresholdPercent, s.priceChangeThresholdAbsolute)
		e.NeedsFullScrape = e.IsNew || e.PriceChanged
		e.LastSeenAt = now
		e.SeenInRunID = runID

		if e.IsNew {
			newCount++
		}
		if e.PriceChanged {
			priceChangeCount++
		}

		var firstSeen *time.Time
		err := tx.QueryRow(ctx, `SELECT first_seen_at FROM property_manifest WHERE property_id = $1`, e.PropertyID).Scan(&firstSeen)
		if err == pgx.ErrNoRows {
			e.FirstSeenAt = now
		} else if err == nil && firstSeen != nil {
			e.FirstSeenAt = *firstSeen
		} else if err != nil {
			e.FirstSeenAt = now
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO property_manifest
				(property_id, source_url, listing_price, listing_title, latitude, longitude, operation_type,
				 is_new, price_changed, needs_full_scrape, first_seen_at, last_seen_at, seen_in_run_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT(property_id) DO UPDATE SET
				source_url = excluded.source_url,
				listing_price = excluded.listing_price,
				listing_title = excluded.listing_title,
				latitude = excluded.latitude,
				longitude = excluded.longitude,
				operation_type = excluded.operation_type,
				is_new = excluded.is_new,
				price_changed = excluded.price_changed,
				needs_full_scrape = excluded.needs_full_scrape,
				last_seen_at = excluded.last_seen_at,
				seen_in_run_id = excluded.seen_in_run_id
		`, e.PropertyID, e.SourceURL, e.ListingPrice, e.ListingTitle, e.Latitude, e.Longitude,
			string(e.OperationType), e.IsNew, e.PriceChanged, e.NeedsFullScrape, e.FirstSeenAt, e.LastSeenAt, e.SeenInRunID)
		if err != nil {
			return 0, 0, fmt.Errorf("postgres: upserting manifest entry %s: %w", e.PropertyID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return newCount, priceChangeCount, nil
}

func (s *PostgresStore) GetByRun(ctx context.Context, runID string) ([]models.ManifestEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT property_id, source_url, listing_price, listing_title, latitude, longitude, operation_type,
		       is_new, price_changed, needs_full_scrape, first_seen_at, last_seen_at, seen_in_run_id
		FROM property_manifest WHERE seen_in_run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ManifestEntry
	for rows.Next() {
		var e models.ManifestEntry
		var price, lat, lng *float64
		var title *string
		var opType string
		if err := rows.Scan(&e.PropertyID, &e.SourceURL, &price, &title, &lat, &lng, &opType,
			&e.IsNew, &e.PriceChanged, &e.NeedsFullScrape, &e.FirstSeenAt, &e.LastSeenAt, &e.SeenInRunID); err != nil {
			return nil, err
		}
		e.ListingPrice = price
		e.ListingTitle = title
		e.Latitude = lat
		e.Longitude = lng
		e.OperationType = models.OperationType(opType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClearFlags(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE property_manifest SET is_new = FALSE, price_changed = FALSE, needs_full_scrape = FALSE
		WHERE seen_in_run_id = $1`, runID)
	return err
}

func (s *PostgresStore) DeleteConfirmedRemovals(ctx context.Context, propertyIDs []string) error {
	for _, batch := range chunk(propertyIDs, 500) {
		if len(batch) == 0 {
			continue
		}
		if _, err := s.pool.Exec(ctx, `DELETE FROM property_manifest WHERE property_id = ANY($1)`, batch); err != nil {
			return err
		}
	}
	return nil
}

// --- CanonicalStore ---

const pgPropertySelect = `SELECT property_id, source_url, price, price_at_last_manifest, title, description,
	property_type, operation_type, bedrooms, bathrooms, area_m2, lot_area_m2, address_line, neighborhood,
	city, state, postal_code, latitude, longitude, amenities, features, images, agent_name, agency_name,
	listing_status, status, consecutive_missing_count, scrape_priority, last_full_scrape_at,
	last_manifest_seen_at, first_seen_at, last_updated_at FROM properties_live`

type pgScannable interface {
	Scan(dest ...any) error
}

func pgScanProperty(row pgScannable) (*models.CanonicalProperty, error) {
	var p models.CanonicalProperty
	var amenitiesJSON, featuresJSON, imagesJSON []byte
	var opType, listingStatus, status string

	if err := row.Scan(&p.PropertyID, &p.SourceURL, &p.Price, &p.PriceAtLastManifest, &p.Title, &p.Description,
		&p.PropertyType, &opType, &p.Bedrooms, &p.Bathrooms, &p.AreaM2, &p.LotAreaM2, &p.AddressLine, &p.Neighborhood,
		&p.City, &p.State, &p.PostalCode, &p.Latitude, &p.Longitude, &amenitiesJSON, &featuresJSON, &imagesJSON,
		&p.AgentName, &p.AgencyName, &listingStatus, &status, &p.ConsecutiveMissingCount, &p.ScrapePriority,
		&p.LastFullScrapeAt, &p.LastManifestSeenAt, &p.FirstSeenAt, &p.LastUpdatedAt); err != nil {
		return nil, err
	}

	p.OperationType = models.OperationType(opType)
	p.ListingStatus = models.ListingStatus(listingStatus)
	p.Status = models.RecordStatus(status)
	if len(amenitiesJSON) > 0 {
		json.Unmarshal(amenitiesJSON, &p.Amenities)
	}
	if len(featuresJSON) > 0 {
		json.Unmarshal(featuresJSON, &p.Features)
	}
	if len(imagesJSON) > 0 {
		json.Unmarshal(imagesJSON, &p.Images)
	}
	return &p, nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, propertyID string) (*models.CanonicalProperty, error) {
	row := s.pool.QueryRow(ctx, pgPropertySelect+` WHERE property_id = $1`, propertyID)
	p, err := pgScanProperty(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) GetPropertiesByIDs(ctx context.Context, propertyIDs []string) (map[string]*models.CanonicalProperty, error) {
	out := make(map[string]*models.CanonicalProperty)
	for _, batch := range chunk(propertyIDs, 500) {
		if len(batch) == 0 {
			continue
		}
		rows, err := s.pool.Query(ctx, pgPropertySelect+` WHERE property_id = ANY($1)`, batch)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			p, err := pgScanProperty(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[p.PropertyID] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) UpsertFromScrape(ctx context.Context, propertyID string, r models.ScrapedRecord, now time.Time) error {
	existing, err := s.GetProperty(ctx, propertyID)
	if err != nil && err != ErrNotFound {
		return err
	}

	merged := mergeScrapedRecord(existing, propertyID, r, now)

	amenitiesJSON, _ := json.Marshal(merged.Amenities)
	featuresJSON, _ := json.Marshal(merged.Features)
	imagesJSON, _ := json.Marshal(merged.Images)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO properties_live
			(property_id, source_url, price, price_at_last_manifest, title, description, property_type,
			 operation_type, bedrooms, bathrooms, area_m2, lot_area_m2, address_line, neighborhood, city,
			 state, postal_code, latitude, longitude, amenities, features, images, agent_name, agency_name,
			 listing_status, status, consecutive_missing_count, scrape_priority, last_full_scrape_at,
			 last_manifest_seen_at, first_seen_at, last_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)
		ON CONFLICT(property_id) DO UPDATE SET
			source_url=excluded.source_url, price=excluded.price, price_at_last_manifest=excluded.price_at_last_manifest,
			title=excluded.title, description=excluded.description, property_type=excluded.property_type,
			operation_type=excluded.operation_type, bedrooms=excluded.bedrooms, bathrooms=excluded.bathrooms,
			area_m2=excluded.area_m2, lot_area_m2=excluded.lot_area_m2, address_line=excluded.address_line,
			neighborhood=excluded.neighborhood, city=excluded.city, state=excluded.state, postal_code=excluded.postal_code,
			latitude=excluded.latitude, longitude=excluded.longitude, amenities=excluded.amenities,
			features=excluded.features, images=excluded.images, agent_name=excluded.agent_name,
			agency_name=excluded.agency_name, listing_status=excluded.listing_status, status=excluded.status,
			consecutive_missing_count=excluded.consecutive_missing_count, scrape_priority=excluded.scrape_priority,
			last_full_scrape_at=excluded.last_full_scrape_at, last_manifest_seen_at=excluded.last_manifest_seen_at,
			last_updated_at=excluded.last_updated_at
	`, merged.PropertyID, merged.SourceURL, merged.Price, merged.PriceAtLastManifest,
		merged.Title, merged.Description, merged.PropertyType, string(merged.OperationType), merged.Bedrooms,
		merged.Bathrooms, merged.AreaM2, merged.LotAreaM2, merged.AddressLine,
		merged.Neighborhood, merged.City, merged.State, merged.PostalCode, merged.Latitude, merged.Longitude,
		amenitiesJSON, featuresJSON, imagesJSON, merged.AgentName, merged.AgencyName,
		string(merged.ListingStatus), string(merged.Status), merged.ConsecutiveMissingCount, merged.ScrapePriority,
		merged.LastFullScrapeAt, merged.LastManifestSeenAt, merged.FirstSeenAt, merged.LastUpdatedAt)
	return err
}

func (s *PostgresStore) IncrementMissingCounts(ctx context.Context, notObservedIDs []string) error {
	for _, batch := range chunk(notObservedIDs, 500) {
		if len(batch) == 0 {
			continue
		}
		if _, err := s.pool.Exec(ctx, `UPDATE properties_live SET consecutive_missing_count = consecutive_missing_count + 1
			WHERE status = 'active' AND property_id = ANY($1)`, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ResetMissingCounts(ctx context.Context, observedIDs []string, now time.Time) error {
	for _, batch := range chunk(observedIDs, 500) {
		if len(batch) == 0 {
			continue
		}
		if _, err := s.pool.Exec(ctx, `UPDATE properties_live SET consecutive_missing_count = 0, last_manifest_seen_at = $1
			WHERE property_id = ANY($2)`, now, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) RemovalCandidates(ctx context.Context, minCount int) ([]models.PropertyRemovalCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT property_id, source_url, last_manifest_seen_at, consecutive_missing_count
		FROM properties_live WHERE status = 'active' AND consecutive_missing_count >= $1`, minCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PropertyRemovalCandidate
	for rows.Next() {
		var c models.PropertyRemovalCandidate
		if err := rows.Scan(&c.PropertyID, &c.SourceURL, &c.LastSeenAt, &c.ConsecutiveMissingCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyRemovalResults(ctx context.Context, results []models.PropertyRemovalResult, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, r := range results {
		if r.ConfirmedRemoved {
			_, err = tx.Exec(ctx, `UPDATE properties_live SET listing_status = $1, status = $2, last_updated_at = $3
				WHERE property_id = $4`, string(models.ListingConfirmedRemoved), string(models.StatusRemoved), now, r.PropertyID)
		} else {
			_, err = tx.Exec(ctx, `UPDATE properties_live SET consecutive_missing_count = 0, last_manifest_seen_at = $1
				WHERE property_id = $2`, now, r.PropertyID)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RelistCandidates(ctx context.Context, manifestPropertyIDs []string) ([]string, error) {
	var out []string
	for _, batch := range chunk(manifestPropertyIDs, 500) {
		if len(batch) == 0 {
			continue
		}
		rows, err := s.pool.Query(ctx, `SELECT property_id FROM properties_live
			WHERE property_id = ANY($1) AND listing_status IN ('confirmed_removed', 'sold', 'likely_removed')`, batch)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) ApplyRelists(ctx context.Context, propertyIDs []string, now time.Time) error {
	for _, batch := range chunk(propertyIDs, 500) {
		if len(batch) == 0 {
			continue
		}
		if _, err := s.pool.Exec(ctx, `UPDATE properties_live SET listing_status = 'relisted', status = 'active',
			consecutive_missing_count = 0, last_manifest_seen_at = $1, last_updated_at = $2 WHERE property_id = ANY($3)`,
			now, now, batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) StaleActive(ctx context.Context, cutoff time.Time, limit int) ([]models.CanonicalProperty, error) {
	rows, err := s.pool.Query(ctx, pgPropertySelect+`
		WHERE status = 'active' AND (last_full_scrape_at IS NULL OR last_full_scrape_at < $1)
		ORDER BY last_full_scrape_at ASC NULLS FIRST LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CanonicalProperty
	for rows.Next() {
		p, err := pgScanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RandomActiveSample(ctx context.Context, n int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT property_id FROM properties_live WHERE status = 'active'
		ORDER BY RANDOM() LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountActiveBySource(ctx context.Context, sourcePrefix string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM properties_live WHERE status = 'active' AND source_url LIKE $1`,
		sourcePrefix+"%").Scan(&n)
	return n, err
}

func (s *PostgresStore) ActiveIDsBySource(ctx context.Context, sourcePrefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT property_id FROM properties_live WHERE status = 'active' AND source_url LIKE $1`,
		sourcePrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- ScrapeQueue ---

func (s *PostgresStore) Enqueue(ctx context.Context, propertyIDs []string, priority int, reason models.QueueReason, runID string, metadata map[string]map[string]any, maxPending int) (int, error) {
	if len(propertyIDs) == 0 {
		return 0, nil
	}

	if maxPending > 0 {
		var pending int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'pending'`).Scan(&pending); err != nil {
			return 0, err
		}
		if pending >= maxPending {
			return 0, nil
		}
	}

	urls, err := s.LookupSourceURLs(ctx, propertyIDs)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	queued := 0
	for _, id := range propertyIDs {
		url, ok := urls[id]
		if !ok || url == "" {
			continue
		}
		var metaJSON []byte
		if metadata != nil {
			if m, ok := metadata[id]; ok {
				metaJSON, _ = json.Marshal(m)
			}
		}

		tag, err := s.pool.Exec(ctx, `
			INSERT INTO scrape_queue
				(id, property_id, source_url, priority, queue_reason, status, metadata, attempt_count, queued_at)
			VALUES ($1,$2,$3,$4,$5,'pending',$6,0,$7)
			ON CONFLICT DO NOTHING
		`, uuid.NewString(), id, url, priority, string(reason), metaJSON, now)
		if err != nil {
			return queued, fmt.Errorf("postgres: enqueueing %s: %w", id, err)
		}
		if tag.RowsAffected() > 0 {
			queued++
		}
	}
	return queued, nil
}

// ClaimBatch atomically claims up to n pending rows using SKIP LOCKED, the
// Postgres-native counterpart to SQLiteStore's optimistic claim loop.
func (s *PostgresStore) ClaimBatch(ctx context.Context, n int, workerID string) ([]models.QueueEntry, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		UPDATE scrape_queue SET status = 'in_progress', claimed_at = $1, claimed_by = $2
		WHERE id IN (
			SELECT id FROM scrape_queue WHERE status = 'pending'
			ORDER BY priority ASC, queued_at ASC LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, property_id, source_url, priority, queue_reason, metadata`, now, workerID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var reason string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.PropertyID, &e.SourceURL, &e.Priority, &reason, &metaJSON); err != nil {
			return claimed, err
		}
		e.QueueReason = models.QueueReason(reason)
		e.Status = models.QueueInProgress
		e.ClaimedAt = &now
		e.ClaimedBy = workerID
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &e.Metadata)
		}
		claimed = append(claimed, e)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) Complete(ctx context.Context, id string, success bool, errMsg string) error {
	status := models.QueueCompleted
	if !success {
		status = models.QueueFailed
	}
	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_queue SET status = $1, completed_at = $2, last_error = $3,
		attempt_count = attempt_count + 1 WHERE id = $4`, string(status), now, errMsg, id)
	return err
}

func (s *PostgresStore) ReleaseStale(ctx context.Context, minutes int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_queue SET status = 'pending', claimed_at = NULL, claimed_by = NULL
		WHERE status = 'in_progress' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RetryFailed(ctx context.Context, maxAttempts, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_queue SET status = 'pending', claimed_at = NULL, claimed_by = NULL,
		completed_at = NULL, last_error = NULL
		WHERE id IN (SELECT id FROM scrape_queue WHERE status = 'failed' AND attempt_count < $1 LIMIT $2)`, maxAttempts, limit)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CancelPendingByReason(ctx context.Context, reason models.QueueReason) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE scrape_queue SET status = 'cancelled', completed_at = $1
		WHERE status = 'pending' AND queue_reason = $2`, now, string(reason))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	stats.ByPriority = make(map[int]int)
	stats.ByReason = make(map[models.QueueReason]int)

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'pending'`).Scan(&stats.PendingCount); err != nil {
		return stats, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'in_progress'`).Scan(&stats.InProgressCount); err != nil {
		return stats, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'completed' AND completed_at > $1`,
		time.Now().UTC().Truncate(24*time.Hour)).Scan(&stats.CompletedToday); err != nil {
		return stats, err
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'failed' AND completed_at > $1`,
		time.Now().UTC().Truncate(24*time.Hour)).Scan(&stats.FailedToday); err != nil {
		return stats, err
	}

	rows, err := s.pool.Query(ctx, `SELECT priority, COUNT(*) FROM scrape_queue WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var p, n int
		if err := rows.Scan(&p, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByPriority[p] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.pool.Query(ctx, `SELECT queue_reason, COUNT(*) FROM scrape_queue WHERE status = 'pending' GROUP BY queue_reason`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByReason[models.QueueReason(reason)] = n
	}
	rows.Close()
	return stats, rows.Err()
}

func (s *PostgresStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	tag, err := s.pool.Exec(ctx, `DELETE FROM scrape_queue WHERE status IN ('completed', 'cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) FailedItems(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, property_id, source_url, priority, queue_reason, attempt_count, last_error, completed_at
		FROM scrape_queue WHERE status = 'failed' ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var reason string
		var lastError *string
		if err := rows.Scan(&e.ID, &e.PropertyID, &e.SourceURL, &e.Priority, &reason, &e.AttemptCount, &lastError, &e.CompletedAt); err != nil {
			return nil, err
		}
		e.QueueReason = models.QueueReason(reason)
		e.Status = models.QueueFailed
		if lastError != nil {
			e.LastError = *lastError
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LookupSourceURLs(ctx context.Context, propertyIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, batch := range chunk(propertyIDs, 500) {
		if len(batch) == 0 {
			continue
		}
		rows, err := s.pool.Query(ctx, `SELECT property_id, source_url FROM property_manifest WHERE property_id = ANY($1)`, batch)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id, url string
			if err := rows.Scan(&id, &url); err != nil {
				rows.Close()
				return nil, err
			}
			if url != "" {
				out[id] = url
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	var missing []string
	for _, id := range propertyIDs {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	for _, batch := range chunk(missing, 500) {
		if len(batch) == 0 {
			continue
		}
		rows, err := s.pool.Query(ctx, `SELECT property_id, source_url FROM properties_live WHERE property_id = ANY($1)`, batch)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id, url string
			if err := rows.Scan(&id, &url); err != nil {
				rows.Close()
				return nil, err
			}
			if url != "" {
				out[id] = url
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- RunStore ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, tier_level, tier_name, session_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, run.ID, int(run.TierLevel), run.TierName, run.SessionID, string(run.Status), run.StartedAt)
	return err
}

func (s *PostgresStore) CompleteRun(ctx context.Context, run *models.SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_runs SET status = $1, completed_at = $2, pages_scanned = $3, new_found = $4, price_changes = $5,
		removals_confirmed = $6, queued = $7, scraped = $8, updated = $9, error_summary = $10 WHERE id = $11`,
		string(run.Status), run.CompletedAt, run.PagesScanned, run.NewFound, run.PriceChanges,
		run.RemovalsConfirmed, run.Queued, run.Scraped, run.Updated, run.ErrorSummary, run.ID)
	return err
}

func (s *PostgresStore) LastRun(ctx context.Context, tier models.TierLevel) (*models.SyncRun, error) {
	return s.queryOneRun(ctx, `SELECT id, tier_level, tier_name, session_id, status, started_at, completed_at,
		pages_scanned, new_found, price_changes, removals_confirmed, queued, scraped, updated, error_summary
		FROM sync_runs WHERE tier_level = $1 ORDER BY started_at DESC LIMIT 1`, int(tier))
}

func (s *PostgresStore) LastSuccessfulRun(ctx context.Context, tier models.TierLevel) (*models.SyncRun, error) {
	return s.queryOneRun(ctx, `SELECT id, tier_level, tier_name, session_id, status, started_at, completed_at,
		pages_scanned, new_found, price_changes, removals_confirmed, queued, scraped, updated, error_summary
		FROM sync_runs WHERE tier_level = $1 AND status = 'completed' ORDER BY started_at DESC LIMIT 1`, int(tier))
}

func (s *PostgresStore) queryOneRun(ctx context.Context, query string, args ...any) (*models.SyncRun, error) {
	row := s.pool.QueryRow(ctx, query, args...)
	run, err := pgScanRun(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return run, err
}

func pgScanRun(row pgScannable) (*models.SyncRun, error) {
	var run models.SyncRun
	var tierLevel int
	var errorSummary *string
	if err := row.Scan(&run.ID, &tierLevel, &run.TierName, &run.SessionID, &run.Status, &run.StartedAt, &run.CompletedAt,
		&run.PagesScanned, &run.NewFound, &run.PriceChanges, &run.RemovalsConfirmed, &run.Queued, &run.Scraped,
		&run.Updated, &errorSummary); err != nil {
		return nil, err
	}
	run.TierLevel = models.TierLevel(tierLevel)
	if errorSummary != nil {
		run.ErrorSummary = *errorSummary
	}
	return &run, nil
}

func (s *PostgresStore) History(ctx context.Context, tier *models.TierLevel, limit int) ([]models.SyncRun, error) {
	query := `SELECT id, tier_level, tier_name, session_id, status, started_at, completed_at,
		pages_scanned, new_found, price_changes, removals_confirmed, queued, scraped, updated, error_summary
		FROM sync_runs`
	var args []any
	if tier != nil {
		query += ` WHERE tier_level = $1 ORDER BY started_at DESC LIMIT $2`
		args = append(args, int(*tier), limit)
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncRun
	for rows.Next() {
		run, err := pgScanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}
