package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/syncengine/listingsync/models"
)

// SQLiteStore is the lightweight operational backend: single-process,
// WAL-mode, used for local development and the test suite. Its
// ClaimBatch is the compare-and-swap emulation spec §4.F/§9 call for,
// since SQLite has no SELECT ... FOR UPDATE SKIP LOCKED.
type SQLiteStore struct {
	db *sql.DB

	priceChangeThresholdPercent  float64
	priceChangeThresholdAbsolute float64
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{
		db:                           db,
		priceChangeThresholdPercent:  defaultPriceChangeThresholdPercent,
		priceChangeThresholdAbsolute: defaultPriceChangeThresholdAbsolute,
	}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// SetPriceChangeThresholds overrides the defaults with the operator's
// configured MANIFEST_PRICE_CHANGE_THRESHOLD_PERCENT/_ABSOLUTE values.
func (s *SQLiteStore) SetPriceChangeThresholds(percent, absolute float64) {
	s.priceChangeThresholdPercent = percent
	s.priceChangeThresholdAbsolute = absolute
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS property_manifest (
		property_id TEXT PRIMARY KEY,
		source_url TEXT,
		listing_price REAL,
		listing_title TEXT,
		latitude REAL,
		longitude REAL,
		operation_type TEXT,
		is_new BOOLEAN DEFAULT 0,
		price_changed BOOLEAN DEFAULT 0,
		needs_full_scrape BOOLEAN DEFAULT 0,
		first_seen_at DATETIME,
		last_seen_at DATETIME,
		seen_in_run_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_manifest_run ON property_manifest(seen_in_run_id);

	CREATE TABLE IF NOT EXISTS properties_live (
		property_id TEXT PRIMARY KEY,
		source_url TEXT,
		price REAL,
		price_at_last_manifest REAL,
		title TEXT,
		description TEXT,
		property_type TEXT,
		operation_type TEXT,
		bedrooms INTEGER,
		bathrooms REAL,
		area_m2 REAL,
		lot_area_m2 REAL,
		address_line TEXT,
		neighborhood TEXT,
		city TEXT,
		state TEXT,
		postal_code TEXT,
		latitude REAL,
		longitude REAL,
		amenities JSON,
		features JSON,
		images JSON,
		agent_name TEXT,
		agency_name TEXT,
		listing_status TEXT DEFAULT 'active',
		status TEXT DEFAULT 'active',
		consecutive_missing_count INTEGER DEFAULT 0,
		scrape_priority INTEGER DEFAULT 3,
		last_full_scrape_at DATETIME,
		last_manifest_seen_at DATETIME,
		first_seen_at DATETIME,
		last_updated_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_live_status_seen ON properties_live(listing_status, last_manifest_seen_at);

	CREATE TABLE IF NOT EXISTS scrape_queue (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL,
		source_url TEXT,
		priority INTEGER,
		queue_reason TEXT,
		status TEXT DEFAULT 'pending',
		metadata JSON,
		attempt_count INTEGER DEFAULT 0,
		claimed_at DATETIME,
		claimed_by TEXT,
		last_error TEXT,
		queued_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status_priority ON scrape_queue(status, priority, queued_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_one_pending ON scrape_queue(property_id) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		tier_level INTEGER,
		tier_name TEXT,
		session_id TEXT,
		status TEXT,
		started_at DATETIME,
		completed_at DATETIME,
		pages_scanned INTEGER DEFAULT 0,
		new_found INTEGER DEFAULT 0,
		price_changes INTEGER DEFAULT 0,
		removals_confirmed INTEGER DEFAULT 0,
		queued INTEGER DEFAULT 0,
		scraped INTEGER DEFAULT 0,
		updated INTEGER DEFAULT 0,
		error_summary TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- ManifestStore ---

func (s *SQLiteStore) Upsert(ctx context.Context, canonical CanonicalReader, entries []models.ManifestEntry, runID string) (int, int, error) {
	newCount, priceChangeCount := 0, 0
	now := time.Now().UTC()

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.PropertyID
	}
	canonicalByID, err := canonical.GetPropertiesByIDs(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: loading canonical rows for manifest upsert: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

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

		var firstSeen sql.NullTime
		err := tx.QueryRowContext(ctx, `SELECT first_seen_at FROM property_manifest WHERE property_id = ?`, e.PropertyID).Scan(&firstSeen)
		if err == sql.ErrNoRows {
			e.FirstSeenAt = now
		} else if err == nil && firstSeen.Valid {
			e.FirstSeenAt = firstSeen.Time
		} else if err != nil {
			e.FirstSeenAt = now
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO property_manifest
				(property_id, source_url, listing_price, listing_title, latitude, longitude, operation_type,
				 is_new, price_changed, needs_full_scrape, first_seen_at, last_seen_at, seen_in_run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		`, e.PropertyID, e.SourceURL, nullFloat(e.ListingPrice), nullString(e.ListingTitle), nullFloat(e.Latitude), nullFloat(e.Longitude),
			string(e.OperationType), e.IsNew, e.PriceChanged, e.NeedsFullScrape, e.FirstSeenAt, e.LastSeenAt, e.SeenInRunID)
		if err != nil {
			return 0, 0, fmt.Errorf("sqlite: upserting manifest entry %s: %w", e.PropertyID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return newCount, priceChangeCount, nil
}

func (s *SQLiteStore) GetByRun(ctx context.Context, runID string) ([]models.ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT property_id, source_url, listing_price, listing_title, latitude, longitude, operation_type,
		       is_new, price_changed, needs_full_scrape, first_seen_at, last_seen_at, seen_in_run_id
		FROM property_manifest WHERE seen_in_run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ManifestEntry
	for rows.Next() {
		var e models.ManifestEntry
		var price, lat, lng sql.NullFloat64
		var title sql.NullString
		var opType string
		if err := rows.Scan(&e.PropertyID, &e.SourceURL, &price, &title, &lat, &lng, &opType,
			&e.IsNew, &e.PriceChanged, &e.NeedsFullScrape, &e.FirstSeenAt, &e.LastSeenAt, &e.SeenInRunID); err != nil {
			return nil, err
		}
		if price.Valid {
			v := price.Float64
			e.ListingPrice = &v
		}
		if title.Valid {
			v := title.String
			e.ListingTitle = &v
		}
		if lat.Valid {
			v := lat.Float64
			e.Latitude = &v
		}
		if lng.Valid {
			v := lng.Float64
			e.Longitude = &v
		}
		e.OperationType = models.OperationType(opType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClearFlags(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE property_manifest SET is_new = 0, price_changed = 0, needs_full_scrape = 0
		WHERE seen_in_run_id = ?`, runID)
	return err
}

func (s *SQLiteStore) DeleteConfirmedRemovals(ctx context.Context, propertyIDs []string) error {
	for _, batch := range chunk(propertyIDs, 200) {
		if len(batch) == 0 {
			continue
		}
		q, args := inClause(`DELETE FROM property_manifest WHERE property_id IN (%s)`, batch)
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

// --- CanonicalStore ---

func (s *SQLiteStore) GetProperty(ctx context.Context, propertyID string) (*models.CanonicalProperty, error) {
	row := s.db.QueryRowContext(ctx, propertySelect+` WHERE property_id = ?`, propertyID)
	p, err := scanProperty(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) GetPropertiesByIDs(ctx context.Context, propertyIDs []string) (map[string]*models.CanonicalProperty, error) {
	out := make(map[string]*models.CanonicalProperty)
	for _, batch := range chunk(propertyIDs, 200) {
		if len(batch) == 0 {
			continue
		}
		q, args := inClause(propertySelect+` WHERE property_id IN (%s)`, batch)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			p, err := scanPropertyRows(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[p.PropertyID] = p
		}
		rows.Close()
	}
	return out, nil
}

const propertySelect = `SELECT property_id, source_url, price, price_at_last_manifest, title, description,
	property_type, operation_type, bedrooms, bathrooms, area_m2, lot_area_m2, address_line, neighborhood,
	city, state, postal_code, latitude, longitude, amenities, features, images, agent_name, agency_name,
	listing_status, status, consecutive_missing_count, scrape_priority, last_full_scrape_at,
	last_manifest_seen_at, first_seen_at, last_updated_at FROM properties_live`

type scannable interface {
	Scan(dest ...any) error
}

func scanProperty(row scannable) (*models.CanonicalProperty, error) {
	return scanPropertyRows(row)
}

func scanPropertyRows(row scannable) (*models.CanonicalProperty, error) {
	var p models.CanonicalProperty
	var price, priceAtManifest, bathrooms, areaM2, lotAreaM2, lat, lng sql.NullFloat64
	var bedrooms sql.NullInt64
	var amenities, features, images sql.NullString
	var lastFullScrape, lastManifestSeen sql.NullTime
	var opType, listingStatus, status string

	if err := row.Scan(&p.PropertyID, &p.SourceURL, &price, &priceAtManifest, &p.Title, &p.Description,
		&p.PropertyType, &opType, &bedrooms, &bathrooms, &areaM2, &lotAreaM2, &p.AddressLine, &p.Neighborhood,
		&p.City, &p.State, &p.PostalCode, &lat, &lng, &amenities, &features, &images, &p.AgentName, &p.AgencyName,
		&listingStatus, &status, &p.ConsecutiveMissingCount, &p.ScrapePriority, &lastFullScrape,
		&lastManifestSeen, &p.FirstSeenAt, &p.LastUpdatedAt); err != nil {
		return nil, err
	}

	p.OperationType = models.OperationType(opType)
	p.ListingStatus = models.ListingStatus(listingStatus)
	p.Status = models.RecordStatus(status)
	if price.Valid {
		v := price.Float64
		p.Price = &v
	}
	if priceAtManifest.Valid {
		v := priceAtManifest.Float64
		p.PriceAtLastManifest = &v
	}
	if bedrooms.Valid {
		v := int(bedrooms.Int64)
		p.Bedrooms = &v
	}
	if bathrooms.Valid {
		v := bathrooms.Float64
		p.Bathrooms = &v
	}
	if areaM2.Valid {
		v := areaM2.Float64
		p.AreaM2 = &v
	}
	if lotAreaM2.Valid {
		v := lotAreaM2.Float64
		p.LotAreaM2 = &v
	}
	if lat.Valid {
		v := lat.Float64
		p.Latitude = &v
	}
	if lng.Valid {
		v := lng.Float64
		p.Longitude = &v
	}
	if amenities.Valid {
		json.Unmarshal([]byte(amenities.String), &p.Amenities)
	}
	if features.Valid {
		json.Unmarshal([]byte(features.String), &p.Features)
	}
	if images.Valid {
		json.Unmarshal([]byte(images.String), &p.Images)
	}
	if lastFullScrape.Valid {
		p.LastFullScrapeAt = &lastFullScrape.Time
	}
	if lastManifestSeen.Valid {
		p.LastManifestSeenAt = &lastManifestSeen.Time
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertFromScrape(ctx context.Context, propertyID string, r models.ScrapedRecord, now time.Time) error {
	existing, err := s.GetProperty(ctx, propertyID)
	if err != nil && err != ErrNotFound {
		return err
	}

	merged := mergeScrapedRecord(existing, propertyID, r, now)

	amenitiesJSON, _ := json.Marshal(merged.Amenities)
	featuresJSON, _ := json.Marshal(merged.Features)
	imagesJSON, _ := json.Marshal(merged.Images)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO properties_live
			(property_id, source_url, price, price_at_last_manifest, title, description, property_type,
			 operation_type, bedrooms, bathrooms, area_m2, lot_area_m2, address_line, neighborhood, city,
			 state, postal_code, latitude, longitude, amenities, features, images, agent_name, agency_name,
			 listing_status, status, consecutive_missing_count, scrape_priority, last_full_scrape_at,
			 last_manifest_seen_at, first_seen_at, last_updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
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
	`, merged.PropertyID, merged.SourceURL, nullFloat(merged.Price), nullFloat(merged.PriceAtLastManifest),
		merged.Title, merged.Description, merged.PropertyType, string(merged.OperationType), nullInt(merged.Bedrooms),
		nullFloat(merged.Bathrooms), nullFloat(merged.AreaM2), nullFloat(merged.LotAreaM2), merged.AddressLine,
		merged.Neighborhood, merged.City, merged.State, merged.PostalCode, nullFloat(merged.Latitude), nullFloat(merged.Longitude),
		string(amenitiesJSON), string(featuresJSON), string(imagesJSON), merged.AgentName, merged.AgencyName,
		string(merged.ListingStatus), string(merged.Status), merged.ConsecutiveMissingCount, merged.ScrapePriority,
		merged.LastFullScrapeAt, merged.LastManifestSeenAt, merged.FirstSeenAt, merged.LastUpdatedAt)
	return err
}

// mergeScrapedRecord implements spec §4.H: non-null scraped fields
// overwrite; null/empty never clobber. Arrays replace wholesale when present.
func mergeScrapedRecord(existing *models.CanonicalProperty, propertyID string, r models.ScrapedRecord, now time.Time) models.CanonicalProperty {
	var out models.CanonicalProperty
	if existing != nil {
		out = *existing
	} else {
		out.PropertyID = propertyID
		out.FirstSeenAt = now
	}

	id := propertyID
	if r.PropertyID != "" {
		id = r.PropertyID // scraper's computed id is authoritative, per spec §4.H
	}
	out.PropertyID = id

	if r.SourceURL != "" {
		out.SourceURL = r.SourceURL
	}
	if r.Price != nil {
		out.Price = r.Price
	}
	if r.Title != "" {
		out.Title = r.Title
	}
	if r.Description != "" {
		out.Description = r.Description
	}
	if r.PropertyType != "" {
		out.PropertyType = r.PropertyType
	}
	if r.OperationType != "" {
		out.OperationType = r.OperationType
	}
	if r.Bedrooms != nil {
		out.Bedrooms = r.Bedrooms
	}
	if r.Bathrooms != nil {
		out.Bathrooms = r.Bathrooms
	}
	if r.AreaM2 != nil {
		out.AreaM2 = r.AreaM2
	}
	if r.LotAreaM2 != nil {
		out.LotAreaM2 = r.LotAreaM2
	}
	if r.AddressLine != "" {
		out.AddressLine = r.AddressLine
	}
	if r.Neighborhood != "" {
		out.Neighborhood = r.Neighborhood
	}
	if r.City != "" {
		out.City = r.City
	}
	if r.State != "" {
		out.State = r.State
	}
	if r.PostalCode != "" {
		out.PostalCode = r.PostalCode
	}
	if r.Latitude != nil {
		out.Latitude = r.Latitude
	}
	if r.Longitude != nil {
		out.Longitude = r.Longitude
	}
	if len(r.Amenities) > 0 {
		out.Amenities = r.Amenities
	}
	if len(r.Features) > 0 {
		out.Features = r.Features
	}
	if len(r.Images) > 0 {
		out.Images = r.Images
	}
	if r.AgentName != "" {
		out.AgentName = r.AgentName
	}
	if r.AgencyName != "" {
		out.AgencyName = r.AgencyName
	}

	out.LastFullScrapeAt = &now
	out.LastUpdatedAt = now
	out.LastManifestSeenAt = &now
	out.Status = models.StatusActive
	out.ListingStatus = models.ListingActive
	out.ConsecutiveMissingCount = 0
	out.ScrapePriority = 3

	return out
}

func (s *SQLiteStore) IncrementMissingCounts(ctx context.Context, notObservedIDs []string) error {
	for _, batch := range chunk(notObservedIDs, 200) {
		if len(batch) == 0 {
			continue
		}
		q, args := inClause(`UPDATE properties_live SET consecutive_missing_count = consecutive_missing_count + 1
			WHERE status = 'active' AND property_id IN (%s)`, batch)
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ResetMissingCounts(ctx context.Context, observedIDs []string, now time.Time) error {
	for _, batch := range chunk(observedIDs, 200) {
		if len(batch) == 0 {
			continue
		}
		q, args := inClause(`UPDATE properties_live SET consecutive_missing_count = 0, last_manifest_seen_at = ?
			WHERE property_id IN (%s)`, batch)
		args = append([]any{now}, args...)
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) RemovalCandidates(ctx context.Context, minCount int) ([]models.PropertyRemovalCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT property_id, source_url, last_manifest_seen_at, consecutive_missing_count
		FROM properties_live WHERE status = 'active' AND consecutive_missing_count >= ?`, minCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PropertyRemovalCandidate
	for rows.Next() {
		var c models.PropertyRemovalCandidate
		var lastSeen sql.NullTime
		if err := rows.Scan(&c.PropertyID, &c.SourceURL, &lastSeen, &c.ConsecutiveMissingCount); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			c.LastSeenAt = &lastSeen.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ApplyRemovalResults(ctx context.Context, results []models.PropertyRemovalResult, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range results {
		if r.ConfirmedRemoved {
			_, err = tx.ExecContext(ctx, `UPDATE properties_live SET listing_status = ?, status = ?, last_updated_at = ?
				WHERE property_id = ?`, string(models.ListingConfirmedRemoved), string(models.StatusRemoved), now, r.PropertyID)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE properties_live SET consecutive_missing_count = 0, last_manifest_seen_at = ?
				WHERE property_id = ?`, now, r.PropertyID)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RelistCandidates(ctx context.Context, manifestPropertyIDs []string) ([]string, error) {
	var out []string
	for _, batch := range chunk(manifestPropertyIDs, 200) {
		if len(batch) == 0 {
			continue
		}
		q, args := inClause(`SELECT property_id FROM properties_live
			WHERE property_id IN (%s) AND listing_status IN ('confirmed_removed', 'sold', 'likely_removed')`, batch)
		rows, err := s.db.QueryContext(ctx, q, args...)
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
	}
	return out, nil
}

func (s *SQLiteStore) ApplyRelists(ctx context.Context, propertyIDs []string, now time.Time) error {
	for _, batch := range chunk(propertyIDs, 200) {
		if len(batch) == 0 {
			continue
		}
		q, args := inClause(`UPDATE properties_live SET listing_status = 'relisted', status = 'active',
			consecutive_missing_count = 0, last_manifest_seen_at = ?, last_updated_at = ? WHERE property_id IN (%s)`, batch)
		args = append([]any{now, now}, args...)
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) StaleActive(ctx context.Context, cutoff time.Time, limit int) ([]models.CanonicalProperty, error) {
	rows, err := s.db.QueryContext(ctx, propertySelect+`
		WHERE status = 'active' AND (last_full_scrape_at IS NULL OR last_full_scrape_at < ?)
		ORDER BY last_full_scrape_at ASC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CanonicalProperty
	for rows.Next() {
		p, err := scanPropertyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RandomActiveSample(ctx context.Context, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT property_id FROM properties_live WHERE status = 'active'
		ORDER BY RANDOM() LIMIT ?`, n)
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

func (s *SQLiteStore) CountActiveBySource(ctx context.Context, sourcePrefix string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM properties_live WHERE status = 'active' AND source_url LIKE ?`,
		sourcePrefix+"%").Scan(&n)
	return n, err
}

func (s *SQLiteStore) ActiveIDsBySource(ctx context.Context, sourcePrefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT property_id FROM properties_live WHERE status = 'active' AND source_url LIKE ?`,
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

func (s *SQLiteStore) Enqueue(ctx context.Context, propertyIDs []string, priority int, reason models.QueueReason, runID string, metadata map[string]map[string]any, maxPending int) (int, error) {
	if len(propertyIDs) == 0 {
		return 0, nil
	}

	if maxPending > 0 {
		var pending int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'pending'`).Scan(&pending); err != nil {
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

		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO scrape_queue
				(id, property_id, source_url, priority, queue_reason, status, metadata, attempt_count, queued_at)
			VALUES (?,?,?,?,?,'pending',?,0,?)
		`, uuid.NewString(), id, url, priority, string(reason), string(metaJSON), now)
		if err != nil {
			return queued, fmt.Errorf("sqlite: enqueueing %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			queued++
		}
	}
	return queued, nil
}

func (s *SQLiteStore) ClaimBatch(ctx context.Context, n int, workerID string) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, property_id, source_url, priority, queue_reason, metadata
		FROM scrape_queue WHERE status = 'pending' ORDER BY priority ASC, queued_at ASC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		id, propertyID, sourceURL, reason string
		priority                          int
		metaJSON                          sql.NullString
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.propertyID, &c.sourceURL, &c.priority, &c.reason, &c.metaJSON); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var claimed []models.QueueEntry
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scrape_queue SET status = 'in_progress', claimed_at = ?, claimed_by = ?
			WHERE id = ? AND status = 'pending'`, now, workerID, c.id)
		if err != nil {
			return claimed, err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			continue // lost the race to another worker
		}
		var meta map[string]any
		if c.metaJSON.Valid && c.metaJSON.String != "" {
			json.Unmarshal([]byte(c.metaJSON.String), &meta)
		}
		claimed = append(claimed, models.QueueEntry{
			ID: c.id, PropertyID: c.propertyID, SourceURL: c.sourceURL, Priority: c.priority,
			QueueReason: models.QueueReason(c.reason), Status: models.QueueInProgress,
			Metadata: meta, ClaimedAt: &now, ClaimedBy: workerID, QueuedAt: now,
		})
	}
	return claimed, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, success bool, errMsg string) error {
	status := models.QueueCompleted
	if !success {
		status = models.QueueFailed
	}
	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_queue SET status = ?, completed_at = ?, last_error = ?,
		attempt_count = attempt_count + 1 WHERE id = ?`, string(status), now, errMsg, id)
	return err
}

func (s *SQLiteStore) ReleaseStale(ctx context.Context, minutes int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_queue SET status = 'pending', claimed_at = NULL, claimed_by = NULL
		WHERE status = 'in_progress' AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) RetryFailed(ctx context.Context, maxAttempts, limit int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM scrape_queue WHERE status = 'failed' AND attempt_count < ? LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	count := 0
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE scrape_queue SET status = 'pending', claimed_at = NULL,
			claimed_by = NULL, completed_at = NULL, last_error = NULL WHERE id = ?`, id); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *SQLiteStore) CancelPendingByReason(ctx context.Context, reason models.QueueReason) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE scrape_queue SET status = 'cancelled', completed_at = ?
		WHERE status = 'pending' AND queue_reason = ?`, now, string(reason))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	stats.ByPriority = make(map[int]int)
	stats.ByReason = make(map[models.QueueReason]int)

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'pending'`).Scan(&stats.PendingCount); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'in_progress'`).Scan(&stats.InProgressCount); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'completed' AND completed_at > ?`,
		time.Now().UTC().Truncate(24*time.Hour)).Scan(&stats.CompletedToday); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_queue WHERE status = 'failed' AND completed_at > ?`,
		time.Now().UTC().Truncate(24*time.Hour)).Scan(&stats.FailedToday); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT priority, COUNT(*) FROM scrape_queue WHERE status = 'pending' GROUP BY priority`)
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

	rows, err = s.db.QueryContext(ctx, `SELECT queue_reason, COUNT(*) FROM scrape_queue WHERE status = 'pending' GROUP BY queue_reason`)
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

func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM scrape_queue WHERE status IN ('completed', 'cancelled') AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) FailedItems(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, property_id, source_url, priority, queue_reason, attempt_count, last_error, completed_at
		FROM scrape_queue WHERE status = 'failed' ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var reason string
		var lastError sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.PropertyID, &e.SourceURL, &e.Priority, &reason, &e.AttemptCount, &lastError, &completedAt); err != nil {
			return nil, err
		}
		e.QueueReason = models.QueueReason(reason)
		e.Status = models.QueueFailed
		if lastError.Valid {
			e.LastError = lastError.String
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LookupSourceURLs(ctx context.Context, propertyIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, batch := range chunk(propertyIDs, 200) {
		if len(batch) == 0 {
			continue
		}
		q, args := inClause(`SELECT property_id, source_url FROM property_manifest WHERE property_id IN (%s)`, batch)
		rows, err := s.db.QueryContext(ctx, q, args...)
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
	}

	var missing []string
	for _, id := range propertyIDs {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	for _, batch := range chunk(missing, 200) {
		if len(batch) == 0 {
			continue
		}
		q, args := inClause(`SELECT property_id, source_url FROM properties_live WHERE property_id IN (%s)`, batch)
		rows, err := s.db.QueryContext(ctx, q, args...)
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
	}
	return out, nil
}

// --- RunStore ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, tier_level, tier_name, session_id, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`, run.ID, int(run.TierLevel), run.TierName, run.SessionID, string(run.Status), run.StartedAt)
	return err
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, run *models.SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET status = ?, completed_at = ?, pages_scanned = ?, new_found = ?, price_changes = ?,
		removals_confirmed = ?, queued = ?, scraped = ?, updated = ?, error_summary = ? WHERE id = ?`,
		string(run.Status), run.CompletedAt, run.PagesScanned, run.NewFound, run.PriceChanges,
		run.RemovalsConfirmed, run.Queued, run.Scraped, run.Updated, run.ErrorSummary, run.ID)
	return err
}

func (s *SQLiteStore) LastRun(ctx context.Context, tier models.TierLevel) (*models.SyncRun, error) {
	return s.queryOneRun(ctx, `SELECT id, tier_level, tier_name, session_id, status, started_at, completed_at,
		pages_scanned, new_found, price_changes, removals_confirmed, queued, scraped, updated, error_summary
		FROM sync_runs WHERE tier_level = ? ORDER BY started_at DESC LIMIT 1`, int(tier))
}

func (s *SQLiteStore) LastSuccessfulRun(ctx context.Context, tier models.TierLevel) (*models.SyncRun, error) {
	return s.queryOneRun(ctx, `SELECT id, tier_level, tier_name, session_id, status, started_at, completed_at,
		pages_scanned, new_found, price_changes, removals_confirmed, queued, scraped, updated, error_summary
		FROM sync_runs WHERE tier_level = ? AND status = 'completed' ORDER BY started_at DESC LIMIT 1`, int(tier))
}

func (s *SQLiteStore) queryOneRun(ctx context.Context, query string, args ...any) (*models.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return run, err
}

func scanRun(row scannable) (*models.SyncRun, error) {
	var run models.SyncRun
	var tierLevel int
	var completedAt sql.NullTime
	var errorSummary sql.NullString
	if err := row.Scan(&run.ID, &tierLevel, &run.TierName, &run.SessionID, &run.Status, &run.StartedAt, &completedAt,
		&run.PagesScanned, &run.NewFound, &run.PriceChanges, &run.RemovalsConfirmed, &run.Queued, &run.Scraped,
		&run.Updated, &errorSummary); err != nil {
		return nil, err
	}
	run.TierLevel = models.TierLevel(tierLevel)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorSummary.Valid {
		run.ErrorSummary = errorSummary.String
	}
	return &run, nil
}

func (s *SQLiteStore) History(ctx context.Context, tier *models.TierLevel, limit int) ([]models.SyncRun, error) {
	query := `SELECT id, tier_level, tier_name, session_id, status, started_at, completed_at,
		pages_scanned, new_found, price_changes, removals_confirmed, queued, scraped, updated, error_summary
		FROM sync_runs`
	var args []any
	if tier != nil {
		query += ` WHERE tier_level = ?`
		args = append(args, int(*tier))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// --- shared helpers ---

func inClause(query string, ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return fmt.Sprintf(query, strings.Join(placeholders, ",")), args
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
