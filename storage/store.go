// Package storage implements the four store interfaces the engine depends
// on (ManifestStore, CanonicalStore, ScrapeQueue, RunStore) against two
// backends: Postgres (pgx/v5) for production and SQLite (mattn/go-sqlite3)
// for local development and tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/syncengine/listingsync/models"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("storage: not found")

// ManifestStore persists ManifestEntry observations (spec §4.C).
type ManifestStore interface {
	// Upsert writes entries, computing IsNew/PriceChanged/NeedsFullScrape
	// by comparing against the canonical store, and returns the counts.
	Upsert(ctx context.Context, canonical CanonicalReader, entries []models.ManifestEntry, runID string) (newCount, priceChangeCount int, err error)
	// GetByRun returns every entry observed in a run, used by DiffDetector.
	GetByRun(ctx context.Context, runID string) ([]models.ManifestEntry, error)
	// ClearFlags resets IsNew/PriceChanged/NeedsFullScrape to false for a run.
	ClearFlags(ctx context.Context, runID string) error
	// DeleteConfirmedRemovals deletes manifest rows for the given property
	// ids, used by TierOrchestrator T3 after confirming removals.
	DeleteConfirmedRemovals(ctx context.Context, propertyIDs []string) error
}

// CanonicalReader is the read-only slice of CanonicalStore that
// ManifestStore.Upsert needs to compute price-change flags, kept separate
// so ManifestStore never needs write access to the canonical table.
type CanonicalReader interface {
	GetProperty(ctx context.Context, propertyID string) (*models.CanonicalProperty, error)
	GetPropertiesByIDs(ctx context.Context, propertyIDs []string) (map[string]*models.CanonicalProperty, error)
}

// CanonicalStore persists CanonicalProperty records (spec §3, §4.H).
type CanonicalStore interface {
	CanonicalReader
	// UpsertFromScrape applies a detail scrape's result with the
	// non-null-overwrites-null merge policy of spec §4.H.
	UpsertFromScrape(ctx context.Context, propertyID string, record models.ScrapedRecord, now time.Time) error
	// IncrementMissingCounts bumps ConsecutiveMissingCount for every active
	// property belonging to a scanned source that was not observed.
	IncrementMissingCounts(ctx context.Context, notObservedIDs []string) error
	// ResetMissingCounts zeroes ConsecutiveMissingCount and stamps
	// LastManifestSeenAt for every observed property.
	ResetMissingCounts(ctx context.Context, observedIDs []string, now time.Time) error
	// RemovalCandidates returns active properties with ConsecutiveMissingCount >= minCount.
	RemovalCandidates(ctx context.Context, minCount int) ([]models.PropertyRemovalCandidate, error)
	// ApplyRemovalResults batch-updates confirmed/unconfirmed removal outcomes.
	ApplyRemovalResults(ctx context.Context, results []models.PropertyRemovalResult, now time.Time) error
	// RelistCandidates returns canonical properties present in the given
	// manifest property ids whose listing_status is removed/sold/likely_removed.
	RelistCandidates(ctx context.Context, manifestPropertyIDs []string) ([]string, error)
	// ApplyRelists flips the given property ids to relisted/active.
	ApplyRelists(ctx context.Context, propertyIDs []string, now time.Time) error
	// StaleActive returns active properties whose LastFullScrapeAt is older
	// than the cutoff, ordered oldest-first, for tier 3/4 stale refresh.
	StaleActive(ctx context.Context, cutoff time.Time, limit int) ([]models.CanonicalProperty, error)
	// RandomActiveSample returns up to n random active property ids.
	RandomActiveSample(ctx context.Context, n int) ([]string, error)
	// CountActiveBySource returns how many active canonical properties
	// have a source_url starting with the given prefix; used by the
	// minExpectedPropertiesPercent safety check.
	CountActiveBySource(ctx context.Context, sourcePrefix string) (int, error)
	// ActiveIDsBySource returns the property ids of every active canonical
	// property whose source_url starts with the given prefix. Used to
	// scope consecutive-missing-count maintenance (spec §9 open question
	// 2) to properties belonging to a source that was actually scanned
	// this run, rather than every active property in the store.
	ActiveIDsBySource(ctx context.Context, sourcePrefix string) ([]string, error)
}

// ScrapeQueue persists and claims QueueEntry rows (spec §4.F).
type ScrapeQueue interface {
	Enqueue(ctx context.Context, propertyIDs []string, priority int, reason models.QueueReason, runID string, metadata map[string]map[string]any, maxPending int) (queuedCount int, err error)
	ClaimBatch(ctx context.Context, n int, workerID string) ([]models.QueueEntry, error)
	Complete(ctx context.Context, id string, success bool, errMsg string) error
	ReleaseStale(ctx context.Context, minutes int) (int, error)
	RetryFailed(ctx context.Context, maxAttempts, limit int) (int, error)
	CancelPendingByReason(ctx context.Context, reason models.QueueReason) (int, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	CleanupOlderThan(ctx context.Context, days int) (int, error)
	FailedItems(ctx context.Context, limit int) ([]models.QueueEntry, error)
	// LookupSourceURLs resolves property_id -> source_url from the
	// manifest first, falling back to the canonical store.
	LookupSourceURLs(ctx context.Context, propertyIDs []string) (map[string]string, error)
}

// RunStore persists SyncRun rows (spec §3, owned by Scheduler/TierOrchestrator).
type RunStore interface {
	CreateRun(ctx context.Context, run *models.SyncRun) error
	CompleteRun(ctx context.Context, run *models.SyncRun) error
	LastRun(ctx context.Context, tier models.TierLevel) (*models.SyncRun, error)
	LastSuccessfulRun(ctx context.Context, tier models.TierLevel) (*models.SyncRun, error)
	History(ctx context.Context, tier *models.TierLevel, limit int) ([]models.SyncRun, error)
}

// Store bundles the four interfaces a single backend implements.
type Store interface {
	ManifestStore
	CanonicalStore
	ScrapeQueue
	RunStore
	Close() error
}

func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = 200
	}
	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}
