// Package diff compares manifest observations against the canonical
// store and emits new/price-changed/removal/relisted sets.
package diff

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/httputil"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/storage"
)

const headProbeTimeout = 10 * time.Second

var redirectKeywords = []string{"search", "properties", "filter", "?"}

// Detector runs the four detections, the HEAD-probe removal
// verification, and the missing-count bookkeeping described in spec §4.E.
type Detector struct {
	Manifest storage.ManifestStore
	Canon    storage.CanonicalStore
	Clients  *httputil.Clients
	Cfg      *config.Config
}

func New(manifest storage.ManifestStore, canon storage.CanonicalStore, clients *httputil.Clients, cfg *config.Config) *Detector {
	return &Detector{Manifest: manifest, Canon: canon, Clients: clients, Cfg: cfg}
}

// DetectNewAndPriceChanges reads the run's manifest rows and splits them
// into the new-property set and the price-change set (spec §4.E.1-2).
func (d *Detector) DetectNewAndPriceChanges(ctx context.Context, runID string) ([]string, []models.PropertyPriceChange, error) {
	entries, err := d.Manifest.GetByRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("diff: loading manifest for run %s: %w", runID, err)
	}

	var newIDs []string
	var priceChanges []models.PropertyPriceChange

	priceChangeIDs := make([]string, 0)
	for _, e := range entries {
		if e.IsNew {
			newIDs = append(newIDs, e.PropertyID)
		}
		if e.PriceChanged {
			priceChangeIDs = append(priceChangeIDs, e.PropertyID)
		}
	}

	if len(priceChangeIDs) > 0 {
		canonByID, err := d.Canon.GetPropertiesByIDs(ctx, priceChangeIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("diff: loading canonical rows for price changes: %w", err)
		}
		byID := make(map[string]models.ManifestEntry, len(entries))
		for _, e := range entries {
			byID[e.PropertyID] = e
		}
		for _, id := range priceChangeIDs {
			canonical, ok := canonByID[id]
			entry := byID[id]
			if !ok || canonical == nil || canonical.Price == nil || entry.ListingPrice == nil {
				continue
			}
			old, new := *canonical.Price, *entry.ListingPrice
			pct := 0.0
			if old > 0 {
				pct = (new - old) / old * 100
			}
			priceChanges = append(priceChanges, models.PropertyPriceChange{
				PropertyID: id, OldPrice: old, NewPrice: new, PercentChange: pct, SourceURL: entry.SourceURL,
			})
		}
	}

	return newIDs, priceChanges, nil
}

// MaintainMissingCounts implements spec §4.E.3: every active canonical
// property belonging to a scanned source but absent from this run's
// manifest gets its missing count bumped; every one observed gets reset.
// observedIDs must already be scoped to the page range actually scanned
// (spec §9 Open Question 2) — its one caller, RunTier3WeeklyDeep, passes
// the ids of its full-manifest scan as observedIDs and the active ids of
// the scanned sources that scan did not see as notObservedIDs.
func (d *Detector) MaintainMissingCounts(ctx context.Context, observedIDs, notObservedIDs []string, now time.Time) error {
	if err := d.Canon.ResetMissingCounts(ctx, observedIDs, now); err != nil {
		return fmt.Errorf("diff: resetting missing counts: %w", err)
	}
	if err := d.Canon.IncrementMissingCounts(ctx, notObservedIDs); err != nil {
		return fmt.Errorf("diff: incrementing missing counts: %w", err)
	}
	return nil
}

// RemovalCandidates returns active canonical properties whose missing
// count has crossed the configured threshold (spec §4.E.4).
func (d *Detector) RemovalCandidates(ctx context.Context) ([]models.PropertyRemovalCandidate, error) {
	return d.Canon.RemovalCandidates(ctx, d.Cfg.MinMissingCountForRemoval)
}

// ConfirmRemovals HEAD-probes each candidate's source_url and classifies
// the response, following property_diff_service.py's _check_property_url
// line for line: 404 confirms; a 3xx redirecting to a search/listing page
// confirms; anything else does not confirm. A single candidate's error
// never fails the run.
func (d *Detector) ConfirmRemovals(ctx context.Context, candidates []models.PropertyRemovalCandidate) []models.PropertyRemovalResult {
	results := make([]models.PropertyRemovalResult, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, d.probeOne(ctx, c))
	}
	return results
}

func (d *Detector) probeOne(ctx context.Context, c models.PropertyRemovalCandidate) models.PropertyRemovalResult {
	reqCtx, cancel := context.WithTimeout(ctx, headProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, c.SourceURL, nil)
	if err != nil {
		return models.PropertyRemovalResult{PropertyID: c.PropertyID, Reason: err.Error()}
	}
	req.Header = httputil.SourceHeaders(d.Cfg.UserAgent, d.Cfg.BaseURL)

	resp, err := d.Clients.Scraping.Do(req)
	if err != nil {
		return models.PropertyRemovalResult{PropertyID: c.PropertyID, Reason: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	result := models.PropertyRemovalResult{PropertyID: c.PropertyID, HTTPStatus: resp.StatusCode}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		result.ConfirmedRemoved = true
		result.Reason = "404 not found"
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		location := resp.Header.Get("Location")
		result.RedirectURL = location
		if redirectsToSearchOrListing(location) {
			result.ConfirmedRemoved = true
			result.Reason = "redirected to search/listing page"
		} else {
			result.Reason = "redirected to another page"
		}
	case resp.StatusCode == http.StatusOK:
		result.Reason = "page still exists"
	default:
		result.Reason = fmt.Sprintf("unexpected status code %d", resp.StatusCode)
	}

	return result
}

func redirectsToSearchOrListing(location string) bool {
	if location == "" {
		return false
	}
	lower := strings.ToLower(location)
	for _, kw := range redirectKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ApplyRemovals batch-updates the confirmed/not-confirmed outcomes.
func (d *Detector) ApplyRemovals(ctx context.Context, results []models.PropertyRemovalResult, now time.Time) (confirmed int, err error) {
	for _, r := range results {
		if r.ConfirmedRemoved {
			confirmed++
		}
	}
	if err := d.Canon.ApplyRemovalResults(ctx, results, now); err != nil {
		return 0, fmt.Errorf("diff: applying removal results: %w", err)
	}
	return confirmed, nil
}

// RelistedSet implements spec §4.E.6: manifest entries whose canonical
// listing_status is removed/sold/likely_removed are relisted.
func (d *Detector) RelistedSet(ctx context.Context, manifestPropertyIDs []string, now time.Time) ([]string, error) {
	relisted, err := d.Canon.RelistCandidates(ctx, manifestPropertyIDs)
	if err != nil {
		return nil, fmt.Errorf("diff: finding relist candidates: %w", err)
	}
	if len(relisted) == 0 {
		return nil, nil
	}
	if err := d.Canon.ApplyRelists(ctx, relisted, now); err != nil {
		return nil, fmt.Errorf("diff: applying relists: %w", err)
	}
	return relisted, nil
}

// SafeToConfirmRemovals implements the supplemented minExpectedPropertiesPercent
// guard: if this run's manifest found fewer than cfg.MinExpectedPropertiesPercent
// of the previously-known active property count for a source, removal
// confirmation is skipped to avoid mass-"confirming" removals caused by a
// broken selector rather than a real site change.
func (d *Detector) SafeToConfirmRemovals(ctx context.Context, sourcePrefix string, foundThisRun int) (bool, error) {
	previousActive, err := d.Canon.CountActiveBySource(ctx, sourcePrefix)
	if err != nil {
		return false, fmt.Errorf("diff: counting active properties for safety check: %w", err)
	}
	if previousActive == 0 {
		return true, nil
	}
	percent := float64(foundThisRun) / float64(previousActive) * 100
	if percent < d.Cfg.MinExpectedPropertiesPercent {
		log.Printf("diff: skipping removal confirmation for %s: found %d properties (%.1f%% of %d known), below %.1f%% threshold",
			sourcePrefix, foundThisRun, percent, previousActive, d.Cfg.MinExpectedPropertiesPercent)
		return false, nil
	}
	return true, nil
}
