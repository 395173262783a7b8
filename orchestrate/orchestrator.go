// Package orchestrate runs one tier's recipe end to end: manifest scan,
// diff detection, queueing, draining, and bookkeeping. Shape lifted from
// scraper/orchestrator.go's RunSite/RunAll (create-run-record, defer a
// completion update carrying stats, per-unit-of-work loop, structured
// logging), generalized from "per-site scrape" to "per-tier recipe" and
// cross-checked step-for-step against tier_orchestrator.py's
// run_tier_1_hot_listings..run_tier_4_monthly_refresh.
package orchestrate

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/diff"
	"github.com/syncengine/listingsync/manifest"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/storage"
	"github.com/syncengine/listingsync/worker"
)

// TierOrchestrator coordinates the four sync cadences against a shared
// store, scanner, detector, and queue worker.
type TierOrchestrator struct {
	Cfg      *config.Config
	Runs     storage.RunStore
	Manifest storage.ManifestStore
	Canon    storage.CanonicalStore
	Queue    storage.ScrapeQueue
	Scanner  *manifest.Scanner
	Detector *diff.Detector
	Worker   *worker.QueueWorker
}

func New(cfg *config.Config, runs storage.RunStore, manifest *manifest.Scanner, canon storage.CanonicalStore, queue storage.ScrapeQueue, mstore storage.ManifestStore, detector *diff.Detector, w *worker.QueueWorker) *TierOrchestrator {
	return &TierOrchestrator{
		Cfg:      cfg,
		Runs:     runs,
		Manifest: mstore,
		Canon:    canon,
		Queue:    queue,
		Scanner:  manifest,
		Detector: detector,
		Worker:   w,
	}
}

// RunTier dispatches to the matching tier method.
func (o *TierOrchestrator) RunTier(ctx context.Context, level models.TierLevel) (models.TierResult, error) {
	switch level {
	case models.TierHotListings:
		return o.RunTier1HotListings(ctx)
	case models.TierDailySync:
		return o.RunTier2DailySync(ctx)
	case models.TierWeeklyDeep:
		return o.RunTier3WeeklyDeep(ctx)
	case models.TierMonthlyRefresh:
		return o.RunTier4MonthlyRefresh(ctx)
	default:
		return models.TierResult{}, fmt.Errorf("orchestrate: invalid tier level %d", level)
	}
}

func (o *TierOrchestrator) startRun(ctx context.Context, level models.TierLevel) (*models.SyncRun, error) {
	settings := o.Cfg.Tiers[level]
	run := &models.SyncRun{
		TierLevel: level,
		TierName:  settings.Name,
		Status:    models.RunRunning,
		SessionID: uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	log.Printf("orchestrate: starting tier %d (%s)", level, settings.DisplayName)
	if err := o.Runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("orchestrate: creating sync run: %w", err)
	}
	return run, nil
}

func (o *TierOrchestrator) finishRun(ctx context.Context, run *models.SyncRun, result *models.TierResult) {
	completed := time.Now().UTC()
	run.CompletedAt = &completed
	if result.Success {
		run.Status = models.RunCompleted
	} else {
		run.Status = models.RunFailed
	}
	if len(result.Errors) > 0 {
		run.ErrorSummary = joinErrors(result.Errors)
	}
	if err := o.Runs.CompleteRun(ctx, run); err != nil {
		log.Printf("orchestrate: completing sync run %s: %v", run.ID, err)
	}
	log.Printf("orchestrate: tier %d (%s) finished in %s: new=%d price_changes=%d removals=%d queued=%d scraped=%d",
		run.TierLevel, run.TierName, time.Since(run.StartedAt), run.NewFound, run.PriceChanges, run.RemovalsConfirmed, run.Queued, run.Scraped)
}

func joinErrors(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
		if len(out) > 2000 {
			break
		}
	}
	return out
}

// RunTier1HotListings scans the first N pages of every source, queues
// new properties only, and drains them immediately. Spec §4.I tier 1.
func (o *TierOrchestrator) RunTier1HotListings(ctx context.Context) (models.TierResult, error) {
	level := models.TierHotListings
	settings := o.Cfg.Tiers[level]
	run, err := o.startRun(ctx, level)
	if err != nil {
		return models.TierResult{}, err
	}
	result := &models.TierResult{Run: run}

	scanResult, err := o.Scanner.RunMultiSource(ctx, o.Cfg.ListingSources, settings.PagesToScan, settings, run.ID)
	run.PagesScanned = scanResult.PagesScanned
	run.NewFound = scanResult.NewProperties
	run.PriceChanges = scanResult.PriceChanges
	result.Errors = append(result.Errors, scanResult.Errors...)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		o.finishRun(ctx, run, result)
		return *result, err
	}

	newIDs, _, err := o.Detector.DetectNewAndPriceChanges(ctx, run.ID)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	if len(newIDs) > 0 {
		queued, err := o.Queue.Enqueue(ctx, newIDs, o.Cfg.Priorities[models.ReasonNewProperty], models.ReasonNewProperty, run.ID, nil, o.Cfg.QueueMaxPending)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		run.Queued += queued
	}

	if run.Queued > 0 && o.Worker != nil {
		qr, err := o.Worker.Drain(ctx, settings.MaxQueueItems, settings.BatchSize, settings.DelayBetweenDetails)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		run.Scraped = qr.Succeeded
		run.Updated = qr.Succeeded
	}

	if err := o.Manifest.ClearFlags(ctx, run.ID); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.Success = len(result.Errors) == 0
	o.finishRun(ctx, run, result)
	return *result, nil
}

// RunTier2DailySync scans the first N pages, runs the full new/price-
// change/relist diff (without removal verification), and drains the
// combined queue. Spec §4.I tier 2.
func (o *TierOrchestrator) RunTier2DailySync(ctx context.Context) (models.TierResult, error) {
	level := models.TierDailySync
	settings := o.Cfg.Tiers[level]
	run, err := o.startRun(ctx, level)
	if err != nil {
		return models.TierResult{}, err
	}
	result := &models.TierResult{Run: run}

	scanResult, err := o.Scanner.RunMultiSource(ctx, o.Cfg.ListingSources, settings.PagesToScan, settings, run.ID)
	run.PagesScanned = scanResult.PagesScanned
	run.NewFound = scanResult.NewProperties
	run.PriceChanges = scanResult.PriceChanges
	result.Errors = append(result.Errors, scanResult.Errors...)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		o.finishRun(ctx, run, result)
		return *result, err
	}

	newIDs, priceChanges, err := o.Detector.DetectNewAndPriceChanges(ctx, run.ID)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	manifestIDs := manifestPropertyIDs(scanResult.Entries)
	relisted, err := o.Detector.RelistedSet(ctx, manifestIDs, time.Now().UTC())
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	run.NewFound = len(newIDs)

	if len(newIDs) > 0 {
		if queued, err := o.Queue.Enqueue(ctx, newIDs, o.Cfg.Priorities[models.ReasonNewProperty], models.ReasonNewProperty, run.ID, nil, o.Cfg.QueueMaxPending); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			run.Queued += queued
		}
	}
	if len(priceChanges) > 0 {
		ids, meta := priceChangeMeta(priceChanges)
		if queued, err := o.Queue.Enqueue(ctx, ids, o.Cfg.Priorities[models.ReasonPriceChange], models.ReasonPriceChange, run.ID, meta, o.Cfg.QueueMaxPending); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			run.Queued += queued
		}
	}
	if len(relisted) > 0 {
		if queued, err := o.Queue.Enqueue(ctx, relisted, o.Cfg.Priorities[models.ReasonRelisted], models.ReasonRelisted, run.ID, nil, o.Cfg.QueueMaxPending); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			run.Queued += queued
		}
	}

	if run.Queued > 0 && o.Worker != nil {
		qr, err := o.Worker.Drain(ctx, settings.MaxQueueItems, settings.BatchSize, settings.DelayBetweenDetails)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		run.Scraped = qr.Succeeded
		run.Updated = qr.Succeeded
	}

	if err := o.Manifest.ClearFlags(ctx, run.ID); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.Success = len(result.Errors) == 0
	o.finishRun(ctx, run, result)
	return *result, nil
}

// RunTier3WeeklyDeep does a full manifest scan (all pages, maxPages=0),
// runs the full diff including removal verification, queues stale
// properties alongside new/price-change/relisted, drains the queue, and
// deletes confirmed-removal rows from the manifest. Spec §4.I tier 3.
func (o *TierOrchestrator) RunTier3WeeklyDeep(ctx context.Context) (models.TierResult, error) {
	level := models.TierWeeklyDeep
	settings := o.Cfg.Tiers[level]
	run, err := o.startRun(ctx, level)
	if err != nil {
		return models.TierResult{}, err
	}
	result := &models.TierResult{Run: run}

	scanResult, err := o.Scanner.RunMultiSource(ctx, o.Cfg.ListingSources, 0, settings, run.ID)
	run.PagesScanned = scanResult.PagesScanned
	run.NewFound = scanResult.NewProperties
	run.PriceChanges = scanResult.PriceChanges
	result.Errors = append(result.Errors, scanResult.Errors...)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		o.finishRun(ctx, run, result)
		return *result, err
	}

	newIDs, priceChanges, err := o.Detector.DetectNewAndPriceChanges(ctx, run.ID)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	manifestIDs := manifestPropertyIDs(scanResult.Entries)
	notObservedIDs, err := o.notObservedSince(ctx, manifestIDs)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	if err := o.Detector.MaintainMissingCounts(ctx, manifestIDs, notObservedIDs, time.Now().UTC()); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	relisted, err := o.Detector.RelistedSet(ctx, manifestIDs, time.Now().UTC())
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	candidates, err := o.Detector.RemovalCandidates(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	var confirmedIDs []string
	if len(candidates) > 0 {
		safe, err := o.safeToConfirmRemovals(ctx, scanResult.Entries)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		if safe {
			removalResults := o.Detector.ConfirmRemovals(ctx, candidates)
			confirmed, err := o.Detector.ApplyRemovals(ctx, removalResults, time.Now().UTC())
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
			run.RemovalsConfirmed = confirmed
			for _, r := range removalResults {
				if r.ConfirmedRemoved {
					confirmedIDs = append(confirmedIDs, r.PropertyID)
				}
			}
		} else {
			result.Errors = append(result.Errors, "removal confirmation skipped: found-properties count below safety threshold")
		}
	}

	if len(newIDs) > 0 {
		if queued, err := o.Queue.Enqueue(ctx, newIDs, o.Cfg.Priorities[models.ReasonNewProperty], models.ReasonNewProperty, run.ID, nil, o.Cfg.QueueMaxPending); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			run.Queued += queued
		}
	}
	if len(priceChanges) > 0 {
		ids, meta := priceChangeMeta(priceChanges)
		if queued, err := o.Queue.Enqueue(ctx, ids, o.Cfg.Priorities[models.ReasonPriceChange], models.ReasonPriceChange, run.ID, meta, o.Cfg.QueueMaxPending); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			run.Queued += queued
		}
	}
	if len(relisted) > 0 {
		if queued, err := o.Queue.Enqueue(ctx, relisted, o.Cfg.Priorities[models.ReasonRelisted], models.ReasonRelisted, run.ID, nil, o.Cfg.QueueMaxPending); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			run.Queued += queued
		}
	}

	staleCutoff := time.Now().UTC().AddDate(0, 0, -settings.StaleDaysThreshold)
	staleLimit := settings.MaxQueueItems / 2
	staleProps, err := o.Canon.StaleActive(ctx, staleCutoff, staleLimit)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else if len(staleProps) > 0 {
		staleIDs := make([]string, 0, len(staleProps))
		for _, p := range staleProps {
			staleIDs = append(staleIDs, p.PropertyID)
		}
		if queued, err := o.Queue.Enqueue(ctx, staleIDs, o.Cfg.Priorities[models.ReasonStaleData], models.ReasonStaleData, run.ID, nil, o.Cfg.QueueMaxPending); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			run.Queued += queued
		}
	}

	if run.Queued > 0 && o.Worker != nil {
		qr, err := o.Worker.Drain(ctx, settings.MaxQueueItems, settings.BatchSize, settings.DelayBetweenDetails)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		run.Scraped = qr.Succeeded
		run.Updated = qr.Succeeded
	}

	if len(confirmedIDs) > 0 {
		if err := o.Manifest.DeleteConfirmedRemovals(ctx, confirmedIDs); err != nil {
			log.Printf("orchestrate: could not remove confirmed ids from manifest: %v", err)
		}
	}

	if err := o.Manifest.ClearFlags(ctx, run.ID); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.Success = len(result.Errors) == 0
	o.finishRun(ctx, run, result)
	return *result, nil
}

// RunTier4MonthlyRefresh queues every property whose data has aged past
// the stale threshold plus a random sample of active properties, drains
// the queue with the tier's (longer) rate limit, and logs a data-quality
// report. Spec §4.I tier 4.
func (o *TierOrchestrator) RunTier4MonthlyRefresh(ctx context.Context) (models.TierResult, error) {
	level := models.TierMonthlyRefresh
	settings := o.Cfg.Tiers[level]
	run, err := o.startRun(ctx, level)
	if err != nil {
		return models.TierResult{}, err
	}
	result := &models.TierResult{Run: run}

	staleCutoff := time.Now().UTC().AddDate(0, 0, -settings.StaleDaysThreshold)
	staleProps, err := o.Canon.StaleActive(ctx, staleCutoff, settings.MaxQueueItems)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else if len(staleProps) > 0 {
		staleIDs := make([]string, 0, len(staleProps))
		for _, p := range staleProps {
			staleIDs = append(staleIDs, p.PropertyID)
		}
		if queued, err := o.Queue.Enqueue(ctx, staleIDs, o.Cfg.Priorities[models.ReasonStaleData], models.ReasonStaleData, run.ID, nil, o.Cfg.QueueMaxPending); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			run.Queued += queued
		}
	}

	totalActive, err := o.totalActive(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	sampleSize := int(float64(totalActive) * settings.RandomSamplePercent / 100)
	if sampleSize > 0 {
		sample, err := o.Canon.RandomActiveSample(ctx, sampleSize)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else if len(sample) > 0 {
			if queued, err := o.Queue.Enqueue(ctx, sample, o.Cfg.Priorities[models.ReasonRandomSample], models.ReasonRandomSample, run.ID, nil, o.Cfg.QueueMaxPending); err != nil {
				result.Errors = append(result.Errors, err.Error())
			} else {
				run.Queued += queued
				log.Printf("orchestrate: queued %d random sample properties (%.1f%% of %d active)", queued, settings.RandomSamplePercent, totalActive)
			}
		}
	}

	if run.Queued > 0 && o.Worker != nil {
		qr, err := o.Worker.Drain(ctx, settings.MaxQueueItems, settings.BatchSize, settings.DelayBetweenDetails)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
		run.Scraped = qr.Succeeded
		run.Updated = qr.Succeeded
	}

	// StaleActive's limit is a SQL LIMIT, so 0 would mean "no rows" rather
	// than "unbounded" — pass a high ceiling for the report-only query.
	stillStale, err := o.Canon.StaleActive(ctx, staleCutoff, 1_000_000)
	if err == nil {
		pct := 0.0
		if totalActive > 0 {
			pct = float64(len(stillStale)) / float64(totalActive) * 100
		}
		log.Printf("orchestrate: data quality report: total_active=%d stale=%d staleness=%.1f%%", totalActive, len(stillStale), pct)
	}

	result.Success = len(result.Errors) == 0
	o.finishRun(ctx, run, result)
	return *result, nil
}

// notObservedSince returns the active canonical property ids belonging to
// a configured listing source that are absent from observedIDs. Only
// called from RunTier3WeeklyDeep, whose scan covers every page of every
// configured source (maxPages=0) — the scanned range is exactly "all
// active properties under these sources", so this is the one tier where
// "not observed" can be computed without risking a false missing-count
// bump on a property that simply lives past the scanned page range (spec
// §9 open question 2; T1/T2 never call MaintainMissingCounts for that
// reason).
func (o *TierOrchestrator) notObservedSince(ctx context.Context, observedIDs []string) ([]string, error) {
	observed := make(map[string]bool, len(observedIDs))
	for _, id := range observedIDs {
		observed[id] = true
	}

	var notObserved []string
	var firstErr error
	for _, source := range o.Cfg.ListingSources {
		activeIDs, err := o.Canon.ActiveIDsBySource(ctx, source.URL)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("orchestrate: listing active ids for %s: %w", source.Name, err)
			}
			continue
		}
		for _, id := range activeIDs {
			if !observed[id] {
				notObserved = append(notObserved, id)
			}
		}
	}
	return notObserved, firstErr
}

// safeToConfirmRemovals runs Detector.SafeToConfirmRemovals once per
// configured listing source, comparing that source's own found-this-run
// count against its own known-active count, and requires every source to
// pass. A single shared count compared against one prefix would let a
// collapsed source hide behind the others' healthy counts; checking each
// source against only its own manifest entries catches a selector breaking
// on any one of them.
func (o *TierOrchestrator) safeToConfirmRemovals(ctx context.Context, entries []models.ManifestEntry) (bool, error) {
	foundBySource := make(map[string]int, len(o.Cfg.ListingSources))
	for _, entry := range entries {
		for _, source := range o.Cfg.ListingSources {
			if strings.HasPrefix(entry.SourceURL, source.URL) {
				foundBySource[source.URL]++
				break
			}
		}
	}

	var firstErr error
	for _, source := range o.Cfg.ListingSources {
		safe, err := o.Detector.SafeToConfirmRemovals(ctx, source.URL, foundBySource[source.URL])
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("orchestrate: safety check for %s: %w", source.Name, err)
			}
			continue
		}
		if !safe {
			return false, firstErr
		}
	}
	return true, firstErr
}

func (o *TierOrchestrator) totalActive(ctx context.Context) (int, error) {
	total := 0
	for _, source := range o.Cfg.ListingSources {
		n, err := o.Canon.CountActiveBySource(ctx, source.URL)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func manifestPropertyIDs(entries []models.ManifestEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.PropertyID)
	}
	return ids
}

func priceChangeMeta(changes []models.PropertyPriceChange) ([]string, map[string]map[string]any) {
	ids := make([]string, 0, len(changes))
	meta := make(map[string]map[string]any, len(changes))
	for _, c := range changes {
		ids = append(ids, c.PropertyID)
		meta[c.PropertyID] = map[string]any{
			"old_price":      c.OldPrice,
			"new_price":      c.NewPrice,
			"percent_change": c.PercentChange,
		}
	}
	return ids, meta
}
