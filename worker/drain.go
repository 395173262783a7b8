// Package worker drains the scrape queue: claim a batch, run each
// property through a detail.Scraper, write the result back, repeat.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/detail"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/storage"
)

const defaultWorkerID = "worker-1"

// defaultBatchSize is the per-ClaimBatch chunk size Drain uses when the
// caller passes batchSize <= 0, spec §4.G.
const defaultBatchSize = 10

// QueueWorker drains storage.ScrapeQueue entries through a detail.Scraper,
// ticker + triggerCh + ctx.Done() select loop lifted from
// workers/healthcheck.go and workers/media.go's shared shape.
type QueueWorker struct {
	Queue    storage.ScrapeQueue
	Canon    storage.CanonicalStore
	Scraper  detail.Scraper
	Media    *detail.MediaUploader
	Cfg      *config.Config
	WorkerID string

	triggerCh chan struct{}
}

func New(queue storage.ScrapeQueue, canon storage.CanonicalStore, scraper detail.Scraper, media *detail.MediaUploader, cfg *config.Config) *QueueWorker {
	return &QueueWorker{
		Queue:     queue,
		Canon:     canon,
		Scraper:   scraper,
		Media:     media,
		Cfg:       cfg,
		WorkerID:  defaultWorkerID,
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger causes the worker to drain immediately rather than waiting for
// the next tick, a non-blocking buffered-channel send.
func (w *QueueWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run is the outer loop: on each tick or manual trigger, releases stale
// claims and drains the queue down to maxItems (or empty).
func (w *QueueWorker) Run(ctx context.Context, maxItems, batchSize int, rateLimit time.Duration, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("queue worker stopping")
			return
		case <-ticker.C:
			if _, err := w.Drain(ctx, maxItems, batchSize, rateLimit); err != nil {
				log.Printf("queue worker: drain error: %v", err)
			}
		case <-w.triggerCh:
			log.Println("queue worker triggered manually")
			if _, err := w.Drain(ctx, maxItems, batchSize, rateLimit); err != nil {
				log.Printf("queue worker: drain error: %v", err)
			}
		}
	}
}

// Drain releases stale claims, then loops ClaimBatch until processed
// reaches maxItems or a claim comes back empty, claiming min(batchSize,
// maxItems-processed) entries each iteration (batchSize default 10 when
// <= 0). It sleeps rateLimit between individual scrapes, including across
// a batch boundary, so the source site sees one request every rateLimit
// regardless of how the claims were chunked — spec §4.G.
func (w *QueueWorker) Drain(ctx context.Context, maxItems, batchSize int, rateLimit time.Duration) (models.QueueProcessResult, error) {
	start := time.Now()
	result := models.QueueProcessResult{}

	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if maxItems <= 0 {
		maxItems = batchSize
	}

	if released, err := w.Queue.ReleaseStale(ctx, w.Cfg.QueueStaleClaimMinutes); err != nil {
		log.Printf("queue worker: release stale: %v", err)
	} else if released > 0 {
		log.Printf("queue worker: released %d stale claims", released)
	}

	for result.Processed < maxItems {
		claimSize := batchSize
		if remaining := maxItems - result.Processed; remaining < claimSize {
			claimSize = remaining
		}

		entries, err := w.Queue.ClaimBatch(ctx, claimSize, w.WorkerID)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			ok := w.processOne(ctx, entry)
			result.Processed++
			if ok {
				result.Succeeded++
			} else {
				result.Failed++
			}

			if result.Processed < maxItems && rateLimit > 0 {
				time.Sleep(rateLimit)
			}
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (w *QueueWorker) processOne(ctx context.Context, entry models.QueueEntry) bool {
	record, err := w.Scraper.Scrape(ctx, entry.SourceURL)
	if err != nil {
		if compErr := w.Queue.Complete(ctx, entry.ID, false, err.Error()); compErr != nil {
			log.Printf("queue worker: complete(failed) for %s: %v", entry.ID, compErr)
		}
		return false
	}

	if w.Media != nil && len(record.Images) > 0 {
		record.Images = w.Media.ArchiveImages(ctx, entry.PropertyID, record.Images)
	}

	if err := w.Canon.UpsertFromScrape(ctx, entry.PropertyID, record, time.Now()); err != nil {
		if compErr := w.Queue.Complete(ctx, entry.ID, false, err.Error()); compErr != nil {
			log.Printf("queue worker: complete(failed) for %s: %v", entry.ID, compErr)
		}
		return false
	}

	if err := w.Queue.Complete(ctx, entry.ID, true, ""); err != nil {
		log.Printf("queue worker: complete(success) for %s: %v", entry.ID, err)
	}
	return true
}
