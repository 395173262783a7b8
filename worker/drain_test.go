package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/storage"
)

type fakeScraper struct {
	record models.ScrapedRecord
	err    error
	calls  int
}

func (f *fakeScraper) Scrape(ctx context.Context, sourceURL string) (models.ScrapedRecord, error) {
	f.calls++
	if f.err != nil {
		return models.ScrapedRecord{}, f.err
	}
	return f.record, nil
}

func newStoreWithQueuedEntry(t *testing.T) (*storage.SQLiteStore, string) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	price := 100000.0
	entries := []models.ManifestEntry{
		{PropertyID: "p1", SourceURL: "https://example.test/p1", ListingPrice: &price, OperationType: models.OperationSale},
	}
	_, _, err = store.Upsert(t.Context(), store, entries, "run-1")
	require.NoError(t, err)

	n, err := store.Enqueue(t.Context(), []string{"p1"}, 1, models.ReasonNewProperty, "run-1", nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	return store, "p1"
}

func TestDrainProcessesQueuedEntrySuccessfully(t *testing.T) {
	store, propertyID := newStoreWithQueuedEntry(t)

	scraper := &fakeScraper{record: models.ScrapedRecord{PropertyID: propertyID, SourceURL: "https://example.test/p1", Title: "Casa"}}
	w := New(store, store, scraper, nil, &config.Config{QueueStaleClaimMinutes: 30})

	result, err := w.Drain(t.Context(), 10, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, scraper.calls)

	prop, err := store.GetProperty(t.Context(), propertyID)
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, "Casa", prop.Title)
}

func TestDrainMarksFailedOnScrapeError(t *testing.T) {
	store, _ := newStoreWithQueuedEntry(t)

	scraper := &fakeScraper{err: errors.New("boom")}
	w := New(store, store, scraper, nil, &config.Config{QueueStaleClaimMinutes: 30})

	result, err := w.Drain(t.Context(), 10, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
}

func TestDrainEmptyQueueIsNoop(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	w := New(store, store, &fakeScraper{}, nil, &config.Config{QueueStaleClaimMinutes: 30})
	result, err := w.Drain(t.Context(), 10, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}

func TestDrainLoopsAcrossBatchesUntilMaxItemsReached(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	price := 100000.0
	var ids []string
	var entries []models.ManifestEntry
	for i := 0; i < 6; i++ {
		id := "p" + string(rune('a'+i))
		ids = append(ids, id)
		entries = append(entries, models.ManifestEntry{
			PropertyID: id, SourceURL: "https://example.test/" + id, ListingPrice: &price, OperationType: models.OperationSale,
		})
	}
	_, _, err = store.Upsert(t.Context(), store, entries, "run-1")
	require.NoError(t, err)

	n, err := store.Enqueue(t.Context(), ids, 1, models.ReasonNewProperty, "run-1", nil, 0)
	require.NoError(t, err)
	require.Equal(t, 6, n)

	scraper := &fakeScraper{record: models.ScrapedRecord{Title: "Casa"}}
	w := New(store, store, scraper, nil, &config.Config{QueueStaleClaimMinutes: 30})

	// batchSize (2) is smaller than both the queued count (6) and maxItems
	// (6), so Drain must issue multiple ClaimBatch calls to fully drain it.
	result, err := w.Drain(t.Context(), 6, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Processed)
	assert.Equal(t, 6, result.Succeeded)
	assert.Equal(t, 6, scraper.calls)

	stats, err := store.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingCount)
}

func TestDrainStopsAtMaxItemsEvenWithMoreQueued(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	price := 100000.0
	var ids []string
	var entries []models.ManifestEntry
	for i := 0; i < 4; i++ {
		id := "p" + string(rune('a'+i))
		ids = append(ids, id)
		entries = append(entries, models.ManifestEntry{
			PropertyID: id, SourceURL: "https://example.test/" + id, ListingPrice: &price, OperationType: models.OperationSale,
		})
	}
	_, _, err = store.Upsert(t.Context(), store, entries, "run-1")
	require.NoError(t, err)

	n, err := store.Enqueue(t.Context(), ids, 1, models.ReasonNewProperty, "run-1", nil, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	scraper := &fakeScraper{record: models.ScrapedRecord{Title: "Casa"}}
	w := New(store, store, scraper, nil, &config.Config{QueueStaleClaimMinutes: 30})

	result, err := w.Drain(t.Context(), 2, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	stats, err := store.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PendingCount)
}

func TestTriggerDoesNotBlockWhenChannelFull(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	w := New(store, store, &fakeScraper{}, nil, &config.Config{})
	done := make(chan struct{})
	go func() {
		w.Trigger()
		w.Trigger()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Trigger blocked")
	}
}
