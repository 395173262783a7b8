package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/diff"
	"github.com/syncengine/listingsync/httputil"
	"github.com/syncengine/listingsync/manifest"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/orchestrate"
	"github.com/syncengine/listingsync/storage"
	"github.com/syncengine/listingsync/worker"
)

const fixtureTile = `
<html><body>
<div class="property-card"><a href="/p/1-a"><span class="title">Casa A</span><span class="price">$100,000</span></a></div>
</body></html>`

type fakeDetailScraper struct{}

func (fakeDetailScraper) Scrape(ctx context.Context, sourceURL string) (models.ScrapedRecord, error) {
	return models.ScrapedRecord{SourceURL: sourceURL, Title: "scraped"}, nil
}

func newTestScheduler(t *testing.T, srvURL string) *Scheduler {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clients := httputil.NewClients(&config.ProxyConfig{}, 5*time.Second)
	cfg := &config.Config{
		UserAgent:      "test-agent",
		BaseURL:        srvURL,
		ListingSources: []config.ListingSource{{Name: "Test", URL: srvURL, OperationType: models.OperationSale}},
		Tiers: map[models.TierLevel]config.TierSettings{
			models.TierHotListings:    {Level: models.TierHotListings, Name: "hot_listings", FrequencyHours: 6, PagesToScan: 1, MaxPageFailures: 10, BatchSize: 10},
			models.TierDailySync:      {Level: models.TierDailySync, Name: "daily_sync", FrequencyHours: 24, PagesToScan: 1, MaxPageFailures: 10, BatchSize: 10},
			models.TierWeeklyDeep:     {Level: models.TierWeeklyDeep, Name: "weekly_deep", FrequencyHours: 168, PagesToScan: 1, MaxPageFailures: 10, BatchSize: 10, MaxQueueItems: 100},
			models.TierMonthlyRefresh: {Level: models.TierMonthlyRefresh, Name: "monthly_refresh", FrequencyHours: 720, BatchSize: 10, MaxQueueItems: 100},
		},
		Priorities: map[models.QueueReason]int{
			models.ReasonNewProperty: 5, models.ReasonPriceChange: 4, models.ReasonRelisted: 4,
			models.ReasonStaleData: 2, models.ReasonRandomSample: 1,
		},
	}

	scanner := manifest.New(store, store, clients, cfg)
	detector := diff.New(store, store, clients, cfg)
	w := worker.New(store, store, fakeDetailScraper{}, nil, cfg)
	orch := orchestrate.New(cfg, store, scanner, store, store, store, detector, w)

	return New(cfg, orch, store)
}

func TestShouldRunTrueWhenNeverRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	s := newTestScheduler(t, srv.URL)
	due, err := s.ShouldRun(t.Context(), models.TierHotListings)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestRunScheduledRunsAllDueTiersInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	s := newTestScheduler(t, srv.URL)
	results, err := s.RunScheduled(t.Context())
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, models.TierHotListings, results[0].Run.TierLevel)
	assert.Equal(t, models.TierMonthlyRefresh, results[3].Run.TierLevel)
}

func TestShouldRunFalseImmediatelyAfterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	s := newTestScheduler(t, srv.URL)
	_, err := s.RunSingle(t.Context(), models.TierHotListings, false)
	require.NoError(t, err)

	due, err := s.ShouldRun(t.Context(), models.TierHotListings)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestRunSingleFailsFastWhenBusyWithoutForce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	s := newTestScheduler(t, srv.URL)

	var wg sync.WaitGroup
	var failures int32
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.RunSingle(t.Context(), models.TierHotListings, false); err != nil {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), failures, "exactly one of the two concurrent calls should fail fast")
}

func TestStatusReportsPerTierState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	s := newTestScheduler(t, srv.URL)
	status, err := s.Status(t.Context())
	require.NoError(t, err)
	require.Len(t, status.Tiers, 4)
	assert.False(t, status.IsRunning)
	assert.True(t, status.Tiers[0].IsDue)
	assert.Nil(t, status.Tiers[0].LastRun)
}
