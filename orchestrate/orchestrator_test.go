package orchestrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/diff"
	"github.com/syncengine/listingsync/httputil"
	"github.com/syncengine/listingsync/manifest"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/storage"
	"github.com/syncengine/listingsync/worker"
)

const fixtureTile = `
<html><body>
<div class="property-card"><a href="/p/1-a"><span class="title">Casa A</span><span class="price">$100,000</span></a></div>
<div class="property-card"><a href="/p/1-b"><span class="title">Casa B</span><span class="price">$200,000</span></a></div>
</body></html>`

type fakeDetailScraper struct{}

func (fakeDetailScraper) Scrape(ctx context.Context, sourceURL string) (models.ScrapedRecord, error) {
	return models.ScrapedRecord{SourceURL: sourceURL, Title: "scraped"}, nil
}

func newTestOrchestrator(t *testing.T, srvURL string) *TierOrchestrator {
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
			models.TierHotListings:    {Level: models.TierHotListings, Name: "hot_listings", DisplayName: "Hot Listings", PagesToScan: 1, MaxPageFailures: 10, BatchSize: 10},
			models.TierDailySync:      {Level: models.TierDailySync, Name: "daily_sync", DisplayName: "Daily Sync", PagesToScan: 1, MaxPageFailures: 10, BatchSize: 10},
			models.TierWeeklyDeep:     {Level: models.TierWeeklyDeep, Name: "weekly_deep", DisplayName: "Weekly Deep Scan", PagesToScan: 1, MaxPageFailures: 10, BatchSize: 10, MaxQueueItems: 100, StaleDaysThreshold: 7},
			models.TierMonthlyRefresh: {Level: models.TierMonthlyRefresh, Name: "monthly_refresh", DisplayName: "Monthly Refresh", BatchSize: 10, MaxQueueItems: 100, StaleDaysThreshold: 30, RandomSamplePercent: 10},
		},
		Priorities: map[models.QueueReason]int{
			models.ReasonNewProperty:  5,
			models.ReasonPriceChange:  4,
			models.ReasonRelisted:     4,
			models.ReasonStaleData:    2,
			models.ReasonRandomSample: 1,
		},
		MinMissingCountForRemoval:    3,
		MinExpectedPropertiesPercent: 50,
	}

	scanner := manifest.New(store, store, clients, cfg)
	detector := diff.New(store, store, clients, cfg)
	w := worker.New(store, store, fakeDetailScraper{}, nil, cfg)

	return New(cfg, store, scanner, store, store, store, detector, w)
}

func TestRunTier1HotListingsQueuesAndScrapesNewProperties(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv.URL)

	result, err := o.RunTier1HotListings(t.Context())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Run.NewFound)
	assert.Equal(t, 2, result.Run.Queued)
	assert.Equal(t, 2, result.Run.Scraped)
	assert.Equal(t, models.RunCompleted, result.Run.Status)
}

func TestRunTier1HotListingsSecondRunFindsNoNewProperties(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv.URL)

	_, err := o.RunTier1HotListings(t.Context())
	require.NoError(t, err)

	result, err := o.RunTier1HotListings(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Run.NewFound)
	assert.Equal(t, 0, result.Run.Queued)
}

func TestRunTierDispatchesByLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv.URL)

	result, err := o.RunTier(t.Context(), models.TierHotListings)
	require.NoError(t, err)
	assert.Equal(t, models.TierHotListings, result.Run.TierLevel)

	_, err = o.RunTier(t.Context(), models.TierLevel(99))
	assert.Error(t, err)
}

func TestRunTier3WeeklyDeepIncrementsMissingCountForUnobservedProperty(t *testing.T) {
	serveOther := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serveOther {
			w.Write([]byte(`<html><body><div class="property-card"><a href="/p/2-c"><span class="title">Casa C</span><span class="price">$300,000</span></a></div></body></html>`))
			return
		}
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv.URL)

	first, err := o.RunTier3WeeklyDeep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Run.NewFound)

	activeIDs, err := o.Canon.ActiveIDsBySource(t.Context(), srv.URL)
	require.NoError(t, err)
	require.Len(t, activeIDs, 2)

	serveOther = true
	second, err := o.RunTier3WeeklyDeep(t.Context())
	require.NoError(t, err)
	assert.True(t, second.Success)

	stored, err := o.Canon.GetPropertiesByIDs(t.Context(), activeIDs)
	require.NoError(t, err)
	for id, p := range stored {
		assert.Equal(t, 1, p.ConsecutiveMissingCount, "property %s should have been counted as not observed", id)
	}
}

func TestRunTier4MonthlyRefreshWithNoActivePropertiesIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureTile))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv.URL)

	result, err := o.RunTier4MonthlyRefresh(t.Context())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.Run.Queued)
}
