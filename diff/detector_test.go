package diff

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/httputil"
	"github.com/syncengine/listingsync/identity"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/storage"
)

func newDetectorWithStore(t *testing.T) (*Detector, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clients := httputil.NewClients(&config.ProxyConfig{}, 5*time.Second)
	cfg := &config.Config{UserAgent: "test-agent", BaseURL: "https://example.test", MinMissingCountForRemoval: 2, MinExpectedPropertiesPercent: 50.0}
	return New(store, store, clients, cfg), store
}

func TestDetectNewAndPriceChanges(t *testing.T) {
	d, store := newDetectorWithStore(t)

	price := 100000.0
	title := "Casa"
	entries := []models.ManifestEntry{
		{PropertyID: identity.Fingerprint("https://example.test/a"), SourceURL: "https://example.test/a", ListingPrice: &price, ListingTitle: &title, OperationType: models.OperationSale},
	}

	newCount, _, err := store.Upsert(t.Context(), store, entries, "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, newCount)

	newIDs, priceChanges, err := d.DetectNewAndPriceChanges(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Len(t, newIDs, 1)
	assert.Empty(t, priceChanges, "first sighting is new, not a price change")
}

func TestDetectNewAndPriceChangesFlagsSignificantMove(t *testing.T) {
	d, store := newDetectorWithStore(t)

	initial := 100000.0
	id := identity.Fingerprint("https://example.test/b")
	require.NoError(t, store.UpsertFromScrape(t.Context(), id, models.ScrapedRecord{SourceURL: "https://example.test/b", Price: &initial}, time.Now()))
	entries := []models.ManifestEntry{
		{PropertyID: id, SourceURL: "https://example.test/b", ListingPrice: &initial, OperationType: models.OperationSale},
	}
	_, _, err := store.Upsert(t.Context(), store, entries, "run-1")
	require.NoError(t, err)

	raised := 150000.0
	entries[0].ListingPrice = &raised
	_, priceChangeCount, err := store.Upsert(t.Context(), store, entries, "run-2")
	require.NoError(t, err)
	require.Equal(t, 1, priceChangeCount)

	_, priceChanges, err := d.DetectNewAndPriceChanges(t.Context(), "run-2")
	require.NoError(t, err)
	require.Len(t, priceChanges, 1)
	assert.Equal(t, initial, priceChanges[0].OldPrice)
	assert.Equal(t, raised, priceChanges[0].NewPrice)
}

func TestConfirmRemovals404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d, _ := newDetectorWithStore(t)
	candidates := []models.PropertyRemovalCandidate{{PropertyID: "p1", SourceURL: srv.URL}}

	results := d.ConfirmRemovals(t.Context(), candidates)
	require.Len(t, results, 1)
	assert.True(t, results[0].ConfirmedRemoved)
}

func TestConfirmRemovalsRedirectToSearchConfirms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/search?city=tulum")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	d, _ := newDetectorWithStore(t)
	candidates := []models.PropertyRemovalCandidate{{PropertyID: "p1", SourceURL: srv.URL}}

	results := d.ConfirmRemovals(t.Context(), candidates)
	require.Len(t, results, 1)
	assert.True(t, results[0].ConfirmedRemoved)
}

func TestConfirmRemovals200DoesNotConfirm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := newDetectorWithStore(t)
	candidates := []models.PropertyRemovalCandidate{{PropertyID: "p1", SourceURL: srv.URL}}

	results := d.ConfirmRemovals(t.Context(), candidates)
	require.Len(t, results, 1)
	assert.False(t, results[0].ConfirmedRemoved)
}

func TestConfirmRemovalsRedirectElsewhereDoesNotConfirm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/en/for-sale/other-property")
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer srv.Close()

	d, _ := newDetectorWithStore(t)
	candidates := []models.PropertyRemovalCandidate{{PropertyID: "p1", SourceURL: srv.URL}}

	results := d.ConfirmRemovals(t.Context(), candidates)
	require.Len(t, results, 1)
	assert.False(t, results[0].ConfirmedRemoved)
}

func TestSafeToConfirmRemovalsBelowThresholdSkips(t *testing.T) {
	d, store := newDetectorWithStore(t)

	price := 100000.0
	var entries []models.ManifestEntry
	for i := 0; i < 10; i++ {
		url := "https://example.test/many/" + string(rune('a'+i))
		require.NoError(t, store.UpsertFromScrape(t.Context(), identity.Fingerprint(url), models.ScrapedRecord{SourceURL: url, Price: &price}, time.Now()))
		entries = append(entries, models.ManifestEntry{PropertyID: identity.Fingerprint(url), SourceURL: url, ListingPrice: &price, OperationType: models.OperationSale})
	}
	_, _, err := store.Upsert(t.Context(), store, entries, "run-1")
	require.NoError(t, err)

	ok, err := d.SafeToConfirmRemovals(t.Context(), "https://example.test", 2)
	require.NoError(t, err)
	assert.False(t, ok, "2 of 10 known properties found should trip the safety gate")
}

func TestSafeToConfirmRemovalsNoPriorKnowledgeAllows(t *testing.T) {
	d, _ := newDetectorWithStore(t)
	ok, err := d.SafeToConfirmRemovals(t.Context(), "https://example.test", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}
