package manifest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/httputil"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/storage"
)

const twoTilePage = `
<html><body>
<div class="property-card"><a href="/p/1-a"><span class="title">A</span><span class="price">$100,000</span></a></div>
<div class="property-card"><a href="/p/1-b"><span class="title">B</span><span class="price">$200,000</span></a></div>
</body></html>`

func TestRunScanUpsertsAcrossPages(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(twoTilePage))
	}))
	defer srv.Close()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	clients := httputil.NewClients(&config.ProxyConfig{}, 5*time.Second)
	cfg := &config.Config{UserAgent: "test-agent", BaseURL: srv.URL}
	scanner := New(store, store, clients, cfg)

	source := config.ListingSource{Name: "Test", URL: srv.URL, OperationType: models.OperationSale}
	tier := config.TierSettings{MaxPageFailures: 10}

	result, err := scanner.RunScan(t.Context(), source, 2, tier, "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.PagesScanned)
	require.Equal(t, 2, hits)
	require.Equal(t, 2, result.NewProperties, "2 distinct property ids seen across both identical pages")
}
