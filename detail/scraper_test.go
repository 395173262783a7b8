package detail

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/httputil"
)

const detailPageHTML = `
<html><body>
<h1 class="listing-title">Casa del Sol</h1>
<div class="property-price">$185,000</div>
<div class="description">A lovely house near the beach.</div>
<div class="gallery">
  <img src="/photos/1.jpg">
  <img src="/photos/2.jpg">
</div>
</body></html>`

func TestHTTPScraperExtractsCoreFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(detailPageHTML))
	}))
	defer srv.Close()

	clients := httputil.NewClients(&config.ProxyConfig{}, 5*time.Second)
	cfg := &config.Config{UserAgent: "test-agent", BaseURL: srv.URL}
	scraper := NewHTTPScraper(clients, cfg)

	record, err := scraper.Scrape(t.Context(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "Casa del Sol", record.Title)
	require.NotNil(t, record.Price)
	assert.Equal(t, 185000.0, *record.Price)
	assert.Contains(t, record.Description, "lovely house")
	assert.Len(t, record.Images, 2)
	assert.Contains(t, record.Images[0], srv.URL)
}

func TestHTTPScraperReturnsErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	clients := httputil.NewClients(&config.ProxyConfig{}, 5*time.Second)
	cfg := &config.Config{UserAgent: "test-agent", BaseURL: srv.URL}
	scraper := NewHTTPScraper(clients, cfg)

	_, err := scraper.Scrape(t.Context(), srv.URL)
	assert.Error(t, err)
}

func TestParsePriceStripsCurrencyAndCommas(t *testing.T) {
	p, ok := parsePrice("MXN $1,250,500.00")
	require.True(t, ok)
	assert.Equal(t, 1250500.00, p)
}

func TestParsePriceEmptyReturnsFalse(t *testing.T) {
	_, ok := parsePrice("")
	assert.False(t, ok)
}
