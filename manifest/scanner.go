// Package manifest walks listing pages across sources, deduplicates
// observed tiles, and upserts them into the ManifestStore.
package manifest

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/httputil"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/parsing"
	"github.com/syncengine/listingsync/storage"
)

const (
	defaultHardPageCap = 500
	autoDetectFallback = 100
)

// Scanner fetches listing pages and feeds them through the parser into
// a ManifestStore, following the pagination-loop shape of
// scraper/api_handler.go's scrapeRealtorCA, generalized to HTML pages.
type Scanner struct {
	Store   storage.ManifestStore
	Reader  storage.CanonicalReader
	Clients *httputil.Clients
	Cfg     *config.Config
}

func New(store storage.ManifestStore, reader storage.CanonicalReader, clients *httputil.Clients, cfg *config.Config) *Scanner {
	return &Scanner{Store: store, Reader: reader, Clients: clients, Cfg: cfg}
}

// RunScan walks one source's listing pages and upserts the observed
// entries into the ManifestStore. maxPages == 0 means auto-detect
// pagination, falling back to autoDetectFallback pages if detection
// fails.
func (s *Scanner) RunScan(ctx context.Context, source config.ListingSource, maxPages int, tier config.TierSettings, runID string) (models.ManifestScanResult, error) {
	result := models.ManifestScanResult{}

	pages := maxPages
	if pages == 0 {
		pages = s.detectPageCount(ctx, source)
	}
	if pages <= 0 || pages > defaultHardPageCap {
		pages = autoDetectFallback
	}

	var failedPages []int
	byID := make(map[string]models.ManifestEntry)
	order := make([]string, 0)

	fetchAndParse := func(page int) bool {
		html, err := s.fetchPage(ctx, source.URL, page, tier.DelayBetweenPages)
		if err != nil {
			log.Printf("manifest: page %d of %s: %v", page, source.Name, err)
			return false
		}
		entries := parsing.Parse(html, source.URL, source.OperationType)
		if len(entries) == 0 {
			return false
		}
		for _, e := range entries {
			existing, seen := byID[e.PropertyID]
			if !seen || e.PopulatedFieldCount() > existing.PopulatedFieldCount() {
				if !seen {
					order = append(order, e.PropertyID)
				}
				byID[e.PropertyID] = e
			}
		}
		return true
	}

	for page := 1; page <= pages; page++ {
		if !fetchAndParse(page) {
			failedPages = append(failedPages, page)
		}
		result.PagesScanned++
		if tier.DelayBetweenPages > 0 {
			time.Sleep(tier.DelayBetweenPages)
		}
		if tier.MaxPageFailures > 0 && len(failedPages) > tier.MaxPageFailures {
			err := fmt.Errorf("manifest: %s aborted after %d failed pages (limit %d)", source.Name, len(failedPages), tier.MaxPageFailures)
			result.Errors = append(result.Errors, err.Error())
			return result, err
		}
	}

	// Retry pass over failed pages with doubled delay, per spec §4.D step 3.
	stillFailed := failedPages[:0]
	for _, page := range failedPages {
		if tier.DelayBetweenPages > 0 {
			time.Sleep(2 * tier.DelayBetweenPages)
		}
		if !fetchAndParse(page) {
			stillFailed = append(stillFailed, page)
		}
	}
	for _, page := range stillFailed {
		result.Errors = append(result.Errors, fmt.Sprintf("page %d permanently failed", page))
	}

	entries := make([]models.ManifestEntry, 0, len(order))
	for _, id := range order {
		entries = append(entries, byID[id])
	}
	result.Entries = entries

	newCount, priceChangeCount, err := s.Store.Upsert(ctx, s.Reader, entries, runID)
	if err != nil {
		return result, fmt.Errorf("manifest: upsert for %s: %w", source.Name, err)
	}
	result.NewProperties = newCount
	result.PriceChanges = priceChangeCount

	return result, nil
}

// RunMultiSource runs RunScan for every configured listing source,
// accumulating counts into one ManifestScanResult.
func (s *Scanner) RunMultiSource(ctx context.Context, sources []config.ListingSource, maxPages int, tier config.TierSettings, runID string) (models.ManifestScanResult, error) {
	total := models.ManifestScanResult{}
	for _, source := range sources {
		r, err := s.RunScan(ctx, source, maxPages, tier, runID)
		total.PagesScanned += r.PagesScanned
		total.NewProperties += r.NewProperties
		total.PriceChanges += r.PriceChanges
		total.Entries = append(total.Entries, r.Entries...)
		total.Errors = append(total.Errors, r.Errors...)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Scanner) fetchPage(ctx context.Context, baseURL string, page int, delay time.Duration) (string, error) {
	pageURL := baseURL
	if page > 1 {
		sep := "?"
		if containsQuery(baseURL) {
			sep = "&"
		}
		pageURL = fmt.Sprintf("%s%spage=%d", baseURL, sep, page)
	}

	body, err := s.get(ctx, pageURL)
	if err == nil {
		return body, nil
	}

	// Single retry with doubled delay on timeout/5xx, per spec §4.D step 2.b.
	if delay > 0 {
		time.Sleep(2 * delay)
	}
	return s.get(ctx, pageURL)
}

func (s *Scanner) get(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header = httputil.SourceHeaders(s.Cfg.UserAgent, s.Cfg.BaseURL)

	resp, err := s.Clients.Scraping.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("server error %d for %s", resp.StatusCode, pageURL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// detectPageCount fetches page 1 and looks for a pagination summary;
// on any failure it returns 0, which RunScan treats as "use the fallback".
func (s *Scanner) detectPageCount(ctx context.Context, source config.ListingSource) int {
	html, err := s.get(ctx, source.URL)
	if err != nil {
		return 0
	}
	return detectPaginationSummary(html)
}

func containsQuery(u string) bool {
	for _, c := range u {
		if c == '?' {
			return true
		}
	}
	return false
}
