// Package httputil builds two HTTP clients: a proxied, redirect-inspecting
// client for talking to the source site (also used by detail.HTTPScraper),
// and a plain direct client. The Playwright scraper and the media uploader
// build their own clients and use neither.
package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"github.com/syncengine/listingsync/config"
)

// Clients groups the engine's outbound HTTP collaborators.
type Clients struct {
	Scraping *http.Client // proxied, never auto-follows redirects
	API      *http.Client // direct
}

// NewClients builds both clients. The Scraping client's CheckRedirect
// returns http.ErrUseLastResponse so callers (ManifestScanner pagination
// fallback, DiffDetector removal probe) can inspect 3xx responses
// themselves instead of silently following them.
func NewClients(proxyCfg *config.ProxyConfig, timeout time.Duration) *Clients {
	var transport http.RoundTripper = http.DefaultTransport
	if proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport = &http.Transport{
				Proxy:             http.ProxyURL(proxyURL),
				ForceAttemptHTTP2: false,
				TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
			}
		}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	scraping := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Clients{
		Scraping: scraping,
		API:      &http.Client{Timeout: 30 * time.Second},
	}
}

// SourceHeaders builds the header set spec §6 requires for every
// ManifestScanner / DiffDetector request against the source site.
func SourceHeaders(userAgent, baseURL string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Connection", "keep-alive")
	if baseURL != "" {
		h.Set("Referer", baseURL)
	}
	return h
}
