package detail

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"

	"github.com/syncengine/listingsync/identity"
	"github.com/syncengine/listingsync/models"
)

// PlaywrightScraper is the browser-automation Scraper implementation,
// reserved for sources that block plain HTTP requests behind a
// CAPTCHA/bot-detection challenge (spec.md §1's "captcha handling,
// cookie login, browser automation" external collaborator). ScrapingBee
// is tried first when a key is configured since it's cheaper per request
// than a full headed-browser render; Playwright is the fallback.
type PlaywrightScraper struct {
	ScrapingBeeKey string
	ProxyURL       string
	httpClient     *http.Client

	mu          sync.Mutex
	pw          *playwright.Playwright
	browserCtx  playwright.BrowserContext
	initialized bool
}

func NewPlaywrightScraper(scrapingBeeKey, proxyURL string) *PlaywrightScraper {
	return &PlaywrightScraper{
		ScrapingBeeKey: scrapingBeeKey,
		ProxyURL:       proxyURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *PlaywrightScraper) Scrape(ctx context.Context, sourceURL string) (models.ScrapedRecord, error) {
	if s.ScrapingBeeKey != "" {
		html, err := s.fetchViaScrapingBee(ctx, sourceURL)
		if err == nil {
			return s.extract(sourceURL, html)
		}
		beeErr := err
		html, err = s.fetchViaBrowser(ctx, sourceURL)
		if err != nil {
			return models.ScrapedRecord{}, fmt.Errorf("scrapingbee: %v; browser: %w", beeErr, err)
		}
		return s.extract(sourceURL, html)
	}
	html, err := s.fetchViaBrowser(ctx, sourceURL)
	if err != nil {
		return models.ScrapedRecord{}, err
	}
	return s.extract(sourceURL, html)
}

func (s *PlaywrightScraper) fetchViaScrapingBee(ctx context.Context, sourceURL string) (string, error) {
	params := url.Values{}
	params.Set("api_key", s.ScrapingBeeKey)
	params.Set("url", sourceURL)
	params.Set("render_js", "true")

	apiURL := "https://app.scrapingbee.com/api/v1/?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scrapingbee returned %d", resp.StatusCode)
	}

	html := string(body)
	if strings.Contains(html, "Request unsuccessful") || strings.Contains(html, "Incapsula") {
		return "", fmt.Errorf("blocked by bot-detection challenge")
	}
	return html, nil
}

func (s *PlaywrightScraper) fetchViaBrowser(ctx context.Context, sourceURL string) (string, error) {
	if err := s.ensureBrowser(); err != nil {
		return "", err
	}

	page, err := s.browserCtx.NewPage()
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	defer page.Close()

	page.SetViewportSize(1920, 1080)

	if _, err := page.Goto(sourceURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(60000),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}

	page.WaitForTimeout(3000)
	s.simulateHuman(page)

	for attempt := 0; attempt < 5; attempt++ {
		content, _ := page.Content()
		if strings.Contains(content, "gallery") || strings.Contains(content, "property-description") {
			break
		}
		if strings.Contains(content, "Incapsula") || strings.Contains(content, "Request unsuccessful") {
			s.handleChallenge(page)
			page.WaitForTimeout(5000)
			s.simulateHuman(page)
		} else {
			page.WaitForTimeout(2000)
		}
	}

	content, err := page.Content()
	if err != nil {
		return "", err
	}
	if strings.Contains(content, "Incapsula") {
		return "", fmt.Errorf("blocked by bot-detection challenge after retries")
	}
	return content, nil
}

func (s *PlaywrightScraper) extract(sourceURL, html string) (models.ScrapedRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.ScrapedRecord{}, err
	}

	record := models.ScrapedRecord{
		PropertyID:  identity.Fingerprint(sourceURL),
		SourceURL:   sourceURL,
		Title:       strings.TrimSpace(doc.Find("h1, .listing-title").First().Text()),
		Description: strings.TrimSpace(doc.Find(".property-description, #propertyDescriptionCon").First().Text()),
	}

	if priceText := doc.Find(".price").First().Text(); priceText != "" {
		if p, ok := parsePrice(priceText); ok {
			record.Price = &p
		}
	}

	base, _ := url.Parse(sourceURL)
	seen := make(map[string]bool)
	doc.Find(".gallery img, .property-photos img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok {
			src, ok = sel.Attr("data-src")
		}
		if !ok || src == "" || seen[src] {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		if base != nil {
			src = base.ResolveReference(ref).String()
		}
		seen[src] = true
		record.Images = append(record.Images, src)
	})

	return record, nil
}

func (s *PlaywrightScraper) ensureBrowser() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	var err error
	s.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}

	cwd, _ := os.Getwd()
	userDataDir := filepath.Join(cwd, "browser_data")

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(false),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
		UserAgent: playwright.String("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	}

	if s.ProxyURL != "" {
		if proxy, err := parsePlaywrightProxy(s.ProxyURL); err == nil {
			launchOpts.Proxy = proxy
		}
	}

	s.browserCtx, err = s.pw.Chromium.LaunchPersistentContext(userDataDir, launchOpts)
	if err != nil {
		s.pw.Stop()
		return fmt.Errorf("launch browser: %w", err)
	}

	s.initialized = true
	return nil
}

// Close releases the browser context; callers should defer this once the
// scraper is no longer needed (worker shutdown).
func (s *PlaywrightScraper) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserCtx != nil {
		s.browserCtx.Close()
	}
	if s.pw != nil {
		s.pw.Stop()
	}
	s.initialized = false
}

func (s *PlaywrightScraper) handleChallenge(page playwright.Page) {
	page.WaitForTimeout(2000)

	clickSelectors := []string{
		"[id*='checkbox']", "input[type='checkbox']",
		"button:has-text('Verify')", "button:has-text('Continue')",
	}
	for _, sel := range clickSelectors {
		el := page.Locator(sel).First()
		if visible, _ := el.IsVisible(); visible {
			el.Click()
			page.WaitForTimeout(3000)
			return
		}
	}
}

func (s *PlaywrightScraper) simulateHuman(page playwright.Page) {
	page.Mouse().Move(float64(300+rand.Intn(400)), float64(200+rand.Intn(300)))
	page.WaitForTimeout(float64(100 + rand.Intn(200)))
	page.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, 100+rand.Intn(200)))
	page.WaitForTimeout(float64(200 + rand.Intn(300)))
}

func parsePlaywrightProxy(proxyURL string) (*playwright.Proxy, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}

	proxy := &playwright.Proxy{Server: fmt.Sprintf("%s://%s", u.Scheme, u.Host)}
	if u.User != nil {
		username := u.User.Username()
		proxy.Username = &username
		if password, ok := u.User.Password(); ok {
			proxy.Password = &password
		}
	}
	return proxy, nil
}
