// Package detail implements the out-of-core DetailScraper collaborator
// (spec.md §1, §6): fetching one property's full detail page and turning
// it into a ScrapedRecord, plus archiving its photos.
package detail

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/httputil"
	"github.com/syncengine/listingsync/identity"
	"github.com/syncengine/listingsync/models"
)

// Scraper is the narrow contract the engine depends on. The core never
// knows whether a concrete implementation uses a plain HTTP GET, a
// headless browser, or a third-party rendering API.
type Scraper interface {
	Scrape(ctx context.Context, sourceURL string) (models.ScrapedRecord, error)
}

// HTTPScraper is a plain-GET + goquery implementation, usable without a
// browser and without any CAPTCHA-handling collaborator — the default
// Scraper wired when no PlaywrightScraper is configured.
type HTTPScraper struct {
	Clients *httputil.Clients
	Cfg     *config.Config
}

func NewHTTPScraper(clients *httputil.Clients, cfg *config.Config) *HTTPScraper {
	return &HTTPScraper{Clients: clients, Cfg: cfg}
}

func (s *HTTPScraper) Scrape(ctx context.Context, sourceURL string) (models.ScrapedRecord, error) {
	html, err := s.get(ctx, sourceURL)
	if err != nil {
		return models.ScrapedRecord{}, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.ScrapedRecord{}, err
	}

	record := models.ScrapedRecord{
		PropertyID: identity.Fingerprint(sourceURL),
		SourceURL:  sourceURL,
	}

	record.Title = strings.TrimSpace(doc.Find("h1, .listing-title, .property-title").First().Text())
	record.Description = strings.TrimSpace(doc.Find(".description, #propertyDescriptionCon, .property-description").First().Text())

	if priceText := doc.Find(".price, .property-price").First().Text(); priceText != "" {
		if p, ok := parsePrice(priceText); ok {
			record.Price = &p
		}
	}

	record.AddressLine = strings.TrimSpace(doc.Find(".address, .property-address").First().Text())
	record.City = strings.TrimSpace(doc.Find("[data-city]").First().AttrOr("data-city", ""))
	record.State = strings.TrimSpace(doc.Find("[data-state]").First().AttrOr("data-state", ""))
	record.PostalCode = strings.TrimSpace(doc.Find("[data-postal-code]").First().AttrOr("data-postal-code", ""))

	if lat, ok := parseFloatAttr(doc, "data-lat", "data-latitude"); ok {
		record.Latitude = &lat
	}
	if lng, ok := parseFloatAttr(doc, "data-lng", "data-longitude"); ok {
		record.Longitude = &lng
	}
	if beds, ok := parseIntText(doc, ".beds, [data-beds]"); ok {
		record.Bedrooms = &beds
	}
	if baths, ok := parseFloatText(doc, ".baths, [data-baths]"); ok {
		record.Bathrooms = &baths
	}
	if area, ok := parseFloatText(doc, ".area, [data-area-m2]"); ok {
		record.AreaM2 = &area
	}

	doc.Find(".amenities li, [data-amenity]").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			record.Amenities = append(record.Amenities, text)
		}
	})

	base, _ := url.Parse(sourceURL)
	doc.Find(".gallery img, .property-photos img, [data-gallery] img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok {
			src, ok = sel.Attr("data-src")
		}
		if !ok || src == "" {
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		if base != nil {
			src = base.ResolveReference(ref).String()
		}
		record.Images = append(record.Images, src)
	})

	record.AgentName = strings.TrimSpace(doc.Find(".agent-name, [data-agent-name]").First().Text())
	record.AgencyName = strings.TrimSpace(doc.Find(".agency-name, [data-agency-name]").First().Text())

	return record, nil
}

func (s *HTTPScraper) get(ctx context.Context, pageURL string) (string, error) {
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

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("detail: status %d for %s", resp.StatusCode, pageURL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parsePrice(text string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == '.' {
			return r
		}
		return -1
	}, text)
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseFloatAttr(doc *goquery.Document, names ...string) (float64, bool) {
	for _, name := range names {
		sel := doc.Find("[" + name + "]").First()
		if v, ok := sel.Attr(name); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func parseIntText(doc *goquery.Document, selector string) (int, bool) {
	text := strings.TrimSpace(doc.Find(selector).First().Text())
	if text == "" {
		return 0, false
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseFloatText(doc *goquery.Document, selector string) (float64, bool) {
	text := strings.TrimSpace(doc.Find(selector).First().Text())
	if text == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
