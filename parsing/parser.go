// Package parsing extracts ManifestEntry tuples from one listing-page's
// raw HTML. It never follows links and never talks to storage.
package parsing

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/syncengine/listingsync/identity"
	"github.com/syncengine/listingsync/models"
)

const maxTitleLen = 500

// tileSelectors is tried in order; the first selector that matches any
// node on the page wins. Real listing sites rename their tile wrapper
// class across redesigns far more often than they change the presence
// of an <a> wrapping a price, so a few candidates are kept rather than
// one brittle selector.
var tileSelectors = []string{
	".property-card", ".listing-card", ".property-item", "[data-listing-id]", "article",
}

var priceDigits = regexp.MustCompile(`[0-9]+(\.[0-9]+)?`)

// Parse extracts zero or more ManifestEntry tuples from one listing
// page's HTML. Malformed HTML never fails the whole page: goquery parses
// on a best-effort basis, and a tile missing its price/link is simply
// skipped rather than aborting.
func Parse(html string, pageURL string, operationType models.OperationType) []models.ManifestEntry {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	base, _ := url.Parse(pageURL)

	var tiles *goquery.Selection
	for _, sel := range tileSelectors {
		found := doc.Find(sel)
		if found.Length() > 0 {
			tiles = found
			break
		}
	}
	if tiles == nil {
		return nil
	}

	now := time.Now().UTC()
	byID := make(map[string]models.ManifestEntry)
	order := make([]string, 0, tiles.Length())

	tiles.Each(func(_ int, tile *goquery.Selection) {
		entry, ok := parseTile(tile, base, operationType, now)
		if !ok {
			return
		}
		existing, seen := byID[entry.PropertyID]
		if !seen || entry.PopulatedFieldCount() > existing.PopulatedFieldCount() {
			if !seen {
				order = append(order, entry.PropertyID)
			}
			byID[entry.PropertyID] = entry
		}
	})

	out := make([]models.ManifestEntry, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func parseTile(tile *goquery.Selection, base *url.URL, opType models.OperationType, now time.Time) (models.ManifestEntry, bool) {
	link := tile.Find("a[href]").First()
	href, ok := link.Attr("href")
	if !ok || href == "" {
		href, ok = tile.Attr("href")
	}
	if !ok || href == "" {
		return models.ManifestEntry{}, false
	}

	absolute := resolveURL(base, href)
	if absolute == "" {
		return models.ManifestEntry{}, false
	}

	entry := models.ManifestEntry{
		PropertyID:    identity.Fingerprint(absolute),
		SourceURL:     absolute,
		OperationType: opType,
		FirstSeenAt:   now,
		LastSeenAt:    now,
	}

	if price, ok := extractPrice(tile); ok {
		entry.ListingPrice = &price
	}
	if title := extractTitle(tile); title != "" {
		entry.ListingTitle = &title
	}
	if lat, ok := floatAttr(tile, "data-lat", "data-latitude"); ok {
		entry.Latitude = &lat
	}
	if lng, ok := floatAttr(tile, "data-lng", "data-longitude"); ok {
		entry.Longitude = &lng
	}

	return entry, true
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		if ref.IsAbs() {
			return ref.String()
		}
		return ""
	}
	return base.ResolveReference(ref).String()
}

func extractPrice(tile *goquery.Selection) (float64, bool) {
	text := tile.Find(".price, [data-price], .property-price").First().Text()
	if text == "" {
		text, _ = tile.Find("[data-price]").First().Attr("data-price")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	cleaned := strings.ReplaceAll(priceDigits.FindString(strings.ReplaceAll(text, ",", "")), ",", "")
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func extractTitle(tile *goquery.Selection) string {
	title := strings.TrimSpace(tile.Find(".title, h2, h3, [data-title]").First().Text())
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return title
}

func floatAttr(tile *goquery.Selection, names ...string) (float64, bool) {
	for _, name := range names {
		if v, ok := tile.Attr(name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
