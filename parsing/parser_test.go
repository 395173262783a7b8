package parsing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncengine/listingsync/models"
)

const sampleHTML = `
<html><body>
<div class="property-card">
  <a href="/en/for-sale/casa-del-sol-123">
    <span class="title">Casa del Sol</span>
    <span class="price">$105,000</span>
  </a>
</div>
<div class="property-card" data-lat="20.65" data-lng="-105.22">
  <a href="/en/for-sale/villa-azul-456">
    <h3>Villa Azul</h3>
    <span class="price">MXN 2,400,000</span>
  </a>
</div>
<article>
  <a href="/en/for-sale/casa-del-sol-123">
    <span class="title">Casa del Sol (full)</span>
    <span class="price">$105,000</span>
  </a>
</article>
</body></html>
`

func TestParseExtractsTilesWithPriceAndTitle(t *testing.T) {
	entries := Parse(sampleHTML, "https://www.pincali.com/en/for-sale", models.OperationSale)
	require.NotEmpty(t, entries)

	found := false
	for _, e := range entries {
		if e.ListingTitle != nil && *e.ListingTitle == "Villa Azul" {
			found = true
			assert.NotNil(t, e.ListingPrice)
			assert.Equal(t, 2400000.0, *e.ListingPrice)
			assert.NotNil(t, e.Latitude)
			assert.Equal(t, 20.65, *e.Latitude)
		}
	}
	assert.True(t, found, "expected Villa Azul tile to be parsed")
}

func TestParseDedupesByPopulatedFieldCount(t *testing.T) {
	entries := Parse(sampleHTML, "https://www.pincali.com/en/for-sale", models.OperationSale)

	count := 0
	for _, e := range entries {
		if e.SourceURL == "https://www.pincali.com/en/for-sale/casa-del-sol-123" {
			count++
		}
	}
	assert.Equal(t, 1, count, "duplicate property_id tiles must collapse to one entry")
}

func TestParseResolvesRelativeURLsAgainstPageURL(t *testing.T) {
	entries := Parse(sampleHTML, "https://www.pincali.com/en/for-sale", models.OperationSale)
	for _, e := range entries {
		assert.Contains(t, e.SourceURL, "https://www.pincali.com")
	}
}

func TestParseToleratesMalformedHTML(t *testing.T) {
	broken := `<div class="property-card"><a href="/en/for-sale/x"><span class="price">$1</span>`
	assert.NotPanics(t, func() {
		Parse(broken, "https://www.pincali.com/en/for-sale", models.OperationSale)
	})
}

func TestParseReturnsNilWhenNoTilesMatch(t *testing.T) {
	entries := Parse(`<html><body><p>nothing here</p></body></html>`, "https://www.pincali.com", models.OperationSale)
	assert.Empty(t, entries)
}

func TestParseSkipsTileWithoutLink(t *testing.T) {
	html := `<div class="property-card"><span class="price">$100</span></div>`
	entries := Parse(html, "https://www.pincali.com", models.OperationSale)
	assert.Empty(t, entries)
}
