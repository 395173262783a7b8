package models

import "time"

// OperationType is the commercial nature of a listing.
type OperationType string

const (
	OperationSale           OperationType = "sale"
	OperationRent           OperationType = "rent"
	OperationForeclosure    OperationType = "foreclosure"
	OperationNewConstruction OperationType = "new_construction"
)

// ManifestEntry is a cheap, observed-on-a-listing-page fact about a
// property, produced by the ManifestScanner and consumed by the
// DiffDetector. It intentionally carries far fewer fields than
// CanonicalProperty.
type ManifestEntry struct {
	PropertyID    string
	SourceURL     string
	ListingPrice  *float64
	ListingTitle  *string
	Latitude      *float64
	Longitude     *float64
	OperationType OperationType

	IsNew           bool
	PriceChanged    bool
	NeedsFullScrape bool

	FirstSeenAt  time.Time
	LastSeenAt   time.Time
	SeenInRunID  string
}

// PopulatedFieldCount is used by dedup logic (ListingPageParser, cross-page
// dedup in ManifestScanner) to prefer the more complete of two observations
// of the same property.
func (e ManifestEntry) PopulatedFieldCount() int {
	n := 0
	if e.ListingPrice != nil {
		n++
	}
	if e.ListingTitle != nil && *e.ListingTitle != "" {
		n++
	}
	if e.Latitude != nil {
		n++
	}
	if e.Longitude != nil {
		n++
	}
	return n
}
