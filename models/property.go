package models

import "time"

// ListingStatus tracks a property's lifecycle on the source site.
type ListingStatus string

const (
	ListingActive          ListingStatus = "active"
	ListingLikelyRemoved   ListingStatus = "likely_removed"
	ListingConfirmedRemoved ListingStatus = "confirmed_removed"
	ListingSold            ListingStatus = "sold"
	ListingRelisted        ListingStatus = "relisted"
)

// RecordStatus is the coarser active/removed/inactive state CanonicalStore
// consumers filter on.
type RecordStatus string

const (
	StatusActive   RecordStatus = "active"
	StatusRemoved  RecordStatus = "removed"
	StatusInactive RecordStatus = "inactive"
)

// CanonicalProperty is the authoritative per-property record, produced by
// a detail scrape and maintained by subsequent diff/scrape passes.
type CanonicalProperty struct {
	PropertyID          string
	SourceURL           string
	Price               *float64
	PriceAtLastManifest *float64

	Title       string
	Description string

	PropertyType  string
	OperationType OperationType
	Bedrooms      *int
	Bathrooms     *float64
	AreaM2        *float64
	LotAreaM2     *float64

	AddressLine  string
	Neighborhood string
	City         string
	State        string
	PostalCode   string
	Latitude     *float64
	Longitude    *float64

	Amenities []string
	Features  []string
	Images    []string

	AgentName    string
	AgencyName   string

	ListingStatus            ListingStatus
	Status                   RecordStatus
	ConsecutiveMissingCount  int
	ScrapePriority           int

	LastFullScrapeAt   *time.Time
	LastManifestSeenAt *time.Time
	FirstSeenAt        time.Time
	LastUpdatedAt      time.Time
}

// ScrapedRecord is what an external detail.Scraper returns: the subset of
// CanonicalProperty fields it was able to determine from one detail page.
// Any pointer/slice left nil means "unknown", not "clear this field" — the
// merge policy in CanonicalStore.UpsertFromScrape never lets a nil/empty
// scraped value clobber an existing non-null canonical value.
type ScrapedRecord struct {
	PropertyID  string
	SourceURL   string
	Price       *float64
	Title       string
	Description string

	PropertyType  string
	OperationType OperationType
	Bedrooms      *int
	Bathrooms     *float64
	AreaM2        *float64
	LotAreaM2     *float64

	AddressLine  string
	Neighborhood string
	City         string
	State        string
	PostalCode   string
	Latitude     *float64
	Longitude    *float64

	Amenities []string
	Features  []string
	Images    []string

	AgentName  string
	AgencyName string
}
