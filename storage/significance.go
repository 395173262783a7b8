package storage

import "math"

// Default price-change significance thresholds, matching
// config.Config's own defaults (config.Load falls back to the same
// values when MANIFEST_PRICE_CHANGE_THRESHOLD_PERCENT/_ABSOLUTE are
// unset). Stores without an explicit threshold set (e.g. built via
// NewSQLiteStore/NewPostgresStore directly in tests) fall back to these.
const (
	defaultPriceChangeThresholdAbsolute = 1000.0
	defaultPriceChangeThresholdPercent  = 1.0
)

// significantChange reports whether a price move from old to new is
// large enough to flag for re-scraping. A non-positive old or new price
// makes the percentage test meaningless, so any change at all flags it.
func significantChange(old, new, percentThreshold, absoluteThreshold float64) bool {
	if old <= 0 || new <= 0 {
		return old != new
	}
	diff := math.Abs(new - old)
	return diff > absoluteThreshold || (diff/old*100) > percentThreshold
}
