package models

import "time"

// TierLevel is one of the four sync cadences.
type TierLevel int

const (
	TierHotListings     TierLevel = 1
	TierDailySync       TierLevel = 2
	TierWeeklyDeep      TierLevel = 3
	TierMonthlyRefresh  TierLevel = 4
)

// RunStatus is the lifecycle state of a SyncRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// SyncRun is the transient per-execution record a TierOrchestrator opens
// and closes around one tier's recipe.
type SyncRun struct {
	ID        string
	TierLevel TierLevel
	TierName  string
	Status    RunStatus

	// SessionID is a per-execution UUID recorded with the run. The manifest
	// (ManifestEntry.SeenInRunID), DiffDetector and ScrapeQueue calls of a
	// tier execution are keyed by ID, which is equally unique per run.
	SessionID string

	StartedAt   time.Time
	CompletedAt *time.Time

	PagesScanned      int
	NewFound          int
	PriceChanges      int
	RemovalsConfirmed int
	Queued            int
	Scraped           int
	Updated           int

	ErrorSummary string
}

// TierResult is the return value of one TierOrchestrator method.
type TierResult struct {
	Run               *SyncRun
	Success           bool
	Errors            []string
}

// QueueProcessResult is the return value of QueueWorker.Drain.
type QueueProcessResult struct {
	Processed int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// ManifestScanResult is the return value of ManifestScanner.RunScan /
// RunMultiSource.
type ManifestScanResult struct {
	PagesScanned int
	NewProperties int
	PriceChanges  int
	Entries       []ManifestEntry
	Errors        []string
}

// PropertyPriceChange describes one detected price delta, the unit
// Detector.DetectNewAndPriceChanges returns and ScrapeQueue.Enqueue's
// metadata carries.
type PropertyPriceChange struct {
	PropertyID    string
	OldPrice      float64
	NewPrice      float64
	PercentChange float64
	SourceURL     string
}

// PropertyRemovalCandidate is an active canonical property whose
// consecutive missing count has crossed the configured threshold.
type PropertyRemovalCandidate struct {
	PropertyID              string
	SourceURL               string
	LastSeenAt              *time.Time
	ConsecutiveMissingCount int
}

// PropertyRemovalResult is the outcome of one HEAD-probe removal
// verification.
type PropertyRemovalResult struct {
	PropertyID      string
	ConfirmedRemoved bool
	HTTPStatus      int
	RedirectURL     string
	Reason          string
}

// TierStatus is one tier's entry in ScheduleStatus.
type TierStatus struct {
	TierLevel   TierLevel
	TierName    string
	LastRun     *time.Time
	LastSuccess *time.Time
	NextRun     *time.Time
	IsDue       bool
	IsRunning   bool
}

// ScheduleStatus is the return value of Scheduler.Status.
type ScheduleStatus struct {
	Tiers     []TierStatus
	IsRunning bool
}

// DiffResult is the complete output of one DiffDetector pass.
type DiffResult struct {
	NewProperties       []string
	PriceChanges        []PropertyPriceChange
	RemovalCandidates   []PropertyRemovalCandidate
	ConfirmedRemovals   []PropertyRemovalResult
	RelistedProperties  []string
	Duration            time.Duration
}
