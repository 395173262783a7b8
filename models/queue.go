package models

import "time"

// QueueReason is the business cause a property was added to the scrape
// queue; it governs priority via the config.Config.Priorities map.
type QueueReason string

const (
	ReasonNewProperty  QueueReason = "new_property"
	ReasonPriceChange  QueueReason = "price_change"
	ReasonRelisted     QueueReason = "relisted"
	ReasonVerification QueueReason = "verification"
	ReasonStaleData    QueueReason = "stale_data"
	ReasonRandomSample QueueReason = "random_sample"
)

// QueueStatus is the lifecycle state of one QueueEntry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// QueueEntry is one unit of detail-scrape work.
type QueueEntry struct {
	ID           string
	PropertyID   string
	SourceURL    string
	Priority     int
	QueueReason  QueueReason
	Status       QueueStatus
	Metadata     map[string]any
	AttemptCount int
	ClaimedAt    *time.Time
	ClaimedBy    string
	LastError    string
	QueuedAt     time.Time
	CompletedAt  *time.Time
}

// QueueStats summarizes the current state of the scrape queue, used by the
// `queue-stats` CLI command. Enqueue's capacity check counts pending rows
// itself and does not use it.
type QueueStats struct {
	PendingCount     int
	InProgressCount  int
	CompletedToday   int
	FailedToday      int
	ByPriority       map[int]int
	ByReason         map[QueueReason]int
}
