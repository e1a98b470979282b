package publish

import "time"

// BatchRequest describes one submission: which contents go to which
// accounts, how to pair them, how to space them out, and the retry and
// dedup policy the resulting jobs carry.
type BatchRequest struct {
	Contents []ContentItem
	Accounts []Account

	// Strategy selects the assignment shape; PickMode refines
	// one_per_account (random or sequential).
	Strategy string
	PickMode string

	// Overrides adjust payloads per platform, keyed by platform name.
	Overrides map[string]*Override

	// Interval plan. ScheduledAt anchors the offsets; zero means now.
	IntervalEnabled bool
	IntervalMode    string
	Interval        time.Duration
	Jitter          time.Duration
	ScheduledAt     time.Time

	Priority       int
	MaxRetries     int // 0 uses the scheduler default
	AllowDuplicate bool

	// Seed fixes the random source for pick/jitter decisions.
	// Zero seeds from the clock.
	Seed int64
}

// SkippedItem reports one candidate vetoed during batch creation.
type SkippedItem struct {
	ContentID     string
	AccountID     string
	Platform      string
	Reason        string
	ExistingJobID string
	CompletedAt   time.Time
}

// BatchSummary is the immediate result of a submission. Per-job
// outcomes after this point are discoverable through the query APIs,
// never through errors.
type BatchSummary struct {
	BatchID       string
	Total         int
	CreatedJobIDs []string
	Skipped       []SkippedItem
}
