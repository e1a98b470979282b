// Package publish holds the shared domain model for the publishing
// pipeline: jobs, batches, the executor contract and the escalation
// error taxonomy. It has no dependencies on the scheduler packages so
// that planners, stores and executors can all speak the same types.
package publish

import "time"

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending           Status = "pending"
	StatusRunning           Status = "running"
	StatusRetryPending      Status = "retry_pending"
	StatusNeedsVerification Status = "needs_verification"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are kept
// for history and never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetryPending,
		StatusNeedsVerification, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Kind separates the two scheduler variants sharing the store.
type Kind string

const (
	// KindPublish jobs belong to the durable multi-worker queue.
	KindPublish Kind = "publish"
	// KindMatrix jobs belong to the in-process matrix scheduler.
	KindMatrix Kind = "matrix"
)

// Payload is everything the executor needs to perform one publish,
// denormalized into the job row so a job can be replayed even if the
// upstream content or account record changes later.
type Payload struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	CoverPath   string            `json:"cover_path,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// Job is one scheduled unit of work targeting a single
// (platform, account, content) triple.
type Job struct {
	ID      string
	BatchID string
	Kind    Kind

	Platform  string
	AccountID string
	ContentID string
	Payload   Payload

	// Priority orders the ready queue; lower runs sooner.
	Priority int
	// NotBefore delays eligibility. Zero means run as soon as admitted.
	NotBefore time.Time

	Status         Status
	RetryCount     int
	MaxRetries     int
	AllowDuplicate bool

	LastError         string
	Escalation        string
	VerificationURL   string
	VerificationValue string
	// Interrupted counts attempts cut short by a process restart.
	Interrupted int

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload.Tags != nil {
		c.Payload.Tags = append([]string(nil), j.Payload.Tags...)
	}
	if j.Payload.Params != nil {
		c.Payload.Params = make(map[string]string, len(j.Payload.Params))
		for k, v := range j.Payload.Params {
			c.Payload.Params[k] = v
		}
	}
	return &c
}

// Account identifies one destination login the system may publish through.
type Account struct {
	ID       string
	Platform string
}

// ContentItem is the caller-supplied material a batch distributes.
// The scheduler copies its fields into each job payload; it never
// reads content storage itself.
type ContentItem struct {
	ID          string
	Title       string
	Description string
	Tags        []string
	CoverPath   string
	Params      map[string]string
}

// Override adjusts the payload for one platform. Zero-value fields keep
// the content item's own value; a non-nil Tags slice replaces the tag
// list wholesale; Params are merged key by key with the override winning.
type Override struct {
	Title       string
	Description string
	Tags        []string
	Params      map[string]string
}

// Merged builds the job payload for c, applying ov when non-nil.
func (c ContentItem) Merged(ov *Override) Payload {
	p := Payload{
		Title:       c.Title,
		Description: c.Description,
		CoverPath:   c.CoverPath,
	}
	if c.Tags != nil {
		p.Tags = append([]string(nil), c.Tags...)
	}
	if len(c.Params) > 0 {
		p.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			p.Params[k] = v
		}
	}
	if ov == nil {
		return p
	}
	if ov.Title != "" {
		p.Title = ov.Title
	}
	if ov.Description != "" {
		p.Description = ov.Description
	}
	if ov.Tags != nil {
		p.Tags = append([]string(nil), ov.Tags...)
	}
	if len(ov.Params) > 0 {
		if p.Params == nil {
			p.Params = make(map[string]string, len(ov.Params))
		}
		for k, v := range ov.Params {
			p.Params[k] = v
		}
	}
	return p
}

// Batch groups the jobs created by one submission call. It has no
// lifecycle of its own; live counters are derived from member jobs.
type Batch struct {
	ID        string
	Kind      Kind
	Strategy  string
	Total     int
	Skipped   int
	CreatedAt time.Time
}

// BatchStatus is a batch row plus counters aggregated from its jobs.
type BatchStatus struct {
	Batch  Batch
	Counts map[Status]int
}
