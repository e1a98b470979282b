// Package dedup vetoes redundant job submissions before a job row
// exists. Checks are advisory reads against the job store; batch
// creation runs them inside its insert transaction, which closes the
// check-then-insert race for everything in this process.
package dedup

import (
	"context"
	"sync"
	"time"

	"pubmatrix/internal/publish"
	logx "pubmatrix/pkg/logx"
)

// Veto reasons reported in batch summaries.
const (
	ReasonDuplicatePending = "duplicate_pending"
	ReasonAlreadyPublished = "already_published"
)

const defaultPendingWindow = 24 * time.Hour

// Reads is the store surface the guard consults. Both the plain store
// and its transaction wrapper satisfy it.
type Reads interface {
	LatestInFlight(ctx context.Context, platform, accountID, contentID string, since time.Time) (*publish.Job, error)
	LatestSuccess(ctx context.Context, platform, accountID, contentID string, since time.Time) (*publish.Job, error)
}

// Windows configures the two lookback checks.
type Windows struct {
	// Pending scopes the in-flight check. Values <= 0 fall back to 24h.
	Pending time.Duration
	// Success scopes the recent-success check. 0 disables it.
	Success time.Duration
}

func (w Windows) normalized() Windows {
	if w.Pending <= 0 {
		w.Pending = defaultPendingWindow
	}
	if w.Success < 0 {
		w.Success = 0
	}
	return w
}

// Veto explains why a candidate was skipped.
type Veto struct {
	Reason        string
	ExistingJobID string
	CompletedAt   time.Time
}

// Guard applies the dedup policy to candidate jobs.
type Guard struct {
	mu  sync.Mutex
	win Windows
	log logx.Logger
}

func New(win Windows, log logx.Logger) *Guard {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{win: win.normalized(), log: log}
}

// Apply installs new windows; future checks use them immediately.
func (g *Guard) Apply(win Windows) {
	g.mu.Lock()
	g.win = win.normalized()
	g.mu.Unlock()
}

// Check returns a veto for job, or nil when creation may proceed. The
// candidate's AllowDuplicate flag skips both checks.
func (g *Guard) Check(ctx context.Context, reads Reads, job *publish.Job, now time.Time) (*Veto, error) {
	if job.AllowDuplicate {
		return nil, nil
	}
	g.mu.Lock()
	win := g.win
	g.mu.Unlock()

	inflight, err := reads.LatestInFlight(ctx, job.Platform, job.AccountID, job.ContentID, now.Add(-win.Pending))
	if err != nil {
		return nil, err
	}
	if inflight != nil {
		g.log.Debug("duplicate vetoed",
			logx.String("content", job.ContentID),
			logx.String("account", job.AccountID),
			logx.String("existing", inflight.ID),
			logx.String("reason", ReasonDuplicatePending))
		return &Veto{Reason: ReasonDuplicatePending, ExistingJobID: inflight.ID}, nil
	}

	if win.Success <= 0 {
		return nil, nil
	}
	done, err := reads.LatestSuccess(ctx, job.Platform, job.AccountID, job.ContentID, now.Add(-win.Success))
	if err != nil {
		return nil, err
	}
	if done != nil {
		g.log.Debug("duplicate vetoed",
			logx.String("content", job.ContentID),
			logx.String("account", job.AccountID),
			logx.String("existing", done.ID),
			logx.String("reason", ReasonAlreadyPublished))
		return &Veto{Reason: ReasonAlreadyPublished, ExistingJobID: done.ID, CompletedAt: done.CompletedAt}, nil
	}
	return nil, nil
}
