package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pubmatrix/internal/publish"
	logx "pubmatrix/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testJob(id string, status publish.Status) *publish.Job {
	return &publish.Job{
		ID:        id,
		BatchID:   "b1",
		Kind:      publish.KindPublish,
		Platform:  "douyin",
		AccountID: "acct-1",
		ContentID: "vid-1",
		Payload: publish.Payload{
			Title:  "First upload",
			Tags:   []string{"go", "daily"},
			Params: map[string]string{"visibility": "public"},
		},
		Priority:   5,
		Status:     status,
		MaxRetries: 3,
		CreatedAt:  time.Now().Add(-time.Minute),
	}
}

func createJob(t *testing.T, s *Store, j *publish.Job) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertJob(context.Background(), j)
	})
	if err != nil {
		t.Fatalf("InsertJob(%s): %v", j.ID, err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	in := testJob("j1", publish.StatusPending)
	in.NotBefore = time.Now().Add(time.Hour).Truncate(time.Millisecond)
	createJob(t, s, in)

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Platform != in.Platform || got.AccountID != in.AccountID || got.ContentID != in.ContentID {
		t.Fatalf("triple mismatch: %+v", got)
	}
	if got.Payload.Title != in.Payload.Title || len(got.Payload.Tags) != 2 || got.Payload.Params["visibility"] != "public" {
		t.Fatalf("payload mismatch: %+v", got.Payload)
	}
	if got.Status != publish.StatusPending || got.Priority != 5 || got.MaxRetries != 3 {
		t.Fatalf("fields mismatch: %+v", got)
	}
	if !got.NotBefore.Equal(in.NotBefore) {
		t.Fatalf("NotBefore = %v, want %v", got.NotBefore, in.NotBefore)
	}
	if !got.StartedAt.IsZero() || !got.CompletedAt.IsZero() {
		t.Fatalf("unexpected timestamps: %+v", got)
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing job err = %v, want ErrNotFound", err)
	}
}

func TestTransitionGuards(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	createJob(t, s, testJob("j1", publish.StatusPending))

	if err := s.MarkRunning(ctx, "j1", now); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := s.MarkRunning(ctx, "j1", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("double MarkRunning err = %v, want ErrConflict", err)
	}
	if err := s.MarkSucceeded(ctx, "j1", now); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	// Terminal states are never overwritten.
	if err := s.MarkRunning(ctx, "j1", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkRunning on succeeded err = %v, want ErrConflict", err)
	}
	if err := s.MarkRetryPending(ctx, "j1", 1, time.Time{}, "x"); !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkRetryPending on succeeded err = %v, want ErrConflict", err)
	}
	if err := s.MarkFailed(ctx, "j1", 1, "x", "", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkFailed on succeeded err = %v, want ErrConflict", err)
	}
	if err := s.MarkRunning(ctx, "ghost", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkRunning missing err = %v, want ErrNotFound", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != publish.StatusSucceeded || got.CompletedAt.IsZero() || got.StartedAt.IsZero() {
		t.Fatalf("final state: %+v", got)
	}
}

func TestVerificationFlow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	createJob(t, s, testJob("j1", publish.StatusPending))
	if err := s.MarkRunning(ctx, "j1", now); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := s.MarkNeedsVerification(ctx, "j1", "enter SMS code", "https://x/verify", "challenge"); err != nil {
		t.Fatalf("MarkNeedsVerification: %v", err)
	}

	got, _ := s.GetJob(ctx, "j1")
	if got.Status != publish.StatusNeedsVerification || got.Escalation != "enter SMS code" || got.VerificationURL != "https://x/verify" {
		t.Fatalf("parked state: %+v", got)
	}
	if got.RetryCount != 0 {
		t.Fatalf("verification consumed a retry: %d", got.RetryCount)
	}

	if err := s.SetVerificationValue(ctx, "j1", "123456"); err != nil {
		t.Fatalf("SetVerificationValue: %v", err)
	}
	got, _ = s.GetJob(ctx, "j1")
	if got.VerificationValue != "123456" {
		t.Fatalf("value = %q", got.VerificationValue)
	}

	// Re-dequeue, escalate again: the old input must not linger.
	if err := s.MarkRunning(ctx, "j1", now); err != nil {
		t.Fatalf("MarkRunning after input: %v", err)
	}
	if err := s.MarkNeedsVerification(ctx, "j1", "scan QR", "", "challenge"); err != nil {
		t.Fatalf("MarkNeedsVerification again: %v", err)
	}
	got, _ = s.GetJob(ctx, "j1")
	if got.VerificationValue != "" {
		t.Fatalf("stale verification value survived: %q", got.VerificationValue)
	}

	// Setting input on a non-parked job is refused.
	if err := s.SetVerificationValue(ctx, "ghost", "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing job err = %v", err)
	}
	createJob(t, s, testJob("j2", publish.StatusPending))
	if err := s.SetVerificationValue(ctx, "j2", "1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("pending job err = %v, want ErrConflict", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	fresh := testJob("fresh", publish.StatusRunning)
	fresh.RetryCount = 0
	createJob(t, s, fresh)

	spent := testJob("spent", publish.StatusRunning)
	spent.RetryCount = 2
	spent.MaxRetries = 3
	createJob(t, s, spent)

	otherKind := testJob("matrix", publish.StatusRunning)
	otherKind.Kind = publish.KindMatrix
	createJob(t, s, otherKind)

	requeued, failed, err := s.RecoverInterrupted(ctx, publish.KindPublish, "attempt interrupted by restart", time.Now())
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if requeued != 1 || failed != 1 {
		t.Fatalf("requeued = %d failed = %d, want 1/1", requeued, failed)
	}

	got, _ := s.GetJob(ctx, "fresh")
	if got.Status != publish.StatusRetryPending || got.RetryCount != 1 || got.Interrupted != 1 {
		t.Fatalf("fresh after recovery: %+v", got)
	}
	if got.LastError != "attempt interrupted by restart" {
		t.Fatalf("annotation missing: %q", got.LastError)
	}

	got, _ = s.GetJob(ctx, "spent")
	if got.Status != publish.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("spent after recovery: %+v", got)
	}
	if got.RetryCount > got.MaxRetries {
		t.Fatalf("retry_count %d exceeds budget %d", got.RetryCount, got.MaxRetries)
	}

	// The other scheduler's jobs are untouched.
	got, _ = s.GetJob(ctx, "matrix")
	if got.Status != publish.StatusRunning {
		t.Fatalf("matrix job swept: %+v", got)
	}
}

func TestLoadRunnable(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	createJob(t, s, testJob("p", publish.StatusPending))
	createJob(t, s, testJob("r", publish.StatusRetryPending))
	createJob(t, s, testJob("done", publish.StatusSucceeded))
	createJob(t, s, testJob("run", publish.StatusRunning))

	parked := testJob("parked", publish.StatusNeedsVerification)
	createJob(t, s, parked)
	ready := testJob("ready", publish.StatusNeedsVerification)
	ready.VerificationValue = "123"
	createJob(t, s, ready)

	jobs, err := s.LoadRunnable(ctx, publish.KindPublish)
	if err != nil {
		t.Fatalf("LoadRunnable: %v", err)
	}
	want := map[string]bool{"p": true, "r": true, "ready": true}
	if len(jobs) != len(want) {
		t.Fatalf("got %d runnable, want %d", len(jobs), len(want))
	}
	for _, j := range jobs {
		if !want[j.ID] {
			t.Fatalf("unexpected runnable job %s (%s)", j.ID, j.Status)
		}
	}
}

func TestDedupReads(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := testJob("old", publish.StatusPending)
	old.CreatedAt = now.Add(-48 * time.Hour)
	createJob(t, s, old)

	live := testJob("live", publish.StatusPending)
	live.CreatedAt = now.Add(-time.Hour)
	createJob(t, s, live)

	won := testJob("won", publish.StatusSucceeded)
	won.CreatedAt = now.Add(-30 * time.Hour)
	won.CompletedAt = now.Add(-29 * time.Hour)
	createJob(t, s, won)

	got, err := s.LatestInFlight(ctx, "douyin", "acct-1", "vid-1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("LatestInFlight: %v", err)
	}
	if got == nil || got.ID != "live" {
		t.Fatalf("LatestInFlight = %+v, want live", got)
	}
	if got, _ := s.LatestInFlight(ctx, "douyin", "acct-1", "vid-1", now.Add(-30*time.Minute)); got != nil {
		t.Fatalf("window ignored: %+v", got)
	}
	if got, _ := s.LatestInFlight(ctx, "douyin", "acct-2", "vid-1", now.Add(-24*time.Hour)); got != nil {
		t.Fatalf("triple ignored: %+v", got)
	}

	got, err = s.LatestSuccess(ctx, "douyin", "acct-1", "vid-1", now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("LatestSuccess: %v", err)
	}
	if got == nil || got.ID != "won" {
		t.Fatalf("LatestSuccess = %+v, want won", got)
	}
	if got, _ := s.LatestSuccess(ctx, "douyin", "acct-1", "vid-1", now.Add(-time.Hour)); got != nil {
		t.Fatalf("success window ignored: %+v", got)
	}
}

func TestBatchAggregates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertBatch(ctx, &publish.Batch{
			ID: "b1", Kind: publish.KindPublish, Strategy: "all_per_account",
			Total: 2, Skipped: 1, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.InsertJob(ctx, testJob("j1", publish.StatusSucceeded)); err != nil {
			return err
		}
		return tx.InsertJob(ctx, testJob("j2", publish.StatusPending))
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	bs, err := s.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if bs.Batch.Total != 2 || bs.Batch.Skipped != 1 {
		t.Fatalf("batch row: %+v", bs.Batch)
	}
	if bs.Counts[publish.StatusSucceeded] != 1 || bs.Counts[publish.StatusPending] != 1 {
		t.Fatalf("counts: %+v", bs.Counts)
	}
	if _, err := s.GetBatch(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing batch err = %v", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertJob(ctx, testJob("j1", publish.StatusPending)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx err = %v", err)
	}
	if _, err := s.GetJob(ctx, "j1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled-back job visible: %v", err)
	}
}

func TestListAndCount(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := testJob("a", publish.StatusPending)
	a.CreatedAt = time.Now().Add(-3 * time.Minute)
	b := testJob("b", publish.StatusFailed)
	b.CreatedAt = time.Now().Add(-2 * time.Minute)
	c := testJob("c", publish.StatusPending)
	c.BatchID = "b2"
	c.CreatedAt = time.Now().Add(-time.Minute)
	for _, j := range []*publish.Job{a, b, c} {
		createJob(t, s, j)
	}

	got, err := s.ListJobs(ctx, Filter{BatchID: "b1"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("batch filter order: %v", ids(got))
	}

	got, err = s.ListJobs(ctx, Filter{Statuses: []publish.Status{publish.StatusPending}})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("status filter order: %v", ids(got))
	}

	counts, err := s.CountByStatus(ctx, publish.KindPublish)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[publish.StatusPending] != 2 || counts[publish.StatusFailed] != 1 {
		t.Fatalf("counts: %+v", counts)
	}
}

func TestPruneTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertBatch(ctx, &publish.Batch{
			ID: "b1", Kind: publish.KindPublish, Strategy: "all_per_account",
			CreatedAt: now.Add(-60 * 24 * time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	stale := testJob("stale", publish.StatusFailed)
	stale.CompletedAt = now.Add(-45 * 24 * time.Hour)
	createJob(t, s, stale)

	recent := testJob("recent", publish.StatusSucceeded)
	recent.CompletedAt = now.Add(-time.Hour)
	createJob(t, s, recent)

	active := testJob("active", publish.StatusPending)
	createJob(t, s, active)

	n, err := s.PruneTerminal(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminal: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale survived: %v", err)
	}
	if _, err := s.GetJob(ctx, "recent"); err != nil {
		t.Fatalf("recent pruned: %v", err)
	}
	if _, err := s.GetJob(ctx, "active"); err != nil {
		t.Fatalf("active pruned: %v", err)
	}
}

func TestCancelMarkers(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	createJob(t, s, testJob("queued", publish.StatusPending))
	if err := s.CancelQueued(ctx, "queued", now); err != nil {
		t.Fatalf("CancelQueued: %v", err)
	}

	createJob(t, s, testJob("running", publish.StatusRunning))
	if err := s.CancelQueued(ctx, "running", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("CancelQueued on running err = %v, want ErrConflict", err)
	}
	if err := s.CancelRunning(ctx, "running", now); err != nil {
		t.Fatalf("CancelRunning: %v", err)
	}
	got, _ := s.GetJob(ctx, "running")
	if got.Status != publish.StatusCancelled || got.CompletedAt.IsZero() {
		t.Fatalf("cancelled state: %+v", got)
	}
}

func ids(jobs []*publish.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
