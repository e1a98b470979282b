package matrix

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pubmatrix/internal/dedup"
	"pubmatrix/internal/eventbus"
	"pubmatrix/internal/limiter"
	"pubmatrix/internal/publish"
	"pubmatrix/internal/runner"
	"pubmatrix/internal/store"
	logx "pubmatrix/pkg/logx"
)

type stubSource struct {
	fn publish.ExecutorFunc
}

func (s stubSource) Executor(string) (publish.Executor, error) { return s.fn, nil }

func newScheduler(t *testing.T, fn publish.ExecutorFunc) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	src := stubSource{fn: fn}
	guard := dedup.New(dedup.Windows{Pending: time.Hour}, logx.Nop())
	run := runner.New(st, limiter.New(limiter.Config{}), src, eventbus.New(), logx.Nop())
	cfg := Config{
		Workers:             2,
		Retry:               runner.Policy{RetryBase: 10 * time.Millisecond, RetryMaxDelay: 50 * time.Millisecond},
		AdmissionRetryDelay: 10 * time.Millisecond,
	}
	return New(cfg, st, guard, run, src, eventbus.New(), logx.Nop()), st
}

func request(contents, accounts int) publish.BatchRequest {
	req := publish.BatchRequest{}
	for i := 0; i < contents; i++ {
		req.Contents = append(req.Contents, publish.ContentItem{
			ID:    "vid-" + string(rune('a'+i)),
			Title: "video",
		})
	}
	for i := 0; i < accounts; i++ {
		req.Accounts = append(req.Accounts, publish.Account{
			ID:       "acct-" + string(rune('a'+i)),
			Platform: "xiaohongshu",
		})
	}
	return req
}

func TestSubmitFansOutCrossProduct(t *testing.T) {
	t.Parallel()
	s, st := newScheduler(t, func(ctx context.Context, j *publish.Job) error { return nil })
	ctx := context.Background()

	sum, err := s.Submit(ctx, request(2, 3))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sum.Total != 6 || len(sum.CreatedJobIDs) != 6 {
		t.Fatalf("summary = %+v", sum)
	}
	jobs, err := st.ListJobs(ctx, store.Filter{BatchID: sum.BatchID})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	for _, j := range jobs {
		if j.Kind != publish.KindMatrix {
			t.Fatalf("job kind = %s", j.Kind)
		}
	}
}

func TestSchedulerDrainsToCompletion(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	seen := map[string]int{}
	s, _ := newScheduler(t, func(ctx context.Context, j *publish.Job) error {
		mu.Lock()
		seen[j.AccountID+"/"+j.ContentID]++
		mu.Unlock()
		return nil
	})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(c)
	})

	sum, err := s.Submit(ctx, request(2, 2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if counts[publish.StatusSucceeded] == sum.Total {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	counts, _ := s.Stats(ctx)
	if counts[publish.StatusSucceeded] != sum.Total {
		t.Fatalf("counts = %+v, want %d succeeded", counts, sum.Total)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("distinct pairs = %d, want 4", len(seen))
	}
	for pair, n := range seen {
		if n != 1 {
			t.Fatalf("pair %s executed %d times", pair, n)
		}
	}
}

func TestSubmitSkipsDuplicates(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t, func(ctx context.Context, j *publish.Job) error { return nil })
	ctx := context.Background()

	if _, err := s.Submit(ctx, request(1, 1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sum, err := s.Submit(ctx, request(1, 1))
	if err != nil {
		t.Fatalf("Submit (resubmit): %v", err)
	}
	if sum.Total != 0 || len(sum.Skipped) != 1 || sum.Skipped[0].Reason != dedup.ReasonDuplicatePending {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestCancelQueuedMatrixJob(t *testing.T) {
	t.Parallel()
	s, st := newScheduler(t, func(ctx context.Context, j *publish.Job) error { return nil })
	ctx := context.Background()

	sum, err := s.Submit(ctx, request(1, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id := sum.CreatedJobIDs[0]
	if err := s.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != publish.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if err := s.Cancel(ctx, id); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second cancel err = %v, want ErrConflict", err)
	}
}

func TestStartRestoresPersistedJobs(t *testing.T) {
	t.Parallel()
	s, st := newScheduler(t, func(ctx context.Context, j *publish.Job) error { return nil })
	ctx := context.Background()

	// Submitted by a previous process: present in the store, unknown to
	// this scheduler's memory.
	sum, err := s.Submit(ctx, request(1, 2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s.mu.Lock()
	s.pending, s.retries = nil, nil
	s.queued = map[string]struct{}{}
	s.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(c)
	})

	for _, id := range sum.CreatedJobIDs {
		deadline := time.Now().Add(5 * time.Second)
		for {
			j, err := st.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if j.Status == publish.StatusSucceeded {
				break
			}
			if !time.Now().Before(deadline) {
				t.Fatalf("job %s stuck in %s", id, j.Status)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestPopEligiblePrefersRetriedWork(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t, func(ctx context.Context, j *publish.Job) error { return nil })

	s.mu.Lock()
	s.pushLocked(&publish.Job{ID: "fresh", Kind: publish.KindMatrix, Status: publish.StatusPending}, time.Time{})
	s.pushLocked(&publish.Job{ID: "retry", Kind: publish.KindMatrix, Status: publish.StatusRetryPending}, time.Time{})
	s.mu.Unlock()

	if e := s.popEligible(time.Now()); e == nil || e.job.ID != "retry" {
		t.Fatalf("first pop = %v, want retry", e)
	}
	if e := s.popEligible(time.Now()); e == nil || e.job.ID != "fresh" {
		t.Fatalf("second pop = %v, want fresh", e)
	}
}
