package runner

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"pubmatrix/internal/eventbus"
	"pubmatrix/internal/limiter"
	"pubmatrix/internal/publish"
	"pubmatrix/internal/store"
	logx "pubmatrix/pkg/logx"
)

type stubSource struct {
	fn  publish.ExecutorFunc
	err error
}

func (s stubSource) Executor(string) (publish.Executor, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.fn, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedJob(t *testing.T, s *store.Store, j *publish.Job) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertJob(context.Background(), j)
	})
	if err != nil {
		t.Fatalf("InsertJob(%s): %v", j.ID, err)
	}
}

func pendingJob(id string) *publish.Job {
	return &publish.Job{
		ID:         id,
		BatchID:    "b1",
		Kind:       publish.KindPublish,
		Platform:   "douyin",
		AccountID:  "acct-1",
		ContentID:  "vid-1",
		Payload:    publish.Payload{Title: "upload"},
		Status:     publish.StatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

func newRunner(st *store.Store, src ExecutorSource, lim *limiter.Limiter) *Runner {
	if lim == nil {
		lim = limiter.New(limiter.Config{})
	}
	return New(st, lim, src, eventbus.New(), logx.Nop())
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := pendingJob("j1")
	seedJob(t, st, job)

	r := newRunner(st, stubSource{fn: func(ctx context.Context, j *publish.Job) error {
		return nil
	}}, nil)

	out := r.Run(context.Background(), job, Policy{}, rand.New(rand.NewSource(1)))
	if out.Kind != OutcomeSucceeded {
		t.Fatalf("Kind = %v, want OutcomeSucceeded (err=%v)", out.Kind, out.Err)
	}
	if job.Status != publish.StatusSucceeded {
		t.Fatalf("in-memory status = %s", job.Status)
	}
	got, err := st.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != publish.StatusSucceeded || got.CompletedAt.IsZero() {
		t.Fatalf("persisted = %+v", got)
	}
}

func TestRunRetryableSchedulesRetry(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := pendingJob("j1")
	seedJob(t, st, job)

	r := newRunner(st, stubSource{fn: func(ctx context.Context, j *publish.Job) error {
		return errors.New("connection reset")
	}}, nil)

	before := time.Now()
	out := r.Run(context.Background(), job, Policy{RetryBase: time.Minute, RetryMaxDelay: time.Hour}, nil)
	if out.Kind != OutcomeRetry {
		t.Fatalf("Kind = %v, want OutcomeRetry", out.Kind)
	}
	if out.Delay != time.Minute {
		t.Fatalf("Delay = %v, want 1m", out.Delay)
	}
	if job.RetryCount != 1 || job.Status != publish.StatusRetryPending {
		t.Fatalf("in-memory job = %+v", job)
	}
	got, err := st.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != publish.StatusRetryPending || got.RetryCount != 1 {
		t.Fatalf("persisted = %+v", got)
	}
	if got.NotBefore.Before(before.Add(50 * time.Second)) {
		t.Fatalf("NotBefore too early: %v", got.NotBefore)
	}
}

func TestRunRetryAfterHintWins(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := pendingJob("j1")
	seedJob(t, st, job)

	r := newRunner(st, stubSource{fn: func(ctx context.Context, j *publish.Job) error {
		return publish.RetryAfter(errors.New("slow down"), 5*time.Minute)
	}}, nil)

	out := r.Run(context.Background(), job, Policy{RetryBase: time.Second, RetryMaxDelay: time.Hour}, nil)
	if out.Kind != OutcomeRetry {
		t.Fatalf("Kind = %v, want OutcomeRetry", out.Kind)
	}
	if out.Delay != 5*time.Minute {
		t.Fatalf("Delay = %v, want 5m", out.Delay)
	}
}

func TestRunTerminalFailsImmediately(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := pendingJob("j1")
	seedJob(t, st, job)

	r := newRunner(st, stubSource{fn: func(ctx context.Context, j *publish.Job) error {
		return publish.Terminal(errors.New("account banned"))
	}}, nil)

	out := r.Run(context.Background(), job, Policy{}, nil)
	if out.Kind != OutcomeFailed {
		t.Fatalf("Kind = %v, want OutcomeFailed", out.Kind)
	}
	got, _ := st.GetJob(context.Background(), "j1")
	if got.Status != publish.StatusFailed || got.Escalation != "terminal" {
		t.Fatalf("persisted = %+v", got)
	}
	if got.RetryCount != 0 {
		t.Fatalf("terminal failure consumed retries: %d", got.RetryCount)
	}
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := pendingJob("j1")
	job.Status = publish.StatusRetryPending
	job.RetryCount = 2 // next attempt is the last of MaxRetries=3
	seedJob(t, st, job)

	r := newRunner(st, stubSource{fn: func(ctx context.Context, j *publish.Job) error {
		return errors.New("still broken")
	}}, nil)

	out := r.Run(context.Background(), job, Policy{}, nil)
	if out.Kind != OutcomeFailed {
		t.Fatalf("Kind = %v, want OutcomeFailed", out.Kind)
	}
	got, _ := st.GetJob(context.Background(), "j1")
	if got.Status != publish.StatusFailed || got.Escalation != "retries_exhausted" || got.RetryCount != 3 {
		t.Fatalf("persisted = %+v", got)
	}
}

func TestRunVerificationParksWithoutRetry(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := pendingJob("j1")
	seedJob(t, st, job)

	r := newRunner(st, stubSource{fn: func(ctx context.Context, j *publish.Job) error {
		return publish.NeedsVerification(errors.New("sms code required"), "enter the SMS code", "https://x.example/verify")
	}}, nil)

	out := r.Run(context.Background(), job, Policy{}, nil)
	if out.Kind != OutcomeVerification {
		t.Fatalf("Kind = %v, want OutcomeVerification", out.Kind)
	}
	got, _ := st.GetJob(context.Background(), "j1")
	if got.Status != publish.StatusNeedsVerification {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Escalation != "enter the SMS code" || got.VerificationURL != "https://x.example/verify" {
		t.Fatalf("escalation = %q url = %q", got.Escalation, got.VerificationURL)
	}
	if got.RetryCount != 0 {
		t.Fatalf("verification consumed a retry: %d", got.RetryCount)
	}
}

func TestRunDeferredWhenSaturated(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := pendingJob("j1")
	seedJob(t, st, job)

	lim := limiter.New(limiter.Config{Default: limiter.PlatformLimit{MaxConcurrent: 1}})
	hold, err := lim.Acquire(publish.KindPublish, "douyin", "acct-other")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer hold()

	called := false
	r := newRunner(st, stubSource{fn: func(ctx context.Context, j *publish.Job) error {
		called = true
		return nil
	}}, lim)

	out := r.Run(context.Background(), job, Policy{}, nil)
	if out.Kind != OutcomeDeferred {
		t.Fatalf("Kind = %v, want OutcomeDeferred", out.Kind)
	}
	if called {
		t.Fatal("executor ran despite deferral")
	}
	got, _ := st.GetJob(context.Background(), "j1")
	if got.Status != publish.StatusPending || got.RetryCount != 0 {
		t.Fatalf("deferral must leave the record untouched: %+v", got)
	}
}

func TestRunDroppedWhenCancelledUnderneath(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := pendingJob("j1")
	seedJob(t, st, job)
	if err := st.CancelQueued(context.Background(), "j1", time.Now()); err != nil {
		t.Fatalf("CancelQueued: %v", err)
	}

	r := newRunner(st, stubSource{fn: func(ctx context.Context, j *publish.Job) error {
		t.Fatal("executor must not run for cancelled job")
		return nil
	}}, nil)

	out := r.Run(context.Background(), job, Policy{}, nil)
	if out.Kind != OutcomeDropped {
		t.Fatalf("Kind = %v, want OutcomeDropped", out.Kind)
	}
}

func TestRunPanicCostsOneRetry(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	job := pendingJob("j1")
	seedJob(t, st, job)

	r := newRunner(st, stubSource{fn: func(ctx context.Context, j *publish.Job) error {
		panic("uploader bug")
	}}, nil)

	out := r.Run(context.Background(), job, Policy{}, nil)
	if out.Kind != OutcomeRetry {
		t.Fatalf("Kind = %v, want OutcomeRetry", out.Kind)
	}
	got, _ := st.GetJob(context.Background(), "j1")
	if got.Status != publish.StatusRetryPending || got.RetryCount != 1 {
		t.Fatalf("persisted = %+v", got)
	}
}

func TestRetryDelayBackoffAndCap(t *testing.T) {
	t.Parallel()
	pol := Policy{RetryBase: time.Minute, RetryMaxDelay: 5 * time.Minute}.withDefaults()
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{9, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := retryDelay(pol, tc.retry, errors.New("x"), nil); got != tc.want {
			t.Errorf("retryDelay(retry=%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestRetryDelayJitterBounds(t *testing.T) {
	t.Parallel()
	pol := Policy{RetryBase: time.Minute, RetryMaxDelay: time.Hour, RetryJitter: 0.5}.withDefaults()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		d := retryDelay(pol, 1, errors.New("x"), rng)
		if d < 30*time.Second || d > 90*time.Second {
			t.Fatalf("jittered delay out of bounds: %v", d)
		}
	}
}
