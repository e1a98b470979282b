// Package matrix is the cross-product scheduler: one submission fans a
// content list out over every account in the request, and a small fixed
// worker pool drains the result in FIFO order.
//
// It shares the store, dedup guard and runner with the publish queue
// but keeps its own, much simpler in-memory state: two FIFO slices,
// retried work ahead of fresh work, scanned for the first eligible
// entry. Matrix batches are short-lived bursts; they do not need
// priorities or a delay heap.
package matrix

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"pubmatrix/internal/dedup"
	"pubmatrix/internal/eventbus"
	"pubmatrix/internal/plan"
	"pubmatrix/internal/publish"
	"pubmatrix/internal/runner"
	"pubmatrix/internal/store"
	logx "pubmatrix/pkg/logx"
)

const (
	defaultWorkers             = 2
	defaultRetryMax            = 3
	defaultAdmissionRetryDelay = 2 * time.Second
	pollInterval               = 250 * time.Millisecond
)

// Config tunes the scheduler. Worker count is fixed for the lifetime of
// a Start; other fields apply to the next attempt.
type Config struct {
	Workers  int
	RetryMax int
	Retry    runner.Policy

	AdmissionRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.AdmissionRetryDelay <= 0 {
		c.AdmissionRetryDelay = defaultAdmissionRetryDelay
	}
	return c
}

type entry struct {
	job        *publish.Job
	eligibleAt time.Time
	deferrals  int
}

// Scheduler drains matrix jobs. One instance per process.
type Scheduler struct {
	store *store.Store
	guard *dedup.Guard
	run   *runner.Runner
	execs runner.ExecutorSource
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	pending []*entry
	retries []*entry
	queued  map[string]struct{}
	rng     *rand.Rand
}

func New(cfg Config, st *store.Store, guard *dedup.Guard, run *runner.Runner, execs runner.ExecutorSource, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store:  st,
		guard:  guard,
		run:    run,
		execs:  execs,
		bus:    bus,
		log:    log.With(logx.String("component", "matrix")),
		cfg:    cfg.withDefaults(),
		queued: make(map[string]struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start recovers persisted matrix jobs and launches the pool.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	workers := s.cfg.Workers
	s.mu.Unlock()

	now := time.Now()
	requeued, failed, err := s.store.RecoverInterrupted(ctx, publish.KindMatrix, "interrupted by restart", now)
	if err != nil {
		return fmt.Errorf("matrix: recover interrupted: %w", err)
	}
	if requeued > 0 || failed > 0 {
		s.log.Info("recovered interrupted jobs",
			logx.Int("requeued", requeued),
			logx.Int("failed", failed))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TopicQueueRecovered,
				Data: eventbus.RecoveryEvent{Kind: string(publish.KindMatrix), Requeued: requeued, Failed: failed},
			})
		}
	}

	jobs, err := s.store.LoadRunnable(ctx, publish.KindMatrix)
	if err != nil {
		return fmt.Errorf("matrix: load runnable: %w", err)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	for _, j := range jobs {
		s.pushLocked(j, j.NotBefore)
	}
	stopCh := s.stopCh
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(stopCh)
	}
	s.mu.Unlock()

	s.log.Info("matrix scheduler started",
		logx.Int("workers", workers),
		logx.Int("restored", len(jobs)))
	return nil
}

// Stop signals the pool and waits for in-flight attempts or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("matrix scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply installs new settings. Worker count changes take effect on the
// next Start; matrix pools are small and restarts are cheap.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Submit fans the request's contents out across all of its accounts
// (the assignment strategy is fixed to the cross product) and persists
// the surviving jobs. Interval spreading works the same way as in the
// publish queue.
func (s *Scheduler) Submit(ctx context.Context, req publish.BatchRequest) (*publish.BatchSummary, error) {
	mode, err := plan.ParseMode(req.IntervalMode)
	if err != nil {
		return nil, err
	}
	for _, a := range req.Accounts {
		if _, err := s.execs.Executor(a.Platform); err != nil {
			return nil, fmt.Errorf("matrix: account %s: %w", a.ID, err)
		}
	}

	var rng *rand.Rand
	if req.Seed != 0 {
		rng = rand.New(rand.NewSource(req.Seed))
	} else {
		s.mu.Lock()
		rng = rand.New(rand.NewSource(s.rng.Int63()))
		s.mu.Unlock()
	}

	assigns, err := plan.Assign(req.Contents, req.Accounts, plan.StrategyAllPerAccount, plan.PickSequential, rng)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	anchor := req.ScheduledAt
	if anchor.IsZero() {
		anchor = now
	}
	times, err := plan.Times(assigns, len(req.Accounts), plan.Timing{
		Enabled:  req.IntervalEnabled,
		Mode:     mode,
		Interval: req.Interval,
		Jitter:   req.Jitter,
		Anchor:   anchor,
	}, rng)
	if err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		s.mu.Lock()
		maxRetries = s.cfg.RetryMax
		s.mu.Unlock()
	}

	batchID := uuid.NewString()
	var created []*publish.Job
	var skipped []publish.SkippedItem
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		created = created[:0]
		skipped = skipped[:0]
		for i, a := range assigns {
			notBefore := times[i]
			if notBefore.IsZero() && !req.ScheduledAt.IsZero() {
				notBefore = req.ScheduledAt
			}
			j := &publish.Job{
				ID:             uuid.NewString(),
				BatchID:        batchID,
				Kind:           publish.KindMatrix,
				Platform:       a.Platform,
				AccountID:      a.AccountID,
				ContentID:      a.ContentID,
				Payload:        req.Contents[a.ContentIndex].Merged(req.Overrides[a.Platform]),
				NotBefore:      notBefore,
				Status:         publish.StatusPending,
				MaxRetries:     maxRetries,
				AllowDuplicate: req.AllowDuplicate,
				CreatedAt:      now,
			}
			veto, err := s.guard.Check(ctx, tx, j, now)
			if err != nil {
				return err
			}
			if veto != nil {
				skipped = append(skipped, publish.SkippedItem{
					ContentID:     j.ContentID,
					AccountID:     j.AccountID,
					Platform:      j.Platform,
					Reason:        veto.Reason,
					ExistingJobID: veto.ExistingJobID,
					CompletedAt:   veto.CompletedAt,
				})
				continue
			}
			if err := tx.InsertJob(ctx, j); err != nil {
				return err
			}
			created = append(created, j)
		}
		return tx.InsertBatch(ctx, &publish.Batch{
			ID:        batchID,
			Kind:      publish.KindMatrix,
			Strategy:  string(plan.StrategyAllPerAccount),
			Total:     len(created),
			Skipped:   len(skipped),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("matrix: submit: %w", err)
	}

	summary := &publish.BatchSummary{
		BatchID:       batchID,
		Total:         len(created),
		CreatedJobIDs: make([]string, 0, len(created)),
		Skipped:       skipped,
	}
	s.mu.Lock()
	for _, j := range created {
		summary.CreatedJobIDs = append(summary.CreatedJobIDs, j.ID)
		s.pushLocked(j.Clone(), j.NotBefore)
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TopicBatchCreated,
			Data: eventbus.BatchEvent{BatchID: batchID, Kind: string(publish.KindMatrix), Total: len(created), Skipped: len(skipped)},
		})
		for _, j := range created {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicJobCreated, Data: eventbus.JobData(j, "", "")})
		}
	}

	s.log.Info("matrix batch created",
		logx.String("batch", batchID),
		logx.Int("created", len(created)),
		logx.Int("skipped", len(skipped)))
	return summary, nil
}

// Stats counts matrix jobs by lifecycle state.
func (s *Scheduler) Stats(ctx context.Context) (map[publish.Status]int, error) {
	return s.store.CountByStatus(ctx, publish.KindMatrix)
}

// SubmitVerificationInput stores operator input for a parked matrix job
// and puts it back in line.
func (s *Scheduler) SubmitVerificationInput(ctx context.Context, id, value string) error {
	if err := s.store.SetVerificationValue(ctx, id, value); err != nil {
		return err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pushLocked(job, time.Time{})
	s.mu.Unlock()
	return nil
}

// Cancel cancels a queued matrix job. Running matrix jobs are left to
// finish; the pool is small enough that force-cancel was never needed.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.store.CancelQueued(ctx, id, time.Now()); err != nil {
		return err
	}
	s.mu.Lock()
drop:
	for _, q := range []*[]*entry{&s.retries, &s.pending} {
		for i, e := range *q {
			if e.job.ID == id {
				*q = append((*q)[:i], (*q)[i+1:]...)
				delete(s.queued, id)
				break drop
			}
		}
	}
	s.mu.Unlock()
	if job, err := s.store.GetJob(ctx, id); err == nil && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicJobCancelled, Data: eventbus.JobData(job, "cancelled", "")})
	}
	return nil
}

// pushLocked appends a job unless it is already tracked; callers hold s.mu.
func (s *Scheduler) pushLocked(j *publish.Job, eligibleAt time.Time) {
	if _, ok := s.queued[j.ID]; ok {
		return
	}
	s.queued[j.ID] = struct{}{}
	s.routeLocked(&entry{job: j, eligibleAt: eligibleAt})
}

// routeLocked appends an entry to its queue: previously attempted work
// (retry_pending, needs_verification) goes to the retry FIFO, which
// drains before fresh pending jobs. Callers hold s.mu.
func (s *Scheduler) routeLocked(e *entry) {
	switch e.job.Status {
	case publish.StatusRetryPending, publish.StatusNeedsVerification:
		s.retries = append(s.retries, e)
	default:
		s.pending = append(s.pending, e)
	}
}

// popEligible removes and returns the first entry whose time has come,
// retry FIFO first.
func (s *Scheduler) popEligible(now time.Time) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range []*[]*entry{&s.retries, &s.pending} {
		for i, e := range *q {
			if e.eligibleAt.IsZero() || !e.eligibleAt.After(now) {
				*q = append((*q)[:i], (*q)[i+1:]...)
				return e
			}
		}
	}
	return nil
}

func (s *Scheduler) worker(stopCh <-chan struct{}) {
	defer s.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		e := s.popEligible(time.Now())
		if e == nil {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
			}
			continue
		}

		select {
		case <-stopCh:
			// Put it back; the next Start reloads from the store anyway.
			s.mu.Lock()
			s.routeLocked(e)
			s.mu.Unlock()
			return
		default:
		}

		s.mu.Lock()
		pol := s.cfg.Retry
		admDelay := s.cfg.AdmissionRetryDelay
		s.mu.Unlock()

		out := s.run.Run(context.Background(), e.job, pol, rng)
		switch out.Kind {
		case runner.OutcomeDeferred:
			e.deferrals++
			s.mu.Lock()
			e.eligibleAt = time.Now().Add(admDelay)
			s.routeLocked(e)
			s.mu.Unlock()
		case runner.OutcomeRetry:
			e.deferrals = 0
			s.mu.Lock()
			e.eligibleAt = e.job.NotBefore
			s.routeLocked(e)
			s.mu.Unlock()
		default:
			// Settled or parked: drop from memory.
			s.mu.Lock()
			delete(s.queued, e.job.ID)
			s.mu.Unlock()
		}
	}
}
