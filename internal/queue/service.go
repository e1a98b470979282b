// Package queue is the durable publish scheduler: it turns batch
// requests into persisted jobs, keeps the runnable set in memory
// (priority queue plus a delay queue), and drives a worker pool that
// executes attempts through the runner.
//
// Restart safety comes from the store: the in-memory queues are a cache
// rebuilt from persisted state at Start, never the source of truth.
package queue

import (
	"container/heap"
	"context"
	"errors"
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
	defaultWorkers             = 4
	defaultRetryMax            = 3
	defaultAdmissionRetryDelay = 2 * time.Second
	defaultAdmissionRetryMax   = 10
	maxAdmissionScale          = 8
	historySize                = 64
)

// Config is the scheduler's tunable surface. Zero fields take defaults.
type Config struct {
	Workers  int
	RetryMax int
	Retry    runner.Policy

	// AdmissionRetryDelay is the requeue delay after a limiter refusal;
	// AdmissionRetryMax is how many consecutive refusals are tolerated
	// before the delay is stretched.
	AdmissionRetryDelay time.Duration
	AdmissionRetryMax   int
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
	if c.AdmissionRetryMax <= 0 {
		c.AdmissionRetryMax = defaultAdmissionRetryMax
	}
	return c
}

// Stats counts jobs of this scheduler's kind by lifecycle state.
type Stats struct {
	Pending           int `json:"pending"`
	Running           int `json:"running"`
	RetryPending      int `json:"retry_pending"`
	NeedsVerification int `json:"needs_verification"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	Cancelled         int `json:"cancelled"`
}

func statsFromCounts(m map[publish.Status]int) Stats {
	return Stats{
		Pending:           m[publish.StatusPending],
		Running:           m[publish.StatusRunning],
		RetryPending:      m[publish.StatusRetryPending],
		NeedsVerification: m[publish.StatusNeedsVerification],
		Succeeded:         m[publish.StatusSucceeded],
		Failed:            m[publish.StatusFailed],
		Cancelled:         m[publish.StatusCancelled],
	}
}

// HistoryEntry is one recently settled attempt, kept in a small ring
// for diagnostics.
type HistoryEntry struct {
	JobID      string         `json:"job_id"`
	Platform   string         `json:"platform"`
	AccountID  string         `json:"account_id"`
	Status     publish.Status `json:"status"`
	Error      string         `json:"error,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Snapshot is the scheduler's live in-memory shape.
type Snapshot struct {
	Ready   int            `json:"ready"`
	Delayed int            `json:"delayed"`
	Running int            `json:"running"`
	Recent  []HistoryEntry `json:"recent,omitempty"`
}

// Service is the durable publish scheduler. One instance per process.
type Service struct {
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
	wake    chan struct{}
	seq     uint64

	ready     readyHeap
	delayed   delayedHeap
	queued    map[string]struct{}
	cancelled map[string]struct{}
	running   map[string]context.CancelFunc
	history   []HistoryEntry

	reqMu  sync.Mutex
	reqRNG *rand.Rand
}

// New wires the scheduler. execs is consulted at submission time so a
// batch naming an unconfigured platform is rejected up front.
func New(cfg Config, st *store.Store, guard *dedup.Guard, run *runner.Runner, execs runner.ExecutorSource, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:     st,
		guard:     guard,
		run:       run,
		execs:     execs,
		bus:       bus,
		log:       log.With(logx.String("component", "queue")),
		cfg:       cfg.withDefaults(),
		wake:      make(chan struct{}, 1),
		queued:    make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
		running:   make(map[string]context.CancelFunc),
		reqRNG:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start recovers persisted state and launches the worker pool.
// Idempotent: a second Start while running is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	workers := s.cfg.Workers
	s.mu.Unlock()

	now := time.Now()
	requeued, failed, err := s.store.RecoverInterrupted(ctx, publish.KindPublish, "interrupted by restart", now)
	if err != nil {
		return fmt.Errorf("queue: recover interrupted: %w", err)
	}
	if requeued > 0 || failed > 0 {
		s.log.Info("recovered interrupted jobs",
			logx.Int("requeued", requeued),
			logx.Int("failed", failed))
		s.publishEvent(eventbus.Event{
			Type: eventbus.TopicQueueRecovered,
			Data: eventbus.RecoveryEvent{Kind: string(publish.KindPublish), Requeued: requeued, Failed: failed},
		})
	}

	jobs, err := s.store.LoadRunnable(ctx, publish.KindPublish)
	if err != nil {
		return fmt.Errorf("queue: load runnable: %w", err)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	for _, j := range jobs {
		s.enqueueLocked(j, j.NotBefore)
	}
	s.spawnLocked(workers)
	s.mu.Unlock()

	s.log.Info("queue started",
		logx.Int("workers", workers),
		logx.Int("restored", len(jobs)))
	return nil
}

// Stop signals the pool and waits for in-flight attempts. If ctx
// expires first, running job contexts are cancelled so executors
// unwind; interrupted jobs are requeued by recovery on next Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	// A nil stopCh means Apply already signalled the pool for a
	// restart; it checks started again before respawning.
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("queue stopped")
		return nil
	case <-ctx.Done():
		s.cancelAllRunning()
		<-done
		s.log.Warn("queue stopped after cancelling in-flight jobs")
		return ctx.Err()
	}
}

// Apply installs new settings. A worker-count change restarts the pool;
// everything else takes effect on the next attempt.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	if !s.started || old.Workers == cfg.Workers {
		s.mu.Unlock()
		return
	}
	// Signal the pool under the same guard Stop uses: stopCh is nilled
	// as it is closed, so whichever of Apply/Stop runs second sees nil
	// and does not close twice.
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()

	s.log.Info("worker count changed; restarting pool",
		logx.Int("old", old.Workers),
		logx.Int("new", cfg.Workers))

	s.wg.Wait()

	s.mu.Lock()
	// Stop may have won the race while the pool drained; stay down.
	if s.started && s.stopCh == nil {
		s.stopCh = make(chan struct{})
		s.spawnLocked(s.cfg.Workers)
	}
	s.mu.Unlock()
}

func (s *Service) spawnLocked(n int) {
	stopCh := s.stopCh
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.worker(i, stopCh)
	}
}

func (s *Service) cancelAllRunning() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.running))
	for _, c := range s.running {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// CreateBatch validates the request, plans assignments and timing,
// persists the surviving jobs in one transaction (dedup checks run
// inside it) and enqueues them. Per-job failures after this point are
// observable only through the query APIs.
func (s *Service) CreateBatch(ctx context.Context, req publish.BatchRequest) (*publish.BatchSummary, error) {
	strategy, err := plan.ParseStrategy(req.Strategy)
	if err != nil {
		return nil, err
	}
	pick, err := plan.ParsePickMode(req.PickMode)
	if err != nil {
		return nil, err
	}
	mode, err := plan.ParseMode(req.IntervalMode)
	if err != nil {
		return nil, err
	}
	for _, a := range req.Accounts {
		if _, err := s.execs.Executor(a.Platform); err != nil {
			return nil, fmt.Errorf("queue: account %s: %w", a.ID, err)
		}
	}

	rng := s.requestRNG(req.Seed)
	assigns, err := plan.Assign(req.Contents, req.Accounts, strategy, pick, rng)
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
	candidates := make([]*publish.Job, len(assigns))
	for i, a := range assigns {
		content := req.Contents[a.ContentIndex]
		notBefore := times[i]
		if notBefore.IsZero() && !req.ScheduledAt.IsZero() {
			notBefore = req.ScheduledAt
		}
		candidates[i] = &publish.Job{
			ID:             uuid.NewString(),
			BatchID:        batchID,
			Kind:           publish.KindPublish,
			Platform:       a.Platform,
			AccountID:      a.AccountID,
			ContentID:      a.ContentID,
			Payload:        content.Merged(req.Overrides[a.Platform]),
			Priority:       req.Priority,
			NotBefore:      notBefore,
			Status:         publish.StatusPending,
			MaxRetries:     maxRetries,
			AllowDuplicate: req.AllowDuplicate,
			CreatedAt:      now,
		}
	}

	var created []*publish.Job
	var skipped []publish.SkippedItem
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		created = created[:0]
		skipped = skipped[:0]
		for _, j := range candidates {
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
			Kind:      publish.KindPublish,
			Strategy:  string(strategy),
			Total:     len(created),
			Skipped:   len(skipped),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("queue: create batch: %w", err)
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
		s.enqueueLocked(j.Clone(), j.NotBefore)
	}
	s.mu.Unlock()
	s.signalWake()

	s.publishEvent(eventbus.Event{
		Type: eventbus.TopicBatchCreated,
		Data: eventbus.BatchEvent{BatchID: batchID, Kind: string(publish.KindPublish), Total: len(created), Skipped: len(skipped)},
	})
	for _, j := range created {
		s.publishEvent(eventbus.Event{Type: eventbus.TopicJobCreated, Data: eventbus.JobData(j, "", "")})
	}
	for i := range skipped {
		s.publishEvent(eventbus.Event{Type: eventbus.TopicJobSkipped, Data: skipped[i]})
	}

	s.log.Info("batch created",
		logx.String("batch", batchID),
		logx.String("strategy", string(strategy)),
		logx.Int("created", len(created)),
		logx.Int("skipped", len(skipped)))
	return summary, nil
}

func (s *Service) requestRNG(seed int64) *rand.Rand {
	if seed != 0 {
		return rand.New(rand.NewSource(seed))
	}
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return rand.New(rand.NewSource(s.reqRNG.Int63()))
}

// GetJob returns one job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*publish.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListJobs returns jobs matching the filter.
func (s *Service) ListJobs(ctx context.Context, f store.Filter) ([]*publish.Job, error) {
	return s.store.ListJobs(ctx, f)
}

// GetBatch returns a batch with live per-status counters.
func (s *Service) GetBatch(ctx context.Context, id string) (*publish.BatchStatus, error) {
	return s.store.GetBatch(ctx, id)
}

// QueueStats counts publish jobs by lifecycle state.
func (s *Service) QueueStats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx, publish.KindPublish)
	if err != nil {
		return Stats{}, err
	}
	return statsFromCounts(counts), nil
}

// Snapshot reports the in-memory queue shape and recent settlements.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	recent := make([]HistoryEntry, len(s.history))
	copy(recent, s.history)
	return Snapshot{
		Ready:   len(s.ready),
		Delayed: len(s.delayed),
		Running: len(s.running),
		Recent:  recent,
	}
}

// CancelJob cancels a queued job. A running job is only cancelled when
// force is set: its record settles as cancelled and the in-flight
// executor context is cancelled; the attempt's own settle then loses
// the conflict and is discarded.
func (s *Service) CancelJob(ctx context.Context, id string, force bool) error {
	now := time.Now()

	err := s.store.CancelQueued(ctx, id, now)
	if err == nil {
		s.mu.Lock()
		if _, ok := s.queued[id]; ok {
			s.cancelled[id] = struct{}{}
		}
		s.mu.Unlock()
		s.publishCancelled(ctx, id, "cancelled")
		return nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return err
	}

	if !force {
		return fmt.Errorf("queue: job %s is not in a cancellable state (use force for running jobs): %w", id, store.ErrConflict)
	}
	if err := s.store.CancelRunning(ctx, id, now); err != nil {
		return err
	}
	s.mu.Lock()
	cancel := s.running[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.publishCancelled(ctx, id, "force_cancelled")
	return nil
}

func (s *Service) publishCancelled(ctx context.Context, id, reason string) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return
	}
	s.log.Info("job cancelled", logx.String("job", id), logx.String("reason", reason))
	s.publishEvent(eventbus.Event{Type: eventbus.TopicJobCancelled, Data: eventbus.JobData(job, reason, "")})
}

// SubmitVerificationInput stores the operator-provided value for a
// parked job and puts it back in line at the front of its priority. The
// retry count is untouched: verification never consumes the budget.
func (s *Service) SubmitVerificationInput(ctx context.Context, id, value string) error {
	if err := s.store.SetVerificationValue(ctx, id, value); err != nil {
		return err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.enqueueLocked(job, time.Time{})
	s.mu.Unlock()
	s.signalWake()
	s.log.Info("verification input accepted", logx.String("job", id))
	return nil
}

// enqueueLocked adds a job to the in-memory queue; callers hold s.mu.
// A job already queued or running is left alone.
func (s *Service) enqueueLocked(j *publish.Job, eligibleAt time.Time) {
	if _, ok := s.queued[j.ID]; ok {
		return
	}
	if _, ok := s.running[j.ID]; ok {
		return
	}
	s.queued[j.ID] = struct{}{}
	s.seq++
	it := &item{job: j, eligibleAt: eligibleAt, seq: s.seq, admissionScale: 1}
	if !eligibleAt.IsZero() && eligibleAt.After(time.Now()) {
		heap.Push(&s.delayed, it)
		return
	}
	heap.Push(&s.ready, it)
}

// requeue puts an attempted item back with a new eligibility time.
func (s *Service) requeue(it *item, eligibleAt time.Time) {
	s.mu.Lock()
	it.eligibleAt = eligibleAt
	s.seq++
	it.seq = s.seq
	if !eligibleAt.IsZero() && eligibleAt.After(time.Now()) {
		heap.Push(&s.delayed, it)
	} else {
		heap.Push(&s.ready, it)
	}
	s.mu.Unlock()
	s.signalWake()
}

func (s *Service) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publishEvent(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func (s *Service) recordHistory(j *publish.Job) {
	entry := HistoryEntry{
		JobID:      j.ID,
		Platform:   j.Platform,
		AccountID:  j.AccountID,
		Status:     j.Status,
		Error:      j.LastError,
		FinishedAt: time.Now(),
	}
	s.mu.Lock()
	s.history = append(s.history, entry)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.mu.Unlock()
}
