// Package runner is the execution boundary between the schedulers and
// the external publish collaborators. It owns exactly one attempt: it
// acquires the admission slot, marks the job running, invokes the
// executor, decodes the escalation taxonomy once, and persists the
// resulting transition synchronously before the worker moves on.
//
// The runner never decides queue placement; it reports a disposition
// and the owning scheduler acts on it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"pubmatrix/internal/eventbus"
	"pubmatrix/internal/limiter"
	"pubmatrix/internal/publish"
	"pubmatrix/internal/store"
	logx "pubmatrix/pkg/logx"
)

// ExecutorSource resolves the executor for a platform. The uploader
// registry satisfies it; tests supply stubs.
type ExecutorSource interface {
	Executor(platform string) (publish.Executor, error)
}

// Policy is the retry policy one attempt runs under. The scheduler
// snapshots it from config per attempt so hot reloads take effect.
type Policy struct {
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

func (p Policy) withDefaults() Policy {
	if p.RetryBase <= 0 {
		p.RetryBase = 30 * time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 15 * time.Minute
	}
	if p.RetryJitter < 0 {
		p.RetryJitter = 0
	}
	return p
}

// OutcomeKind is the disposition of one attempt.
type OutcomeKind int

const (
	// OutcomeSucceeded: job is terminal succeeded.
	OutcomeSucceeded OutcomeKind = iota
	// OutcomeRetry: retryable failure, persisted retry_pending;
	// Delay says how long until the job is eligible again.
	OutcomeRetry
	// OutcomeFailed: terminal failure (budget spent or hard condition).
	OutcomeFailed
	// OutcomeVerification: parked for human input; no retry consumed.
	OutcomeVerification
	// OutcomeDeferred: admission slot unavailable; the job was not
	// started and nothing was persisted. Requeue after a short delay.
	OutcomeDeferred
	// OutcomeDropped: the job stopped being runnable under us
	// (cancelled concurrently); nothing more to do.
	OutcomeDropped
)

// Outcome reports what one attempt did.
type Outcome struct {
	Kind  OutcomeKind
	Delay time.Duration
	Err   error
}

// Runner executes single attempts. Safe for concurrent use.
type Runner struct {
	store *store.Store
	lim   *limiter.Limiter
	execs ExecutorSource
	bus   eventbus.Bus
	log   logx.Logger
}

func New(st *store.Store, lim *limiter.Limiter, execs ExecutorSource, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{store: st, lim: lim, execs: execs, bus: bus, log: log}
}

// Run performs one attempt for job. It mutates job in place to mirror
// the persisted record (status, retry count, not-before, last error),
// so the caller can requeue the same value without a reload.
func (r *Runner) Run(ctx context.Context, job *publish.Job, pol Policy, rng *rand.Rand) Outcome {
	pol = pol.withDefaults()

	release, err := r.lim.Acquire(job.Kind, job.Platform, job.AccountID)
	if err != nil {
		if errors.Is(err, limiter.ErrLimitExceeded) {
			// Not a failure: the job never started. Invisible to the
			// caller per the admission contract.
			r.log.Debug("admission deferred",
				logx.String("job", job.ID),
				logx.String("platform", job.Platform),
				logx.String("account", job.AccountID))
			return Outcome{Kind: OutcomeDeferred, Err: err}
		}
		return Outcome{Kind: OutcomeDeferred, Err: err}
	}
	defer release()

	now := time.Now()
	if err := r.store.MarkRunning(ctx, job.ID, now); err != nil {
		// Conflict means the job settled under us (cancelled, or a
		// duplicate pop); either way this attempt must not run.
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return Outcome{Kind: OutcomeDropped, Err: err}
		}
		// Store trouble: leave the job queued and retry admission later.
		r.log.Error("mark running failed", logx.String("job", job.ID), logx.Err(err))
		return Outcome{Kind: OutcomeDeferred, Err: err}
	}
	job.Status = publish.StatusRunning
	if job.StartedAt.IsZero() {
		job.StartedAt = now
	}
	r.publish(eventbus.TopicJobStarted, job, "", "")

	// Platform pacing applies after winning a slot, immediately before
	// the executor call, so paced work does not hold a worker's turn
	// in the queue.
	if p := r.lim.Pacer(job.Platform); p != nil {
		if err := p.Wait(ctx); err != nil {
			return r.settle(ctx, job, pol, rng, fmt.Errorf("pacing interrupted: %w", err), time.Since(now))
		}
	}

	ex, err := r.execs.Executor(job.Platform)
	if err != nil {
		// Platforms are validated at submission; losing one mid-flight
		// means the config changed under us. Hard-fail rather than
		// retry into the same wall.
		return r.settle(ctx, job, pol, rng, publish.Terminal(err), time.Since(now))
	}

	execErr := r.execute(ctx, ex, job)
	return r.settle(ctx, job, pol, rng, execErr, time.Since(now))
}

// execute invokes the collaborator with panic containment. A panicking
// executor must cost one retry, not a worker.
func (r *Runner) execute(ctx context.Context, ex publish.Executor, job *publish.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
			r.log.Error("executor panicked",
				logx.String("job", job.ID),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return ex.Execute(ctx, job)
}

// settle decodes execErr exactly once and persists the transition.
// Store conflicts mean a force-cancel settled the record first.
func (r *Runner) settle(ctx context.Context, job *publish.Job, pol Policy, rng *rand.Rand, execErr error, took time.Duration) Outcome {
	now := time.Now()

	if execErr == nil {
		if err := r.store.MarkSucceeded(ctx, job.ID, now); err != nil {
			return r.conflictOutcome(job, err)
		}
		job.Status = publish.StatusSucceeded
		job.CompletedAt = now
		job.LastError = ""
		r.log.Info("publish succeeded",
			logx.String("job", job.ID),
			logx.String("platform", job.Platform),
			logx.String("account", job.AccountID),
			logx.Duration("took", took))
		r.publish(eventbus.TopicJobSucceeded, job, "", "")
		return Outcome{Kind: OutcomeSucceeded}
	}

	var ve publish.VerificationError
	if errors.As(execErr, &ve) {
		if err := r.store.MarkNeedsVerification(ctx, job.ID, ve.Reason(), ve.VerificationURL(), execErr.Error()); err != nil {
			return r.conflictOutcome(job, err)
		}
		job.Status = publish.StatusNeedsVerification
		job.Escalation = ve.Reason()
		job.VerificationURL = ve.VerificationURL()
		job.VerificationValue = ""
		job.LastError = execErr.Error()
		r.log.Warn("publish needs verification",
			logx.String("job", job.ID),
			logx.String("platform", job.Platform),
			logx.String("account", job.AccountID),
			logx.String("reason", ve.Reason()))
		r.publish(eventbus.TopicJobVerification, job, ve.Reason(), execErr.Error())
		return Outcome{Kind: OutcomeVerification, Err: execErr}
	}

	if publish.IsTerminal(execErr) {
		return r.fail(ctx, job, job.RetryCount, "terminal", execErr, now)
	}

	next := job.RetryCount + 1
	if next >= job.MaxRetries {
		return r.fail(ctx, job, next, "retries_exhausted", execErr, now)
	}

	delay := retryDelay(pol, next, execErr, rng)
	notBefore := now.Add(delay)
	if err := r.store.MarkRetryPending(ctx, job.ID, next, notBefore, execErr.Error()); err != nil {
		return r.conflictOutcome(job, err)
	}
	job.Status = publish.StatusRetryPending
	job.RetryCount = next
	job.NotBefore = notBefore
	job.LastError = execErr.Error()
	r.log.Warn("publish attempt failed; retry scheduled",
		logx.String("job", job.ID),
		logx.String("platform", job.Platform),
		logx.Int("retry", next),
		logx.Int("max", job.MaxRetries),
		logx.Duration("delay", delay),
		logx.Err(execErr))
	r.publish(eventbus.TopicJobRetry, job, "", execErr.Error())
	return Outcome{Kind: OutcomeRetry, Delay: delay, Err: execErr}
}

func (r *Runner) fail(ctx context.Context, job *publish.Job, retryCount int, escalation string, execErr error, now time.Time) Outcome {
	if err := r.store.MarkFailed(ctx, job.ID, retryCount, execErr.Error(), escalation, now); err != nil {
		return r.conflictOutcome(job, err)
	}
	job.Status = publish.StatusFailed
	job.RetryCount = retryCount
	job.Escalation = escalation
	job.LastError = execErr.Error()
	job.CompletedAt = now
	r.log.Error("publish failed",
		logx.String("job", job.ID),
		logx.String("platform", job.Platform),
		logx.String("account", job.AccountID),
		logx.String("escalation", escalation),
		logx.Err(execErr))
	r.publish(eventbus.TopicJobFailed, job, escalation, execErr.Error())
	return Outcome{Kind: OutcomeFailed, Err: execErr}
}

func (r *Runner) conflictOutcome(job *publish.Job, err error) Outcome {
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		r.log.Debug("transition lost to concurrent settle", logx.String("job", job.ID), logx.Err(err))
		return Outcome{Kind: OutcomeDropped, Err: err}
	}
	// Persistence failed with the job still marked running. Treat as
	// dropped: restart recovery will requeue it with an interruption
	// annotation, which is the honest account of what happened.
	r.log.Error("transition persist failed", logx.String("job", job.ID), logx.Err(err))
	return Outcome{Kind: OutcomeDropped, Err: err}
}

func (r *Runner) publish(topic string, job *publish.Job, reason, errMsg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: topic, Data: eventbus.JobData(job, reason, errMsg)})
}

// retryDelay computes the wait before attempt retry+1. An explicit
// RetryAfter hint from the destination wins over exponential backoff;
// both are jittered and capped by the policy.
func retryDelay(pol Policy, retry int, err error, rng *rand.Rand) time.Duration {
	var ra publish.RetryAfterError
	if errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		return jitterClamp(d, pol, rng)
	}

	d := pol.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= pol.RetryMaxDelay {
			d = pol.RetryMaxDelay
			break
		}
	}
	return jitterClamp(d, pol, rng)
}

func jitterClamp(d time.Duration, pol Policy, rng *rand.Rand) time.Duration {
	if pol.RetryJitter > 0 && d > 0 && rng != nil {
		f := (rng.Float64()*2 - 1) * pol.RetryJitter
		d = time.Duration(float64(d) * (1 + f))
	}
	if d < 0 {
		d = 0
	}
	if d > pol.RetryMaxDelay {
		d = pol.RetryMaxDelay
	}
	return d
}
