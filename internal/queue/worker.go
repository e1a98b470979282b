package queue

import (
	"container/heap"
	"context"
	"math/rand"
	"time"

	"pubmatrix/internal/runner"
	logx "pubmatrix/pkg/logx"
)

// pollInterval bounds how long an idle worker sleeps between queue
// checks, so delayed jobs become eligible without a dedicated timer
// per job.
const pollInterval = 500 * time.Millisecond

func (s *Service) worker(id int, stopCh <-chan struct{}) {
	defer s.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(id)+1)<<32))
	log := s.log.With(logx.Int("worker", id))
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		it, wait := s.next(time.Now())
		if it == nil {
			timer := time.NewTimer(wait)
			select {
			case <-stopCh:
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		s.runItem(it, rng)
	}
}

// next promotes due delayed items and pops the best ready one, skipping
// anything cancelled while it waited. When nothing is runnable it
// returns how long to sleep before checking again.
func (s *Service) next(now time.Time) (*item, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.delayed) > 0 && !s.delayed[0].eligibleAt.After(now) {
		heap.Push(&s.ready, heap.Pop(&s.delayed))
	}

	for len(s.ready) > 0 {
		it := heap.Pop(&s.ready).(*item)
		if _, gone := s.cancelled[it.job.ID]; gone {
			delete(s.cancelled, it.job.ID)
			delete(s.queued, it.job.ID)
			continue
		}
		return it, 0
	}

	wait := pollInterval
	if len(s.delayed) > 0 {
		if d := s.delayed[0].eligibleAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return nil, wait
}

// runItem executes one attempt and acts on the disposition. The item
// stays in the queued set while running so a duplicate enqueue of the
// same job id is impossible.
func (s *Service) runItem(it *item, rng *rand.Rand) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.running[it.job.ID] = cancel
	pol := s.cfg.Retry
	admDelay := s.cfg.AdmissionRetryDelay
	admMax := s.cfg.AdmissionRetryMax
	s.mu.Unlock()

	out := s.run.Run(ctx, it.job, pol, rng)
	cancel()

	s.mu.Lock()
	delete(s.running, it.job.ID)
	s.mu.Unlock()

	switch out.Kind {
	case runner.OutcomeDeferred:
		// Limiter refusal: the attempt never started. Back off a little;
		// after a long refusal streak, stretch the delay instead of ever
		// failing the job.
		it.deferrals++
		delay := admDelay * time.Duration(it.admissionScale)
		if it.deferrals >= admMax {
			it.deferrals = 0
			if it.admissionScale < maxAdmissionScale {
				it.admissionScale *= 2
			}
		}
		s.requeue(it, time.Now().Add(delay))

	case runner.OutcomeRetry:
		it.deferrals = 0
		it.admissionScale = 1
		s.requeue(it, it.job.NotBefore)

	case runner.OutcomeVerification:
		// Parked until an operator supplies input; it re-enters through
		// SubmitVerificationInput.
		s.release(it)

	case runner.OutcomeSucceeded, runner.OutcomeFailed:
		s.release(it)
		s.recordHistory(it.job)

	case runner.OutcomeDropped:
		s.release(it)
	}
}

func (s *Service) release(it *item) {
	s.mu.Lock()
	delete(s.queued, it.job.ID)
	delete(s.cancelled, it.job.ID)
	s.mu.Unlock()
}
