// Package notify forwards escalations to an operator chat: jobs parked
// for verification, permanent failures, and restart recovery sweeps.
// It consumes the event bus, so the schedulers never know it exists.
//
// Delivery is best-effort: a full queue or a dead chat must never slow
// the publishing pipeline down.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pubmatrix/internal/eventbus"
	logx "pubmatrix/pkg/logx"
)

// Config tunes the notifier. Zero fields take defaults.
type Config struct {
	Enabled     bool
	QueueSize   int
	RatePerSec  int
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Sender delivers one text message to the operator channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

const (
	sendTimeout  = 10 * time.Second
	sendAttempts = 3
	sendBackoff  = 2 * time.Second
	dedupMax     = 2000
)

// Service is the escalation notifier. One instance per process.
type Service struct {
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	started  bool
	unsub    func()
	stopDone chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("component", "notify")),
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply installs new settings. Enabled/disabled transitions are handled
// by the caller via Start/Stop; rate and window changes apply to the
// next message.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start subscribes to the bus and launches the delivery worker.
// Idempotent; a no-op when disabled or the sender is missing.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || !s.cfg.Enabled || s.sender == nil || s.bus == nil {
		s.mu.Unlock()
		return
	}
	ch, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.started = true
	s.unsub = unsub
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(ctx, ch)
	}()
	s.log.Info("notifier started")
}

// Stop unsubscribes (which closes the event channel) and waits for the
// worker to drain, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	unsub := s.unsub
	done := s.stopDone
	s.unsub = nil
	s.stopDone = nil
	s.mu.Unlock()

	unsub()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) loop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			text, key := render(e)
			if text == "" {
				continue
			}
			if !s.dedupAllow(key) {
				continue
			}
			s.deliver(ctx, text)
		}
	}
}

// render maps a bus event onto the operator message, or "" for events
// the notifier does not care about.
func render(e eventbus.Event) (text, dedupKey string) {
	switch e.Type {
	case eventbus.TopicJobVerification:
		d, ok := e.Data.(eventbus.JobEvent)
		if !ok {
			return "", ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "⚠️ Verification needed\nJob %s (%s / %s)\n%s", d.JobID, d.Platform, d.AccountID, d.Reason)
		if d.VerificationURL != "" {
			fmt.Fprintf(&b, "\n%s", d.VerificationURL)
		}
		return b.String(), "verify|" + d.JobID + "|" + d.Reason

	case eventbus.TopicJobFailed:
		d, ok := e.Data.(eventbus.JobEvent)
		if !ok {
			return "", ""
		}
		return fmt.Sprintf("🚨 Publish failed\nJob %s (%s / %s)\nAfter %d retries: %s",
			d.JobID, d.Platform, d.AccountID, d.RetryCount, d.Error), "failed|" + d.JobID

	case eventbus.TopicQueueRecovered:
		d, ok := e.Data.(eventbus.RecoveryEvent)
		if !ok {
			return "", ""
		}
		if d.Requeued == 0 && d.Failed == 0 {
			return "", ""
		}
		return fmt.Sprintf("ℹ️ Restart recovery (%s)\nRequeued: %d, failed: %d",
			d.Kind, d.Requeued, d.Failed), ""
	}
	return "", ""
}

func (s *Service) deliver(ctx context.Context, text string) {
	s.mu.Lock()
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sender.Send(callCtx, text)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if attempt >= sendAttempts {
			break
		}
		t := time.NewTimer(sendBackoff * time.Duration(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification delivery failed", logx.Err(lastErr))
}

// dedupAllow suppresses repeats of the same escalation inside the
// configured window. An empty key is never deduplicated.
func (s *Service) dedupAllow(key string) bool {
	s.mu.Lock()
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if window <= 0 || key == "" {
		return true
	}

	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	if len(s.dedup) >= dedupMax {
		// Window-sized map overflow means something is very wrong
		// upstream; drop suppression rather than grow without bound.
		s.dedup = map[string]time.Time{}
	}
	s.dedup[key] = now.Add(window)
	return true
}
