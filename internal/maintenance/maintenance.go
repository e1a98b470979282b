// Package maintenance runs periodic housekeeping: pruning terminal jobs
// past their retention and logging queue occupancy. It owns the only
// code path that deletes job rows.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pubmatrix/internal/publish"
	"pubmatrix/internal/store"
	logx "pubmatrix/pkg/logx"
)

const (
	defaultSpec      = "@every 6h"
	defaultRetention = 720 * time.Hour // 30 days
	sweepTimeout     = time.Minute
)

// Config tunes the sweep schedule and retention.
type Config struct {
	Enabled   bool
	Spec      string
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Spec == "" {
		c.Spec = defaultSpec
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	return c
}

// Service schedules retention sweeps with cron.
type Service struct {
	store *store.Store
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	parser  cron.Parser
	c       *cron.Cron
	started bool
}

func New(cfg Config, st *store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  st,
		log:    log.With(logx.String("component", "maintenance")),
		cfg:    cfg.withDefaults(),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules the sweep. Idempotent; a no-op when disabled.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddJob(s.cfg.Spec, cron.FuncJob(s.sweep)); err != nil {
		return fmt.Errorf("maintenance: schedule %q: %w", s.cfg.Spec, err)
	}
	c.Start()
	s.c = c
	s.started = true
	s.log.Info("maintenance scheduled",
		logx.String("spec", s.cfg.Spec),
		logx.Duration("retention", s.cfg.Retention))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.c
	s.c = nil
	s.mu.Unlock()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

// Apply installs new settings, rescheduling if the service is running.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	wasStarted := s.started
	s.mu.Unlock()

	if old == cfg {
		return nil
	}
	if wasStarted {
		s.Stop(ctx)
	}
	if cfg.Enabled && (wasStarted || !old.Enabled) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.started {
			return nil
		}
		return s.startLocked()
	}
	return nil
}

// Sweep runs one retention pass immediately, outside the schedule.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	pruned, err := s.store.PruneTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.log.Info("pruned terminal jobs",
			logx.Int64("pruned", pruned),
			logx.Time("cutoff", cutoff))
	}
	return pruned, nil
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Error("retention sweep failed", logx.Err(err))
		return
	}
	for _, kind := range []publish.Kind{publish.KindPublish, publish.KindMatrix} {
		counts, err := s.store.CountByStatus(ctx, kind)
		if err != nil {
			s.log.Error("stats read failed", logx.String("kind", string(kind)), logx.Err(err))
			continue
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		if total == 0 {
			continue
		}
		s.log.Info("queue occupancy",
			logx.String("kind", string(kind)),
			logx.Int("total", total),
			logx.Int("pending", counts[publish.StatusPending]),
			logx.Int("running", counts[publish.StatusRunning]),
			logx.Int("retry_pending", counts[publish.StatusRetryPending]),
			logx.Int("needs_verification", counts[publish.StatusNeedsVerification]))
	}
}
