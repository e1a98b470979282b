// Package limiter is the admission gate in front of job execution: it
// counts in-flight jobs per destination and per (destination, account)
// and refuses slots beyond the configured limits. Refusal is immediate,
// never blocking; the scheduler requeues refused jobs with a short
// delay instead of failing them.
package limiter

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"pubmatrix/internal/publish"
)

// ErrLimitExceeded reports a saturated admission key. It is a policy
// signal, not a job failure.
var ErrLimitExceeded = errors.New("limiter: concurrency limit exceeded")

// PlatformLimit is the admission policy for one destination.
type PlatformLimit struct {
	// MaxConcurrent caps in-flight jobs on the platform. 0 means unlimited.
	MaxConcurrent int
	// PerAccount caps in-flight jobs per (platform, account). 0 disables
	// the account-level cap.
	PerAccount int
	// RatePerMin paces job starts on the platform. 0 disables pacing.
	RatePerMin float64
}

// Config maps platform names to limits; Default applies to platforms
// without an explicit entry.
type Config struct {
	Default   PlatformLimit
	Platforms map[string]PlatformLimit
}

func (c Config) limitFor(platform string) PlatformLimit {
	if l, ok := c.Platforms[platform]; ok {
		return l
	}
	return c.Default
}

// slot is a resizable counting semaphore for one admission key. Limit
// changes apply to new acquisitions only; in-flight holders are never
// revoked. A limit <= 0 means unlimited.
type slot struct {
	mu       sync.Mutex
	inflight int
	limit    int

	platform   string
	perAccount bool
}

func (s *slot) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.inflight >= s.limit {
		return false
	}
	s.inflight++
	return true
}

func (s *slot) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *slot) setLimit(n int) {
	s.mu.Lock()
	s.limit = n
	s.mu.Unlock()
}

func (s *slot) usage() (inflight, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight, s.limit
}

// Limiter tracks admission slots keyed by (kind, platform) and
// (kind, platform, account). The registry map has its own lock; each
// counter has its own, so unrelated destinations never contend.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	slots  map[string]*slot
	pacers map[string]*rate.Limiter
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:    cfg,
		slots:  make(map[string]*slot),
		pacers: make(map[string]*rate.Limiter),
	}
}

// Acquire claims one slot for the job key. On success it returns a
// release closure that is safe to call more than once but releases
// exactly once, on any exit path. On saturation it returns
// ErrLimitExceeded immediately.
func (l *Limiter) Acquire(kind publish.Kind, platform, accountID string) (func(), error) {
	platKey := string(kind) + "/" + platform
	acctKey := platKey + "/" + accountID

	l.mu.Lock()
	pl := l.cfg.limitFor(platform)
	ps := l.slot(platKey, platform, false, pl.MaxConcurrent)
	as := l.slot(acctKey, platform, true, pl.PerAccount)
	l.mu.Unlock()

	if !ps.tryAcquire() {
		return nil, fmt.Errorf("%w: %s", ErrLimitExceeded, platKey)
	}
	if !as.tryAcquire() {
		ps.release()
		return nil, fmt.Errorf("%w: %s", ErrLimitExceeded, acctKey)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			as.release()
			ps.release()
		})
	}, nil
}

// slot returns the counter for key, creating it on first use.
// Callers hold l.mu.
func (l *Limiter) slot(key, platform string, perAccount bool, limit int) *slot {
	s := l.slots[key]
	if s == nil {
		s = &slot{limit: limit, platform: platform, perAccount: perAccount}
		l.slots[key] = s
	}
	return s
}

// Pacer returns the start-rate limiter for a platform, or nil when the
// platform has no pacing configured. Callers Wait on it after winning
// an admission slot, immediately before the executor call.
func (l *Limiter) Pacer(platform string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.pacers[platform]; ok {
		return p
	}
	rpm := l.cfg.limitFor(platform).RatePerMin
	if rpm <= 0 {
		return nil
	}
	p := rate.NewLimiter(rate.Limit(rpm/60.0), 1)
	l.pacers[platform] = p
	return p
}

// Apply installs a new limit table. Existing counters are resized in
// place; in-flight work is unaffected. Pacers for platforms that lost
// their rate are opened up so blocked waiters drain.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	for _, s := range l.slots {
		pl := cfg.limitFor(s.platform)
		if s.perAccount {
			s.setLimit(pl.PerAccount)
		} else {
			s.setLimit(pl.MaxConcurrent)
		}
	}
	for platform, p := range l.pacers {
		rpm := cfg.limitFor(platform).RatePerMin
		if rpm <= 0 {
			p.SetLimit(rate.Inf)
			delete(l.pacers, platform)
			continue
		}
		p.SetLimit(rate.Limit(rpm / 60.0))
	}
}

// Usage is one admission key's occupancy for diagnostics.
type Usage struct {
	Key      string
	InFlight int
	Limit    int
}

// Snapshot lists every key seen so far, sorted, including idle ones.
func (l *Limiter) Snapshot() []Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Usage, 0, len(l.slots))
	for key, s := range l.slots {
		inflight, limit := s.usage()
		out = append(out, Usage{Key: key, InFlight: inflight, Limit: limit})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
