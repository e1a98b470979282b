package plan

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Mode selects the staggering shape for a batch.
type Mode string

const (
	// ModeNone runs everything at the anchor time.
	ModeNone Mode = "none"
	// ModeVideoFirst spaces jobs by content index: every account gets
	// content 0, then after one interval content 1, and so on.
	ModeVideoFirst Mode = "video_first"
	// ModeAccountFirst staggers accounts first, then spaces each
	// account's own items by a full round of the account list.
	ModeAccountFirst Mode = "account_first"
)

// ParseMode maps a config/request string onto a Mode. Empty defaults to
// none; "account_video" is accepted as an alias for account_first.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "none":
		return ModeNone, nil
	case "video_first":
		return ModeVideoFirst, nil
	case "account_first", "account_video":
		return ModeAccountFirst, nil
	}
	return "", fmt.Errorf("plan: unknown interval mode %q", s)
}

// Timing is the staggering policy for one batch.
type Timing struct {
	Enabled  bool
	Mode     Mode
	Interval time.Duration
	// Jitter adds a uniform random value in [-Jitter, +Jitter] to each
	// computed offset. The final offset never goes below zero.
	Jitter time.Duration
	// Anchor is the batch's base time: the caller's scheduled time if
	// the batch itself is timed, otherwise now. Required when Enabled.
	Anchor time.Time
}

// Times returns one eligibility timestamp per assignment, aligned by
// index. A zero timestamp means "run as soon as admitted". The rng is
// only consulted when Jitter > 0 and must be non-nil in that case.
func Times(assigns []Assignment, accountCount int, tm Timing, rng *rand.Rand) ([]time.Time, error) {
	out := make([]time.Time, len(assigns))
	if !tm.Enabled {
		return out, nil
	}
	if tm.Anchor.IsZero() {
		return nil, errors.New("plan: interval timing requires an anchor time")
	}
	if tm.Interval < 0 {
		return nil, fmt.Errorf("plan: negative interval %v", tm.Interval)
	}
	if tm.Jitter < 0 {
		return nil, fmt.Errorf("plan: negative jitter %v", tm.Jitter)
	}
	if tm.Jitter > 0 && rng == nil {
		return nil, errors.New("plan: jitter requires a random source")
	}

	for i, a := range assigns {
		var offset time.Duration
		switch tm.Mode {
		case ModeNone:
			offset = 0
		case ModeVideoFirst:
			offset = time.Duration(a.ContentIndex) * tm.Interval
		case ModeAccountFirst:
			offset = time.Duration(a.AccountIndex)*tm.Interval +
				time.Duration(a.ContentIndex)*tm.Interval*time.Duration(accountCount)
		default:
			return nil, fmt.Errorf("plan: unknown interval mode %q", tm.Mode)
		}
		if tm.Jitter > 0 {
			offset += time.Duration(rng.Int63n(int64(2*tm.Jitter)+1)) - tm.Jitter
		}
		if offset < 0 {
			offset = 0
		}
		out[i] = tm.Anchor.Add(offset)
	}
	return out, nil
}
