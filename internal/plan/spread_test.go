package plan

import (
	"math/rand"
	"testing"
	"time"
)

func TestTimesVideoFirst(t *testing.T) {
	t.Parallel()
	// 2 contents, 3 accounts, cross product, 60s interval, no jitter:
	// the three jobs for content 0 run at the anchor, the three for
	// content 1 one interval later, whatever the account index.
	contents := testContents(2)
	accounts := testAccounts(3)
	assigns, err := Assign(contents, accounts, StrategyAllPerAccount, PickSequential, nil)
	if err != nil {
		t.Fatalf("Assign error: %v", err)
	}
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := Times(assigns, len(accounts), Timing{
		Enabled:  true,
		Mode:     ModeVideoFirst,
		Interval: 60 * time.Second,
		Anchor:   anchor,
	}, nil)
	if err != nil {
		t.Fatalf("Times error: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("len = %d, want 6", len(got))
	}
	for i, a := range assigns {
		want := anchor.Add(time.Duration(a.ContentIndex) * 60 * time.Second)
		if !got[i].Equal(want) {
			t.Fatalf("times[%d] (content %d, account %d) = %v, want %v", i, a.ContentIndex, a.AccountIndex, got[i], want)
		}
	}
}

func TestTimesAccountFirst(t *testing.T) {
	t.Parallel()
	contents := testContents(3)
	accounts := testAccounts(2)
	assigns, err := Assign(contents, accounts, StrategyAllPerAccount, PickSequential, nil)
	if err != nil {
		t.Fatalf("Assign error: %v", err)
	}
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	interval := time.Minute

	got, err := Times(assigns, len(accounts), Timing{
		Enabled:  true,
		Mode:     ModeAccountFirst,
		Interval: interval,
		Anchor:   anchor,
	}, nil)
	if err != nil {
		t.Fatalf("Times error: %v", err)
	}
	for i, a := range assigns {
		offset := time.Duration(a.AccountIndex)*interval +
			time.Duration(a.ContentIndex)*interval*time.Duration(len(accounts))
		if want := anchor.Add(offset); !got[i].Equal(want) {
			t.Fatalf("times[%d] = %v, want %v", i, got[i], want)
		}
	}
	// Non-decreasing in account index for a fixed content index.
	for i := 1; i < len(assigns); i++ {
		if assigns[i].ContentIndex == assigns[i-1].ContentIndex && got[i].Before(got[i-1]) {
			t.Fatalf("offsets decrease within content %d", assigns[i].ContentIndex)
		}
	}
}

func TestTimesJitterDeterministicAndClamped(t *testing.T) {
	t.Parallel()
	assigns, err := Assign(testContents(1), testAccounts(4), StrategyAllPerAccount, PickSequential, nil)
	if err != nil {
		t.Fatalf("Assign error: %v", err)
	}
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tm := Timing{
		Enabled:  true,
		Mode:     ModeVideoFirst,
		Interval: 10 * time.Second,
		Jitter:   30 * time.Second,
		Anchor:   anchor,
	}

	first, err := Times(assigns, 4, tm, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Times error: %v", err)
	}
	second, err := Times(assigns, 4, tm, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("Times error: %v", err)
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Fatalf("same seed produced different times at %d: %v vs %v", i, first[i], second[i])
		}
		// Content index 0 with jitter up to 30s either side: clamp keeps
		// every timestamp at or after the anchor.
		if first[i].Before(anchor) {
			t.Fatalf("times[%d] = %v precedes anchor %v", i, first[i], anchor)
		}
	}
}

func TestTimesModes(t *testing.T) {
	t.Parallel()
	assigns, err := Assign(testContents(2), testAccounts(2), StrategyAllPerAccount, PickSequential, nil)
	if err != nil {
		t.Fatalf("Assign error: %v", err)
	}
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	disabled, err := Times(assigns, 2, Timing{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("Times error: %v", err)
	}
	for i, ts := range disabled {
		if !ts.IsZero() {
			t.Fatalf("disabled timing produced timestamp at %d: %v", i, ts)
		}
	}

	none, err := Times(assigns, 2, Timing{Enabled: true, Mode: ModeNone, Anchor: anchor}, nil)
	if err != nil {
		t.Fatalf("Times error: %v", err)
	}
	for i, ts := range none {
		if !ts.Equal(anchor) {
			t.Fatalf("mode none times[%d] = %v, want anchor", i, ts)
		}
	}
}

func TestTimesValidation(t *testing.T) {
	t.Parallel()
	assigns, err := Assign(testContents(1), testAccounts(1), StrategyAllPerAccount, PickSequential, nil)
	if err != nil {
		t.Fatalf("Assign error: %v", err)
	}
	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := Times(assigns, 1, Timing{Enabled: true, Mode: ModeNone}, nil); err == nil {
		t.Fatal("zero anchor accepted")
	}
	if _, err := Times(assigns, 1, Timing{Enabled: true, Mode: Mode("spiral"), Anchor: anchor}, nil); err == nil {
		t.Fatal("unknown mode accepted")
	}
	if _, err := Times(assigns, 1, Timing{Enabled: true, Mode: ModeNone, Jitter: time.Second, Anchor: anchor}, nil); err == nil {
		t.Fatal("jitter without rng accepted")
	}
	if _, err := Times(assigns, 1, Timing{Enabled: true, Mode: ModeNone, Interval: -time.Second, Anchor: anchor}, nil); err == nil {
		t.Fatal("negative interval accepted")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Mode
		ok   bool
	}{
		{"", ModeNone, true},
		{"none", ModeNone, true},
		{"video_first", ModeVideoFirst, true},
		{"account_first", ModeAccountFirst, true},
		{"account_video", ModeAccountFirst, true},
		{"diagonal", "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMode(tt.raw)
			if tt.ok && (err != nil || got != tt.want) {
				t.Fatalf("ParseMode(%q) = %v, %v", tt.raw, got, err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("ParseMode(%q) accepted", tt.raw)
			}
		})
	}
}
