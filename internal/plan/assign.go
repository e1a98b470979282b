// Package plan computes which (content, account) pairs become jobs and
// when each one becomes eligible to run. Everything here is pure: no
// clock reads, no store access, and deterministic output for a fixed
// caller-provided random source.
package plan

import (
	"errors"
	"fmt"
	"math/rand"

	"pubmatrix/internal/publish"
)

// Strategy selects how contents are distributed across accounts.
type Strategy string

const (
	// StrategyAllPerAccount assigns every content item to every account
	// (cross product), content order as the outer loop.
	StrategyAllPerAccount Strategy = "all_per_account"
	// StrategyOnePerAccount assigns exactly one content item per account.
	StrategyOnePerAccount Strategy = "one_per_account"
)

// PickMode refines one_per_account content selection.
type PickMode string

const (
	PickRandom     PickMode = "random"
	PickSequential PickMode = "sequential"
)

var (
	ErrNoContents = errors.New("plan: no content items")
	ErrNoAccounts = errors.New("plan: no accounts")
)

// ParseStrategy maps a config/request string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyAllPerAccount, StrategyOnePerAccount:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("plan: unknown strategy %q", s)
}

// ParsePickMode maps a config/request string onto a PickMode.
// Empty defaults to sequential; "round_robin" is accepted as an alias.
func ParsePickMode(s string) (PickMode, error) {
	switch s {
	case "", "sequential", "round_robin":
		return PickSequential, nil
	case "random":
		return PickRandom, nil
	}
	return "", fmt.Errorf("plan: unknown pick mode %q", s)
}

// Assignment is one computed (content, account) pairing. Indices are
// positions in the caller's input slices; interval planning depends on
// them, so they are preserved alongside the ids.
type Assignment struct {
	ContentID    string
	AccountID    string
	Platform     string
	ContentIndex int
	AccountIndex int
}

// Assign pairs contents with accounts according to strategy. The rng is
// only consulted for PickRandom and must be non-nil in that case; a
// fixed seed yields an identical assignment list.
func Assign(contents []publish.ContentItem, accounts []publish.Account, strategy Strategy, mode PickMode, rng *rand.Rand) ([]Assignment, error) {
	if len(contents) == 0 {
		return nil, ErrNoContents
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	switch strategy {
	case StrategyAllPerAccount:
		out := make([]Assignment, 0, len(contents)*len(accounts))
		for ci, c := range contents {
			for ai, a := range accounts {
				out = append(out, Assignment{
					ContentID:    c.ID,
					AccountID:    a.ID,
					Platform:     a.Platform,
					ContentIndex: ci,
					AccountIndex: ai,
				})
			}
		}
		return out, nil

	case StrategyOnePerAccount:
		picks, err := pickOnePerAccount(len(contents), len(accounts), mode, rng)
		if err != nil {
			return nil, err
		}
		out := make([]Assignment, len(accounts))
		for ai, a := range accounts {
			ci := picks[ai]
			out[ai] = Assignment{
				ContentID:    contents[ci].ID,
				AccountID:    a.ID,
				Platform:     a.Platform,
				ContentIndex: ci,
				AccountIndex: ai,
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("plan: unknown strategy %q", strategy)
}

// pickOnePerAccount returns one content index per account. Random mode
// draws without replacement, reshuffling a fresh pool only when every
// content item has been handed out once.
func pickOnePerAccount(contentCount, accountCount int, mode PickMode, rng *rand.Rand) ([]int, error) {
	picks := make([]int, accountCount)
	switch mode {
	case PickSequential, "":
		for i := range picks {
			picks[i] = i % contentCount
		}
		return picks, nil
	case PickRandom:
		if rng == nil {
			return nil, errors.New("plan: random pick requires a random source")
		}
		var pool []int
		for i := range picks {
			if len(pool) == 0 {
				pool = rng.Perm(contentCount)
			}
			picks[i] = pool[0]
			pool = pool[1:]
		}
		return picks, nil
	}
	return nil, fmt.Errorf("plan: unknown pick mode %q", mode)
}
