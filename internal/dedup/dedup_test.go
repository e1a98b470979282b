package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"pubmatrix/internal/publish"
	logx "pubmatrix/pkg/logx"
)

type fakeReads struct {
	inflight      *publish.Job
	success       *publish.Job
	inflightSince time.Time
	successSince  time.Time
	successCalled bool
	err           error
}

func (f *fakeReads) LatestInFlight(_ context.Context, _, _, _ string, since time.Time) (*publish.Job, error) {
	f.inflightSince = since
	return f.inflight, f.err
}

func (f *fakeReads) LatestSuccess(_ context.Context, _, _, _ string, since time.Time) (*publish.Job, error) {
	f.successCalled = true
	f.successSince = since
	return f.success, f.err
}

func candidate() *publish.Job {
	return &publish.Job{
		ID:        "new",
		Platform:  "douyin",
		AccountID: "acct-1",
		ContentID: "vid-1",
	}
}

func TestCheckVetoesInFlight(t *testing.T) {
	t.Parallel()
	now := time.Now()
	reads := &fakeReads{inflight: &publish.Job{ID: "existing"}}
	g := New(Windows{Pending: 24 * time.Hour, Success: 7 * 24 * time.Hour}, logx.Nop())

	veto, err := g.Check(context.Background(), reads, candidate(), now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if veto == nil || veto.Reason != ReasonDuplicatePending || veto.ExistingJobID != "existing" {
		t.Fatalf("veto = %+v", veto)
	}
	if want := now.Add(-24 * time.Hour); !reads.inflightSince.Equal(want) {
		t.Fatalf("inflight window since = %v, want %v", reads.inflightSince, want)
	}
	// The in-flight veto short-circuits the success check.
	if reads.successCalled {
		t.Fatal("success check ran after in-flight veto")
	}
}

func TestCheckVetoesRecentSuccess(t *testing.T) {
	t.Parallel()
	now := time.Now()
	done := now.Add(-time.Hour)
	reads := &fakeReads{success: &publish.Job{ID: "won", CompletedAt: done}}
	g := New(Windows{Pending: 24 * time.Hour, Success: 7 * 24 * time.Hour}, logx.Nop())

	veto, err := g.Check(context.Background(), reads, candidate(), now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if veto == nil || veto.Reason != ReasonAlreadyPublished || veto.ExistingJobID != "won" {
		t.Fatalf("veto = %+v", veto)
	}
	if !veto.CompletedAt.Equal(done) {
		t.Fatalf("CompletedAt = %v, want %v", veto.CompletedAt, done)
	}
	if want := now.Add(-7 * 24 * time.Hour); !reads.successSince.Equal(want) {
		t.Fatalf("success window since = %v, want %v", reads.successSince, want)
	}
}

func TestCheckAllowsCleanCandidate(t *testing.T) {
	t.Parallel()
	g := New(Windows{}, logx.Nop())
	veto, err := g.Check(context.Background(), &fakeReads{}, candidate(), time.Now())
	if err != nil || veto != nil {
		t.Fatalf("Check = %+v, %v", veto, err)
	}
}

func TestAllowDuplicateSkipsChecks(t *testing.T) {
	t.Parallel()
	reads := &fakeReads{inflight: &publish.Job{ID: "existing"}}
	g := New(Windows{}, logx.Nop())

	j := candidate()
	j.AllowDuplicate = true
	veto, err := g.Check(context.Background(), reads, j, time.Now())
	if err != nil || veto != nil {
		t.Fatalf("Check = %+v, %v", veto, err)
	}
	if !reads.inflightSince.IsZero() {
		t.Fatal("allow_duplicate still hit the store")
	}
}

func TestZeroSuccessWindowDisablesCheck(t *testing.T) {
	t.Parallel()
	reads := &fakeReads{success: &publish.Job{ID: "won"}}
	g := New(Windows{Pending: time.Hour, Success: 0}, logx.Nop())

	veto, err := g.Check(context.Background(), reads, candidate(), time.Now())
	if err != nil || veto != nil {
		t.Fatalf("Check = %+v, %v", veto, err)
	}
	if reads.successCalled {
		t.Fatal("disabled success check still ran")
	}
}

func TestPendingWindowDefaulted(t *testing.T) {
	t.Parallel()
	now := time.Now()
	reads := &fakeReads{}
	g := New(Windows{Pending: 0}, logx.Nop())

	if _, err := g.Check(context.Background(), reads, candidate(), now); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if want := now.Add(-24 * time.Hour); !reads.inflightSince.Equal(want) {
		t.Fatalf("default pending window since = %v, want %v", reads.inflightSince, want)
	}
}

func TestCheckPropagatesReadErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("db gone")
	g := New(Windows{}, logx.Nop())
	if _, err := g.Check(context.Background(), &fakeReads{err: boom}, candidate(), time.Now()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestApplySwapsWindows(t *testing.T) {
	t.Parallel()
	now := time.Now()
	reads := &fakeReads{}
	g := New(Windows{Pending: time.Hour}, logx.Nop())
	g.Apply(Windows{Pending: 2 * time.Hour})

	if _, err := g.Check(context.Background(), reads, candidate(), now); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if want := now.Add(-2 * time.Hour); !reads.inflightSince.Equal(want) {
		t.Fatalf("applied window since = %v, want %v", reads.inflightSince, want)
	}
}
