package queue

import (
	"time"

	"pubmatrix/internal/publish"
)

// item is one queued job plus its in-memory scheduling state. The
// admission fields live here, not on the job: deferrals are a queue
// concern and must never touch the persisted record.
type item struct {
	job        *publish.Job
	eligibleAt time.Time
	seq        uint64

	// deferrals counts consecutive limiter refusals; admissionScale
	// stretches the requeue delay once a refusal streak exhausts the
	// configured allowance.
	deferrals      int
	admissionScale int
}

// readyClass splits the ready queue into two bands: previously
// attempted work (retry_pending, needs_verification) drains before
// fresh pending jobs so new submissions cannot starve failed work.
// A job's status is stable while it sits in the heap; it only changes
// after a worker pops it.
func readyClass(j *publish.Job) int {
	switch j.Status {
	case publish.StatusRetryPending, publish.StatusNeedsVerification:
		return 0
	default:
		return 1
	}
}

// readyHeap orders runnable items by (class, priority, seq): retried
// work first, then lower priority, insertion order within a priority.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	ci, cj := readyClass(h[i].job), readyClass(h[j].job)
	if ci != cj {
		return ci < cj
	}
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// delayedHeap orders future-dated items by eligibility time.
type delayedHeap []*item

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].eligibleAt.Equal(h[j].eligibleAt) {
		return h[i].eligibleAt.Before(h[j].eligibleAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
