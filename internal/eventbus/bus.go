package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"pubmatrix/internal/publish"
)

// Topics published by the scheduling pipeline.
const (
	TopicJobCreated      = "job.created"
	TopicJobSkipped      = "job.skipped"
	TopicJobStarted      = "job.started"
	TopicJobSucceeded    = "job.succeeded"
	TopicJobRetry        = "job.retry"
	TopicJobFailed       = "job.failed"
	TopicJobVerification = "job.verification"
	TopicJobCancelled    = "job.cancelled"
	TopicBatchCreated    = "batch.created"
	TopicQueueRecovered  = "queue.recovered"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobEvent is the Data payload for job.* topics.
type JobEvent struct {
	JobID           string    `json:"job_id"`
	BatchID         string    `json:"batch_id"`
	Kind            string    `json:"kind"`
	Platform        string    `json:"platform"`
	AccountID       string    `json:"account_id"`
	ContentID       string    `json:"content_id"`
	Status          string    `json:"status"`
	RetryCount      int       `json:"retry_count,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Error           string    `json:"error,omitempty"`
	VerificationURL string    `json:"verification_url,omitempty"`
	NextAttempt     time.Time `json:"next_attempt,omitempty"`
}

// JobData builds the common payload for a job event. reason and errMsg
// may be empty.
func JobData(j *publish.Job, reason, errMsg string) JobEvent {
	return JobEvent{
		JobID:           j.ID,
		BatchID:         j.BatchID,
		Kind:            string(j.Kind),
		Platform:        j.Platform,
		AccountID:       j.AccountID,
		ContentID:       j.ContentID,
		Status:          string(j.Status),
		RetryCount:      j.RetryCount,
		Reason:          reason,
		Error:           errMsg,
		VerificationURL: j.VerificationURL,
	}
}

// BatchEvent is the Data payload for batch.created.
type BatchEvent struct {
	BatchID string `json:"batch_id"`
	Kind    string `json:"kind"`
	Total   int    `json:"total"`
	Skipped int    `json:"skipped"`
}

// RecoveryEvent is the Data payload for queue.recovered.
type RecoveryEvent struct {
	Kind     string `json:"kind"`
	Requeued int    `json:"requeued"`
	Failed   int    `json:"failed"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
