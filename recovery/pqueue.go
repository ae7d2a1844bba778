package recovery

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/arcpay/withdrawd/queue"
	"github.com/arcpay/withdrawd/types"
)

// ErrQueueFull is returned when the bounded recovery queue rejects an item.
var ErrQueueFull = errors.New("recovery queue full")

// Item is one dead-lettered message scheduled for recovery.
type Item struct {
	Msg          queue.Message
	SourceDLQ    string
	Class        Classification
	Attempts     int
	EnqueuedAt   time.Time
	RetryAfter   time.Time
	basePriority int

	// Decoded payload; exactly one is non-nil depending on the source DLQ.
	Request *types.WithdrawalRequest
	Signed  *types.SignedTx
}

// Priority is the dynamic scheduling weight: the base weight assigned at
// admission plus an age bonus, clamped to [1, 10]. Older items rise so that
// nothing starves behind a stream of fresh failures.
func (it *Item) Priority(now time.Time) int {
	p := it.basePriority
	age := now.Sub(it.EnqueuedAt)
	switch {
	case age > time.Hour:
		p += 3
	case age > 30*time.Minute:
		p += 2
	case age > 10*time.Minute:
		p += 1
	}
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return p
}

// priorityQueue is a bounded, mutex-guarded schedule ordered by base
// priority. Pop applies the dynamic priority and the retry-after gate.
type priorityQueue struct {
	mu    sync.Mutex
	items []*Item
	max   int
}

func newPriorityQueue(max int) *priorityQueue {
	return &priorityQueue{max: max}
}

// Push inserts the item in base-priority order. A full queue rejects the
// item; the caller leaves the message on the DLQ for a later poll.
func (q *priorityQueue) Push(it *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		return ErrQueueFull
	}
	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].basePriority < it.basePriority
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = it
	return nil
}

// PopReady removes and returns the highest-priority item whose retry-after
// gate has passed, or nil when nothing is ready.
func (q *priorityQueue) PopReady(now time.Time) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	best := -1
	bestPrio := -1
	for i, it := range q.items {
		if it.RetryAfter.After(now) {
			continue
		}
		if p := it.Priority(now); p > bestPrio {
			best, bestPrio = i, p
		}
	}
	if best < 0 {
		return nil
	}
	it := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return it
}

// Reschedule re-inserts an item after a failed attempt with its retry gate
// pushed out. Rescheduling ignores the size bound: the item already held a
// slot.
func (q *priorityQueue) Reschedule(it *Item, after time.Duration, now time.Time) {
	it.RetryAfter = now.Add(after)
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].basePriority < it.basePriority
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = it
}

func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Contains reports whether a message id is already scheduled, keeping DLQ
// polling idempotent across visibility-timeout redeliveries.
func (q *priorityQueue) Contains(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Msg.MessageID == messageID {
			return true
		}
	}
	return false
}
