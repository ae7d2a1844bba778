package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memMessage is a queued entry plus its redelivery bookkeeping.
type memMessage struct {
	Message
	visibleAt time.Time
	deleted   bool
}

// MemQueue is an in-memory Queue with at-least-once semantics: received
// messages become invisible for the visibility window and reappear if not
// deleted. Used by tests and the localhost profile.
type MemQueue struct {
	mu     sync.Mutex
	queues map[string][]*memMessage
	nextID int
}

// NewMemQueue returns an empty in-memory queue set.
func NewMemQueue() *MemQueue {
	return &MemQueue{queues: make(map[string][]*memMessage)}
}

// Receive implements Queue. It polls until a message is available or the
// wait deadline passes, mirroring SQS long polling.
func (q *MemQueue) Receive(ctx context.Context, queue string, max int, wait, visibility time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if msgs := q.take(queue, max, visibility); len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *MemQueue) take(queue string, max int, visibility time.Duration) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []Message
	for _, m := range q.queues[queue] {
		if m.deleted || m.visibleAt.After(now) {
			continue
		}
		m.visibleAt = now.Add(visibility)
		out = append(out, m.Message)
		if len(out) >= max {
			break
		}
	}
	return out
}

// Delete implements Queue.
func (q *MemQueue) Delete(ctx context.Context, queue string, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.queues[queue] {
		if m.ReceiptHandle == receiptHandle {
			m.deleted = true
			return nil
		}
	}
	return fmt.Errorf("receipt handle %q not found in %s", receiptHandle, queue)
}

// Send implements Queue.
func (q *MemQueue) Send(ctx context.Context, queue string, body string, attrs map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	id := fmt.Sprintf("mem-%d", q.nextID)
	q.queues[queue] = append(q.queues[queue], &memMessage{
		Message: Message{
			MessageID:     id,
			Body:          body,
			ReceiptHandle: "rh-" + id,
			Attributes:    copied,
		},
	})
	return nil
}

// SendToDLQ implements Queue.
func (q *MemQueue) SendToDLQ(ctx context.Context, dlq string, body string, errText string, retryCount int) error {
	return q.Send(ctx, dlq, body, dlqAttributes(errText, retryCount))
}

// Len reports the number of live (undeleted) messages in a queue.
func (q *MemQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.queues[queue] {
		if !m.deleted {
			n++
		}
	}
	return n
}
