// Package queue abstracts the durable at-least-once message bus between the
// pipeline stages. The production implementation speaks SQS; the in-memory
// implementation emulates visibility timeouts for tests and the localhost
// profile.
package queue

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrRetryable wraps transient I/O failures. Callers that see it should let
// the visibility timeout requeue the message instead of dead-lettering it.
var ErrRetryable = errors.New("retryable queue error")

// Message is one received queue entry. The receipt handle is only valid
// within the visibility window of the Receive call that produced it.
type Message struct {
	MessageID     string
	Body          string
	ReceiptHandle string
	Attributes    map[string]string
}

// RetryCount reads the retryCount attribute, defaulting to zero.
func (m *Message) RetryCount() int {
	n, err := strconv.Atoi(m.Attributes["retryCount"])
	if err != nil {
		return 0
	}
	return n
}

// ErrorAttribute returns the serialized error a DLQ message carries.
func (m *Message) ErrorAttribute() string {
	return m.Attributes["error"]
}

// Queue is the at-least-once bus the workers consume and produce on.
// Implementations must guarantee that a message not deleted before its
// visibility timeout elapses becomes receivable again.
type Queue interface {
	// Receive long-polls the queue for up to wait, returning at most max
	// messages hidden from other consumers for the visibility window.
	Receive(ctx context.Context, queue string, max int, wait, visibility time.Duration) ([]Message, error)

	// Delete acknowledges a message using the receipt handle from Receive.
	Delete(ctx context.Context, queue string, receiptHandle string) error

	// Send enqueues a message body with the given attributes.
	Send(ctx context.Context, queue string, body string, attrs map[string]string) error

	// SendToDLQ forwards a failed payload to the dead-letter queue, recording
	// the error text and the retry count in message attributes.
	SendToDLQ(ctx context.Context, dlq string, body string, errText string, retryCount int) error
}

// dlqAttributes builds the attribute set every dead-lettered message carries.
func dlqAttributes(errText string, retryCount int) map[string]string {
	return map[string]string{
		"error":           errText,
		"retryCount":      strconv.Itoa(retryCount),
		"recoveryAttempt": time.Now().UTC().Format(time.RFC3339),
	}
}
