package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReceiveDelete(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "work", `{"a":1}`, map[string]string{"k": "v"}))

	msgs, err := q.Receive(ctx, "work", 10, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"a":1}`, msgs[0].Body)
	assert.Equal(t, "v", msgs[0].Attributes["k"])

	require.NoError(t, q.Delete(ctx, "work", msgs[0].ReceiptHandle))
	assert.Zero(t, q.Len("work"))
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "work", "payload", nil))

	msgs, err := q.Receive(ctx, "work", 10, 0, 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Within the window the message is invisible.
	again, err := q.Receive(ctx, "work", 10, 0, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)

	// After it elapses the undeleted message comes back.
	time.Sleep(50 * time.Millisecond)
	again, err = q.Receive(ctx, "work", 10, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, msgs[0].MessageID, again[0].MessageID)
}

func TestReceiveHonorsMax(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Send(ctx, "work", "m", nil))
	}
	msgs, err := q.Receive(ctx, "work", 3, 0, time.Minute)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestReceiveLongPoll(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = q.Send(context.Background(), "work", "late", nil)
	}()

	start := time.Now()
	msgs, err := q.Receive(ctx, "work", 1, 500*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSendToDLQAttributes(t *testing.T) {
	q := NewMemQueue()
	ctx := context.Background()
	require.NoError(t, q.SendToDLQ(ctx, "dlq", "body", "nonce too low", 3))

	msgs, err := q.Receive(ctx, "dlq", 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "nonce too low", msgs[0].ErrorAttribute())
	assert.Equal(t, 3, msgs[0].RetryCount())
	assert.NotEmpty(t, msgs[0].Attributes["recoveryAttempt"])
}

func TestRetryCountDefaultsZero(t *testing.T) {
	m := &Message{Attributes: map[string]string{}}
	assert.Zero(t, m.RetryCount())
}
