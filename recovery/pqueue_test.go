package recovery

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcpay/withdrawd/queue"
)

func newItem(id string, prio int) *Item {
	return &Item{
		Msg:          queue.Message{MessageID: id},
		EnqueuedAt:   time.Now(),
		basePriority: prio,
	}
}

func TestPriorityQueueOrder(t *testing.T) {
	q := newPriorityQueue(10)
	require.NoError(t, q.Push(newItem("low", 3)))
	require.NoError(t, q.Push(newItem("high", 8)))
	require.NoError(t, q.Push(newItem("mid", 5)))

	now := time.Now()
	assert.Equal(t, "high", q.PopReady(now).Msg.MessageID)
	assert.Equal(t, "mid", q.PopReady(now).Msg.MessageID)
	assert.Equal(t, "low", q.PopReady(now).Msg.MessageID)
	assert.Nil(t, q.PopReady(now))
}

func TestPriorityQueueBounded(t *testing.T) {
	q := newPriorityQueue(2)
	require.NoError(t, q.Push(newItem("a", 5)))
	require.NoError(t, q.Push(newItem("b", 5)))
	assert.ErrorIs(t, q.Push(newItem("c", 9)), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestPriorityQueueRetryGate(t *testing.T) {
	q := newPriorityQueue(10)
	it := newItem("gated", 9)
	it.RetryAfter = time.Now().Add(time.Hour)
	require.NoError(t, q.Push(it))
	require.NoError(t, q.Push(newItem("ready", 2)))

	now := time.Now()
	// The gated item outranks but is not ready.
	assert.Equal(t, "ready", q.PopReady(now).Msg.MessageID)
	assert.Nil(t, q.PopReady(now))

	// Past the gate it pops.
	assert.Equal(t, "gated", q.PopReady(now.Add(2*time.Hour)).Msg.MessageID)
}

func TestItemAgeBonus(t *testing.T) {
	now := time.Now()
	it := newItem("x", 5)

	assert.Equal(t, 5, it.Priority(now))
	assert.Equal(t, 6, it.Priority(now.Add(11*time.Minute)))
	assert.Equal(t, 7, it.Priority(now.Add(31*time.Minute)))
	assert.Equal(t, 8, it.Priority(now.Add(2*time.Hour)))

	// Clamped to 10.
	top := newItem("y", 9)
	assert.Equal(t, 10, top.Priority(now.Add(2*time.Hour)))
}

func TestAgeBonusAffectsPop(t *testing.T) {
	q := newPriorityQueue(10)
	old := newItem("old", 5)
	old.EnqueuedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, q.Push(old))
	require.NoError(t, q.Push(newItem("fresh", 7)))

	// old: 5+3=8 beats fresh: 7.
	assert.Equal(t, "old", q.PopReady(time.Now()).Msg.MessageID)
}

func TestReschedule(t *testing.T) {
	q := newPriorityQueue(1)
	it := newItem("r", 5)
	require.NoError(t, q.Push(it))
	popped := q.PopReady(time.Now())
	require.NotNil(t, popped)

	// Rescheduling ignores the bound and re-applies the gate.
	q.Reschedule(popped, time.Minute, time.Now())
	assert.Equal(t, 1, q.Len())
	assert.Nil(t, q.PopReady(time.Now()))
	assert.NotNil(t, q.PopReady(time.Now().Add(2*time.Minute)))
}

func TestContains(t *testing.T) {
	q := newPriorityQueue(10)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(newItem(fmt.Sprintf("m-%d", i), 5)))
	}
	assert.True(t, q.Contains("m-1"))
	assert.False(t, q.Contains("m-9"))
}
