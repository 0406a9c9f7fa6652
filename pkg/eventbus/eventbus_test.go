package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	bus := New(Config{})
	for i := 1; i <= 5; i++ {
		evt := bus.Publish("task-1", "progress", map[string]any{"i": i})
		assert.EqualValues(t, i, evt.ID)
	}
}

func TestSubscribeReceivesLiveEventsInOrder(t *testing.T) {
	bus := New(Config{})
	sub := bus.Subscribe("task-1")
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		bus.Publish("task-1", "progress", i)
	}

	for i := 1; i <= 3; i++ {
		select {
		case evt := <-sub.Events:
			assert.EqualValues(t, i, evt.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestHistorySinceReplaysOnlyNewerEvents(t *testing.T) {
	bus := New(Config{})
	for i := 1; i <= 10; i++ {
		bus.Publish("task-1", "progress", i)
	}

	last := int64(7)
	replay := bus.HistorySince("task-1", &last)
	require.Len(t, replay, 3)
	for i, evt := range replay {
		assert.EqualValues(t, 8+i, evt.ID)
	}
}

func TestHistorySinceBeyondLastEventReplaysNothing(t *testing.T) {
	bus := New(Config{})
	for i := 1; i <= 3; i++ {
		bus.Publish("task-1", "progress", i)
	}

	last := int64(999)
	replay := bus.HistorySince("task-1", &last)
	assert.Empty(t, replay)
}

func TestHistorySinceNilReturnsFullRing(t *testing.T) {
	bus := New(Config{HistorySize: 2})
	for i := 1; i <= 5; i++ {
		bus.Publish("task-1", "progress", i)
	}

	replay := bus.HistorySince("task-1", nil)
	require.Len(t, replay, 2)
	assert.EqualValues(t, 4, replay[0].ID)
	assert.EqualValues(t, 5, replay[1].ID)
}

func TestSlowSubscriberDoesNotBlockOtherSubscribers(t *testing.T) {
	bus := New(Config{SendTimeout: 10 * time.Millisecond, SubscriberDepth: 1})
	slow := bus.Subscribe("task-1")
	defer slow.Close()
	fast := bus.Subscribe("task-1")
	defer fast.Close()

	// Fill both one-slot queues without draining them, then publish past
	// capacity; Publish must still return promptly and the fast subscriber
	// must still hold the event its queue had room for.
	bus.Publish("task-1", "a", nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			bus.Publish("task-1", "b", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked by slow subscriber")
	}

	count := 0
	for {
		select {
		case <-fast.Events:
			count++
		default:
			assert.GreaterOrEqual(t, count, 1)
			return
		}
	}
}

func TestIsExpiredRespectsGracePeriod(t *testing.T) {
	bus := New(Config{GracePeriod: 20 * time.Millisecond})
	bus.Publish("task-1", "progress", nil)
	bus.MarkTerminal("task-1", StatusCompleted)

	assert.False(t, bus.IsExpired("task-1"))
	time.Sleep(40 * time.Millisecond)
	assert.True(t, bus.IsExpired("task-1"))
}

func TestMarkTerminalIgnoresNonTerminalStatus(t *testing.T) {
	bus := New(Config{GracePeriod: time.Millisecond})
	bus.MarkTerminal("task-1", StatusRunning)
	time.Sleep(5 * time.Millisecond)
	assert.False(t, bus.IsExpired("task-1"))
}

func TestEvictClosesSubscriberChannels(t *testing.T) {
	bus := New(Config{})
	sub := bus.Subscribe("task-1")
	bus.Evict("task-1")

	_, ok := <-sub.Events
	assert.False(t, ok, "expected subscriber channel to be closed on evict")
}
