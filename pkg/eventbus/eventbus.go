// Package eventbus implements the per-task bounded event history and
// subscriber fan-out that drives the HTTP/SSE surface (spec §4.2).
//
// Grounded on the teacher's pkg/events.ConnectionManager: per-resource
// locking (a map-of-locks here, since BettaFish keys fan-out by task
// rather than by channel), a snapshot-then-send broadcast pattern that
// never holds a lock during a subscriber send, and best-effort delivery
// that drops the event for one slow subscriber instead of blocking
// publish.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one published occurrence, ordered by a monotonically
// increasing per-task ID (spec §3 Event, §8 ordering invariant).
type Event struct {
	ID        int64
	Type      string
	TaskID    string
	Timestamp time.Time
	Payload   any
}

// Task statuses. Completed, error and cancelled are terminal: after one
// of them the bus keeps history around for a grace period before
// evicting (spec §4.2 terminal-state policy).
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError || status == StatusCancelled
}

// Config tunes ring size, subscriber queue depth, send timeout and grace
// period. Zero values fall back to the spec's defaults.
type Config struct {
	HistorySize     int
	SubscriberDepth int
	SendTimeout     time.Duration
	GracePeriod     time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.SubscriberDepth <= 0 {
		c.SubscriberDepth = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 200 * time.Millisecond
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 120 * time.Second
	}
	return c
}

type taskState struct {
	mu           sync.Mutex
	lastEventID  int64
	ring         []Event // bounded, oldest first
	status       string
	terminalAt   time.Time
	subscriberMu sync.Mutex
	subscribers  map[int64]chan Event
	nextSubID    int64
}

// Bus is the process-wide event bus. One Bus instance is shared across
// all tasks; each task gets its own lock so a slow subscriber on one task
// never stalls publish on another (spec §5 concurrency model).
type Bus struct {
	cfg Config

	mu    sync.Mutex
	tasks map[string]*taskState
}

// New constructs a Bus with the given tuning. A zero Config uses the
// spec's defaults (1000-event ring, 120s grace period).
func New(cfg Config) *Bus {
	return &Bus{cfg: cfg.withDefaults(), tasks: make(map[string]*taskState)}
}

func (b *Bus) stateFor(taskID string) *taskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.tasks[taskID]
	if !ok {
		st = &taskState{subscribers: make(map[int64]chan Event)}
		b.tasks[taskID] = st
	}
	return st
}

// Publish assigns the next monotonic ID for taskID, appends to its
// bounded ring (dropping the oldest entry once full), and broadcasts to
// every current subscriber with a short, time-bounded send. A subscriber
// queue that stays full for SendTimeout drops the event for that
// subscriber only; it delays Publish by at most SendTimeout and never
// prevents delivery to other subscribers.
func (b *Bus) Publish(taskID, eventType string, payload any) Event {
	st := b.stateFor(taskID)

	st.mu.Lock()
	st.lastEventID++
	evt := Event{ID: st.lastEventID, Type: eventType, TaskID: taskID, Timestamp: time.Now(), Payload: payload}
	st.ring = append(st.ring, evt)
	if len(st.ring) > b.cfg.HistorySize {
		st.ring = st.ring[len(st.ring)-b.cfg.HistorySize:]
	}
	st.mu.Unlock()

	b.broadcast(st, evt)
	return evt
}

func (b *Bus) broadcast(st *taskState, evt Event) {
	st.subscriberMu.Lock()
	subs := make([]chan Event, 0, len(st.subscribers))
	for _, ch := range st.subscribers {
		subs = append(subs, ch)
	}
	st.subscriberMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		case <-time.After(b.cfg.SendTimeout):
			slog.Warn("eventbus: dropping event for slow subscriber", "task_id", evt.TaskID, "event_id", evt.ID)
		}
	}
}

// Subscription is returned by Subscribe. Events arrives live events;
// callers must call HistorySince(lastID) themselves before consuming from
// Events to avoid gaps (spec §4.2: "subscribers are responsible for
// replay on reconnection").
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close unregisters the subscription.
func (s *Subscription) Close() { s.cancel() }

// Subscribe registers a new bounded subscriber channel for taskID.
func (b *Bus) Subscribe(taskID string) *Subscription {
	st := b.stateFor(taskID)
	ch := make(chan Event, b.cfg.SubscriberDepth)

	st.subscriberMu.Lock()
	id := st.nextSubID
	st.nextSubID++
	st.subscribers[id] = ch
	st.subscriberMu.Unlock()

	return &Subscription{
		Events: ch,
		cancel: func() {
			st.subscriberMu.Lock()
			if c, ok := st.subscribers[id]; ok {
				delete(st.subscribers, id)
				close(c)
			}
			st.subscriberMu.Unlock()
		},
	}
}

// HistorySince returns every event for taskID with ID > lastID (all
// events if lastID is nil). Runs under the task's lock alongside Publish
// to preserve id/append atomicity (spec §4.2, §5).
func (b *Bus) HistorySince(taskID string, lastID *int64) []Event {
	st := b.stateFor(taskID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if lastID == nil {
		out := make([]Event, len(st.ring))
		copy(out, st.ring)
		return out
	}
	var out []Event
	for _, e := range st.ring {
		if e.ID > *lastID {
			out = append(out, e)
		}
	}
	return out
}

// MarkTerminal records that taskID entered a terminal status, starting
// the idle grace period after which the task may be evicted (spec §4.2
// terminal-state policy; eviction is driven externally, e.g. by
// TaskRegistry's sweep, via IsExpired).
func (b *Bus) MarkTerminal(taskID, status string) {
	if !isTerminal(status) {
		return
	}
	st := b.stateFor(taskID)
	st.mu.Lock()
	st.status = status
	st.terminalAt = time.Now()
	st.mu.Unlock()
}

// IsExpired reports whether taskID is terminal and has been idle for
// longer than the bus's grace period — callers (TaskRegistry's eviction
// sweep) use this to decide when it's safe to drop the task entirely.
func (b *Bus) IsExpired(taskID string) bool {
	st := b.stateFor(taskID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !isTerminal(st.status) {
		return false
	}
	return time.Since(st.terminalAt) > b.cfg.GracePeriod
}

// Evict removes all bus state for taskID. Safe to call even if taskID was
// never published to.
func (b *Bus) Evict(taskID string) {
	b.mu.Lock()
	st, ok := b.tasks[taskID]
	if ok {
		delete(b.tasks, taskID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	st.subscriberMu.Lock()
	for id, ch := range st.subscribers {
		delete(st.subscribers, id)
		close(ch)
	}
	st.subscriberMu.Unlock()
}

// SubscriberCount reports the current number of live subscribers for
// taskID.
func (b *Bus) SubscriberCount(taskID string) int {
	st := b.stateFor(taskID)
	st.subscriberMu.Lock()
	defer st.subscriberMu.Unlock()
	return len(st.subscribers)
}
