// Package taskregistry is the bounded in-memory ReportTask registry (spec
// §3 ReportTask, §4.13 C13).
//
// Grounded on the teacher's pkg/session.Manager (map + sync.RWMutex,
// Create/Get/List/Delete), generalized: Create enforces the single-flight
// rule (spec §5 — at most one task may be status=running at a time), List
// supports filtering by status, and eviction runs from a periodic sweep
// goroutine (grounded on pkg/cleanup.Service's ticker-loop shape) instead
// of on every Create.
package taskregistry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is one of the spec's ReportTask.status values.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// ErrTaskAlreadyRunning is returned by Create when another task already
// has status=running, enforcing the single-flight rule (spec §5, §4.10).
var ErrTaskAlreadyRunning = errors.New("taskregistry: a report task is already running")

// ErrNotFound is returned by Get for an unknown or evicted task ID.
var ErrNotFound = errors.New("taskregistry: task not found")

// Task is the supervisor's in-memory view of one report run.
type Task struct {
	ID        string
	Query     string
	Status    Status
	Progress  int
	CreatedAt time.Time
	UpdatedAt time.Time
	LastEventID int64
	OutputPaths map[string]string
	Error       string
}

// clone returns a value copy safe to hand to callers without risking
// concurrent mutation of the registry's own copy.
func (t Task) clone() Task {
	out := t
	if t.OutputPaths != nil {
		out.OutputPaths = make(map[string]string, len(t.OutputPaths))
		for k, v := range t.OutputPaths {
			out.OutputPaths[k] = v
		}
	}
	return out
}

// Registry is the bounded, in-memory task registry.
type Registry struct {
	capacity int

	mu    sync.RWMutex
	tasks map[string]*Task
}

// New returns a Registry retaining at most capacity tasks (default 200,
// per spec §4.13).
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 200
	}
	return &Registry{capacity: capacity, tasks: make(map[string]*Task)}
}

// Create allocates a new pending task for query. Returns
// ErrTaskAlreadyRunning if any existing task has status=running.
func (r *Registry) Create(query string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.Status == StatusRunning {
			return Task{}, ErrTaskAlreadyRunning
		}
	}

	now := time.Now()
	task := &Task{
		ID:          uuid.New().String(),
		Query:       query,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		OutputPaths: map[string]string{},
	}
	r.tasks[task.ID] = task
	return task.clone(), nil
}

// Get returns a copy of the task with the given ID.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.clone(), nil
}

// List returns a copy of every tracked task, optionally filtered by
// status. A zero Status value ("") returns every task.
func (r *Registry) List(status Status) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.clone())
	}
	return out
}

// Update mutates the task with the given id via fn under the registry
// lock and returns the updated copy.
func (r *Registry) Update(id string, fn func(*Task)) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	fn(t)
	t.UpdatedAt = time.Now()
	return t.clone(), nil
}

// Delete removes a task outright, bypassing the eviction sweep's
// terminal-only rule. Used for tests and administrative cleanup.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// EvictExpired drops terminal tasks that isExpired reports as
// grace-period-expired (the caller wires this to the event bus's
// IsExpired), then enforces the capacity bound by dropping the oldest
// remaining terminal tasks by CreatedAt.
func (r *Registry) EvictExpired(isExpired func(taskID string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.tasks {
		if isTerminal(t.Status) && isExpired(id) {
			delete(r.tasks, id)
		}
	}

	if len(r.tasks) <= r.capacity {
		return
	}

	type idAge struct {
		id  string
		age time.Time
	}
	var terminal []idAge
	for id, t := range r.tasks {
		if isTerminal(t.Status) {
			terminal = append(terminal, idAge{id, t.CreatedAt})
		}
	}
	for len(r.tasks) > r.capacity && len(terminal) > 0 {
		oldestIdx := 0
		for i, ia := range terminal {
			if ia.age.Before(terminal[oldestIdx].age) {
				oldestIdx = i
			}
		}
		delete(r.tasks, terminal[oldestIdx].id)
		terminal = append(terminal[:oldestIdx], terminal[oldestIdx+1:]...)
	}
}

// StartSweep launches a background goroutine (grounded on
// pkg/cleanup.Service's ticker-loop shape) that calls EvictExpired every
// interval until stop is closed.
func (r *Registry) StartSweep(interval time.Duration, isExpired func(taskID string) bool, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.EvictExpired(isExpired)
			}
		}
	}()
}
