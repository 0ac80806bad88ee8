package stream

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned for operations on an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// EvictionPolicy reports whether a task may be dropped from the registry.
type EvictionPolicy func(t *Task, now time.Time) bool

// RetainFor evicts tasks that are terminal, have no subscribers, and
// finished more than d ago.
func RetainFor(d time.Duration) EvictionPolicy {
	return func(t *Task, now time.Time) bool {
		if !t.Status().IsTerminal() || t.subs.Len() > 0 {
			return false
		}
		fin := t.FinishedAt()
		return !fin.IsZero() && now.Sub(fin) > d
	}
}

// Registry is the process-wide index of tasks.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	newID func() string
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Create registers a new running task with a fresh id.
func (r *Registry) Create(filename, language, sourcePath string) *Task {
	t := newTask(r.newID(), filename, language, sourcePath, r.now())
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
	return t
}

// Get looks up a task by id.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Stop requests cancellation of a task. It never waits for the runner.
func (r *Registry) Stop(id string) StopResult {
	t, ok := r.Get(id)
	if !ok {
		return StopNotFound
	}
	if t.Status().IsTerminal() {
		return StopAlreadyStopped
	}
	if !t.cancel.Cancel() {
		return StopAlreadyStopped
	}
	return StopStopping
}

// Attach adds sub to the task's subscribers. Attaching to a finished task
// succeeds; no further events will be delivered to it.
func (r *Registry) Attach(id string, sub Subscriber) error {
	t, ok := r.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	t.subs.Add(sub)
	return nil
}

// Detach removes the subscriber with subID from the task, if both exist.
func (r *Registry) Detach(id, subID string) {
	if t, ok := r.Get(id); ok {
		t.subs.Remove(subID)
	}
}

// List returns all tasks, oldest first.
func (r *Registry) List() []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Sweep removes every task the policy selects and returns how many were removed.
func (r *Registry) Sweep(policy EvictionPolicy) int {
	if policy == nil {
		return 0
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tasks {
		if policy(t, now) {
			delete(r.tasks, id)
			n++
		}
	}
	return n
}
