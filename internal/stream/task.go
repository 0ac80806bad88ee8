package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one accepted transcript record.
type Entry struct {
	Text       string  `json:"text"`
	Timestamp  string  `json:"timestamp"`
	Confidence float64 `json:"confidence"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
}

// Task is the authoritative record of one transcription job.
//
// Identity and configuration are immutable. Progress, transcript and status
// are written only by the task's runner; readers take consistent copies via
// Snapshot and Transcript.
type Task struct {
	ID         string
	Filename   string
	Language   string
	SourcePath string
	CreatedAt  time.Time

	cancel  *CancelToken
	subs    *SubscriberSet
	started atomic.Bool
	done    chan struct{}

	mu         sync.RWMutex
	status     Status
	total      float64
	hasTotal   bool
	processed  float64
	transcript []Entry
	lastErr    string
	finishedAt time.Time
}

func newTask(id, filename, language, sourcePath string, now time.Time) *Task {
	return &Task{
		ID:         id,
		Filename:   filename,
		Language:   language,
		SourcePath: sourcePath,
		CreatedAt:  now,
		cancel:     NewCancelToken(),
		subs:       newSubscriberSet(),
		done:       make(chan struct{}),
		status:     StatusRunning,
	}
}

// Cancel returns the task's cancellation token.
func (t *Task) Cancel() *CancelToken { return t.cancel }

// Subscribers returns the task's subscriber set.
func (t *Task) Subscribers() *SubscriberSet { return t.subs }

// Started reports whether a runner has been claimed for this task.
func (t *Task) Started() bool { return t.started.Load() }

// Done is closed after the terminal status event has been broadcast.
func (t *Task) Done() <-chan struct{} { return t.done }

// claim marks the task as having a runner. Only the first call succeeds.
func (t *Task) claim() bool {
	return t.started.CompareAndSwap(false, true)
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Total returns the estimated duration, if one was determined.
func (t *Task) Total() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total, t.hasTotal
}

// Transcript returns a copy of the accepted entries in order.
func (t *Task) Transcript() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.transcript))
	copy(out, t.transcript)
	return out
}

// FinishedAt returns when the task left running, or the zero time.
func (t *Task) FinishedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finishedAt
}

func (t *Task) setTotal(seconds float64) {
	t.mu.Lock()
	t.total = seconds
	t.hasTotal = true
	t.mu.Unlock()
}

// advance moves processed forward to seconds and returns the new value.
// processed never decreases.
func (t *Task) advance(seconds float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seconds > t.processed {
		t.processed = seconds
	}
	return t.processed
}

func (t *Task) appendEntry(e Entry) {
	t.mu.Lock()
	t.transcript = append(t.transcript, e)
	t.mu.Unlock()
}

func (t *Task) setError(msg string) {
	t.mu.Lock()
	t.lastErr = msg
	t.mu.Unlock()
}

// finish moves the task to a terminal status. It returns false if the task
// had already left running.
func (t *Task) finish(status Status, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning || !status.IsTerminal() {
		return false
	}
	t.status = status
	t.finishedAt = at
	return true
}

func (t *Task) closeDone() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

// Snapshot is a point-in-time view of a task for status queries.
type Snapshot struct {
	TaskID           string     `json:"task_id"`
	Filename         string     `json:"filename"`
	Language         string     `json:"language,omitempty"`
	Status           Status     `json:"status"`
	TotalSeconds     *float64   `json:"total_seconds,omitempty"`
	ProcessedSeconds float64    `json:"processed_seconds"`
	TranscriptCount  int        `json:"transcript_count"`
	Subscribers      int        `json:"subscribers"`
	CancelRequested  bool       `json:"cancel_requested"`
	LastError        string     `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Snapshot returns a consistent copy of the task's observable state.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	s := Snapshot{
		TaskID:           t.ID,
		Filename:         t.Filename,
		Language:         t.Language,
		Status:           t.status,
		ProcessedSeconds: round2(t.processed),
		TranscriptCount:  len(t.transcript),
		LastError:        t.lastErr,
		CreatedAt:        t.CreatedAt,
	}
	if t.hasTotal {
		total := round2(t.total)
		s.TotalSeconds = &total
	}
	if !t.finishedAt.IsZero() {
		at := t.finishedAt
		s.FinishedAt = &at
	}
	t.mu.RUnlock()

	s.Subscribers = t.subs.Len()
	s.CancelRequested = t.cancel.Cancelled()
	return s
}
