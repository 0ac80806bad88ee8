package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Registry      *Registry
	Runner        *Runner
	Retention     EvictionPolicy // nil keeps every task
	SweepInterval time.Duration
	Observer      Observer
	Log           zerolog.Logger

	// OnCreate is called for every new task before it is returned, e.g. to
	// attach sinks that follow every task.
	OnCreate func(*Task)
}

// Stats reports live task counts.
type Stats struct {
	Tasks       int
	Active      int
	Subscribers int
	ByStatus    map[Status]int
}

// Service is the entry point for transports. It owns every runner goroutine:
// callers request start, stop, attach and detach but never run tasks themselves.
type Service struct {
	registry *Registry
	runner   *Runner
	opts     ServiceOptions
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
	active atomic.Int64

	mu     sync.Mutex // guards closed and runs.Add
	closed bool
}

// NewService creates a service. Call Start to begin background eviction.
func NewService(opts ServiceOptions) *Service {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry: opts.Registry,
		runner:   opts.Runner,
		opts:     opts,
		log:      opts.Log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the eviction sweeper if a retention policy is configured.
func (s *Service) Start() {
	if s.opts.Retention == nil || s.opts.SweepInterval <= 0 {
		return
	}
	go s.sweepLoop()
	s.log.Info().Dur("interval", s.opts.SweepInterval).Msg("task sweeper started")
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.Sweep(s.opts.Retention); n > 0 {
				s.log.Debug().Int("evicted", n).Msg("evicted finished tasks")
			}
		}
	}
}

// Model returns the engine model identifier.
func (s *Service) Model() string {
	if s.runner == nil {
		return ""
	}
	return s.runner.Model()
}

// CreateTask registers a new task. It does not start it.
func (s *Service) CreateTask(filename, language, sourcePath string) *Task {
	t := s.registry.Create(filename, language, sourcePath)
	s.opts.Observer.TaskCreated()
	if s.opts.OnCreate != nil {
		s.opts.OnCreate(t)
	}
	s.log.Info().Str("task_id", t.ID).Str("filename", filename).Str("language", language).Msg("task created")
	return t
}

// StartRun launches the task's runner unless one was already started.
// It reports whether this call started it.
func (s *Service) StartRun(id string) (bool, error) {
	t, ok := s.registry.Get(id)
	if !ok {
		return false, ErrTaskNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !t.claim() {
		return false, nil
	}

	s.runs.Add(1)
	s.active.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.active.Add(-1)
		s.runner.Run(s.ctx, t)
	}()
	return true, nil
}

// RequestStop asks a task to stop. A task that was never started is
// finished as cancelled immediately.
func (s *Service) RequestStop(id string) StopResult {
	res := s.registry.Stop(id)
	if res != StopStopping {
		return res
	}
	if t, ok := s.registry.Get(id); ok && t.claim() {
		s.runner.finish(s.ctx, t, StatusCancelled)
	}
	s.log.Info().Str("task_id", id).Msg("stop requested")
	return res
}

// Attach subscribes sub to a task's events.
func (s *Service) Attach(id string, sub Subscriber) error {
	return s.registry.Attach(id, sub)
}

// Detach unsubscribes a subscriber from a task.
func (s *Service) Detach(id, subID string) {
	s.registry.Detach(id, subID)
}

// Get looks up a task.
func (s *Service) Get(id string) (*Task, bool) {
	return s.registry.Get(id)
}

// List returns all retained tasks, oldest first.
func (s *Service) List() []*Task {
	return s.registry.List()
}

// Stats returns live counts for metrics and health.
func (s *Service) Stats() Stats {
	st := Stats{ByStatus: make(map[Status]int)}
	for _, t := range s.registry.List() {
		st.Tasks++
		st.ByStatus[t.Status()]++
		st.Subscribers += t.subs.Len()
	}
	st.Active = int(s.active.Load())
	return st
}

// Shutdown stops accepting runs, cancels every running task and waits for
// runners to exit. If ctx expires first, in-flight decode and inference are
// aborted and ctx's error is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	first := !s.closed
	s.closed = true
	s.mu.Unlock()

	if first {
		for _, t := range s.registry.List() {
			if !t.Status().IsTerminal() {
				s.RequestStop(t.ID)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		s.log.Info().Msg("task service stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Int64("active", s.active.Load()).Msg("shutdown timed out, aborting runners")
		return ctx.Err()
	}
}
