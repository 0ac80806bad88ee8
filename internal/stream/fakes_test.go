package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

const testRate = 4 // samples per second; one block = one second

// fakeSource yields blocks, then err (or io.EOF when err is nil).
// onEOF, when set, runs just before io.EOF is returned.
type fakeSource struct {
	mu     sync.Mutex
	blocks []audio.Block
	err    error
	onEOF  func()
	next   int
	closed bool
}

func (s *fakeSource) Next() (audio.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.blocks) {
		b := s.blocks[s.next]
		s.next++
		return b, nil
	}
	if s.err != nil {
		return audio.Block{}, s.err
	}
	if s.onEOF != nil {
		s.onEOF()
	}
	return audio.Block{}, io.EOF
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// makeBlocks returns full blocks followed by a padded tail block when tail is true.
func makeBlocks(full int, tail bool) []audio.Block {
	var out []audio.Block
	for i := 0; i < full; i++ {
		out = append(out, audio.Block{Index: i, Samples: []float32{0.1, -0.2, 0.3, -0.1}})
	}
	if tail {
		out = append(out, audio.Block{Index: full, Samples: []float32{0.2, 0.1, 0, 0}, Tail: true})
	}
	return out
}

func openFrom(src *fakeSource) OpenFunc {
	return func(context.Context, string) (BlockSource, error) { return src, nil }
}

// scriptEngine returns one segment per call unless hook overrides it.
type scriptEngine struct {
	mu    sync.Mutex
	calls int
	hook  func(call int) ([]transcribe.Segment, error)
}

func (e *scriptEngine) Name() string  { return "script" }
func (e *scriptEngine) Model() string { return "test-model" }

func (e *scriptEngine) Transcribe(ctx context.Context, samples []float32, opts transcribe.TranscribeOpts) ([]transcribe.Segment, error) {
	e.mu.Lock()
	call := e.calls
	e.calls++
	hook := e.hook
	e.mu.Unlock()

	if hook != nil {
		return hook(call)
	}
	return []transcribe.Segment{{Start: 0.25, End: 0.75, Text: fmt.Sprintf(" segment %d ", call)}}, nil
}

// stepClock advances one second on every read.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type runnerOpt func(*RunnerOptions)

func newTestRunner(open OpenFunc, eng transcribe.Engine, opts ...runnerOpt) *Runner {
	o := RunnerOptions{
		Open:        open,
		Invoker:     transcribe.NewInvoker(eng, transcribe.TranscribeOpts{SampleRate: testRate}),
		Gate:        transcribe.NewGate(nil),
		Broadcaster: NewBroadcaster(time.Second, nil, zerolog.Nop()),
		SampleRate:  testRate,
		Model:       eng.Model(),
		Clock:       newStepClock().Now,
		Log:         zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewRunner(o)
}

// recorder is a subscriber that stores every message it receives.
type recorder struct {
	id string

	mu          sync.Mutex
	msgs        []Message
	err         error
	unreachable bool
	detach      bool          // detach once the task finishes
	hang        chan struct{} // when set, Deliver blocks until closed, ignoring ctx
}

func newRecorder(id string) *recorder { return &recorder{id: id} }

func (r *recorder) ID() string { return r.id }

func (r *recorder) Reachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unreachable
}

func (r *recorder) DetachOnFinish() bool { return r.detach }

func (r *recorder) Deliver(ctx context.Context, msg Message) error {
	r.mu.Lock()
	hang, err := r.hang, r.err
	r.mu.Unlock()

	if hang != nil {
		<-hang
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) ofType(t EventType) []Message {
	var out []Message
	for _, m := range r.messages() {
		if m.Event == t {
			out = append(out, m)
		}
	}
	return out
}

// countingObserver tallies observer callbacks.
type countingObserver struct {
	mu        sync.Mutex
	created   int
	finished  map[Status]int
	inference int
	infErrs   int
	accepted  int
	rejected  int
	delivered int
	failed    int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{finished: make(map[Status]int)}
}

func (o *countingObserver) TaskCreated() {
	o.mu.Lock()
	o.created++
	o.mu.Unlock()
}

func (o *countingObserver) TaskFinished(s Status) {
	o.mu.Lock()
	o.finished[s]++
	o.mu.Unlock()
}

func (o *countingObserver) InferenceDone(_ time.Duration, err error) {
	o.mu.Lock()
	o.inference++
	if err != nil {
		o.infErrs++
	}
	o.mu.Unlock()
}

func (o *countingObserver) SegmentsGated(accepted, rejected int) {
	o.mu.Lock()
	o.accepted += accepted
	o.rejected += rejected
	o.mu.Unlock()
}

func (o *countingObserver) Delivered(_ EventType, ok bool) {
	o.mu.Lock()
	if ok {
		o.delivered++
	} else {
		o.failed++
	}
	o.mu.Unlock()
}
