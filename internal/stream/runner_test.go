package stream

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/transcribe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastStatus(t *testing.T, rec *recorder) string {
	t.Helper()
	msgs := rec.messages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, EventStatus, last.Event)
	se, ok := last.Data.(*StatusEvent)
	require.True(t, ok, "status payload is %T", last.Data)
	return se.Status
}

func assertNonDecreasing(t *testing.T, entries []Entry) {
	t.Helper()
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i-1].Timestamp, entries[i].Timestamp, "entry %d", i)
	}
}

func TestRunner_CompletesWithTailBlock(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(3, true)}
	eng := &scriptEngine{}
	obs := newCountingObserver()
	r := newTestRunner(openFrom(src), eng, func(o *RunnerOptions) {
		o.Duration = func(context.Context, string) (float64, error) { return 100, nil }
		o.Observer = obs
		o.ShowTimestamp = true
	})

	task := NewRegistry().Create("talk.wav", "en", "/audio/talk.wav")
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	status := r.Run(context.Background(), task)

	require.Equal(t, StatusCompleted, status)
	assert.Equal(t, StatusCompleted, task.Status())
	assert.True(t, src.isClosed(), "decoder not closed")

	entries := task.Transcript()
	require.Len(t, entries, 4)
	assertNonDecreasing(t, entries)
	assert.Equal(t, "segment 0", entries[0].Text)
	assert.Equal(t, 3.25, entries[3].Start)
	assert.Equal(t, 3.75, entries[3].End)
	assert.Equal(t, 1.0, entries[0].Confidence)

	msgs := rec.messages()
	require.Len(t, msgs, 10) // started + 4*(transcription+progress) + completed
	first, ok := msgs[0].Data.(*StatusEvent)
	require.True(t, ok)
	assert.Equal(t, "started", first.Status)
	assert.Equal(t, "test-model", first.Model)
	assert.Equal(t, "en", first.Language)
	assert.Equal(t, task.ID, first.TaskID)
	assert.Equal(t, "completed", lastStatus(t, rec))

	tr := rec.ofType(EventTranscription)
	require.Len(t, tr, 4)
	ev := tr[0].Data.(*TranscriptionEvent)
	assert.Equal(t, "segments", ev.Mode)
	assert.True(t, ev.ShowTimestamp)
	assert.Equal(t, task.ID, ev.TaskID)

	for _, m := range rec.ofType(EventProgress) {
		p := m.Data.(*ProgressEvent)
		assert.Equal(t, 100.0, p.TotalSeconds)
		assert.GreaterOrEqual(t, p.Percent, 0.0)
		assert.LessOrEqual(t, p.Percent, 100.0)
	}

	select {
	case <-task.Done():
	default:
		t.Error("Done not closed after terminal status")
	}
	assert.Equal(t, 4, obs.accepted)
	assert.Equal(t, 1, obs.finished[StatusCompleted])
}

func TestRunner_CancelBeforeSecondBlock(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(3, true)}
	task := NewRegistry().Create("talk.wav", "", "/audio/talk.wav")
	eng := &scriptEngine{}
	eng.hook = func(call int) ([]transcribe.Segment, error) {
		if call == 0 {
			task.Cancel().Cancel()
		}
		return []transcribe.Segment{{Text: "hello"}}, nil
	}
	r := newTestRunner(openFrom(src), eng)
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	status := r.Run(context.Background(), task)

	assert.Equal(t, StatusCancelled, status)
	assert.Len(t, task.Transcript(), 1)
	assert.Len(t, rec.ofType(EventTranscription), 1)
	assert.Equal(t, 1, eng.calls)
	assert.Equal(t, "cancelled", lastStatus(t, rec))
	assert.True(t, src.isClosed())
}

func TestRunner_CancelDuringFinalRead(t *testing.T) {
	task := NewRegistry().Create("talk.wav", "", "/audio/talk.wav")
	src := &fakeSource{blocks: makeBlocks(1, false)}
	src.onEOF = func() { task.Cancel().Cancel() }
	r := newTestRunner(openFrom(src), &scriptEngine{})
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	status := r.Run(context.Background(), task)

	assert.Equal(t, StatusCancelled, status)
	assert.Equal(t, StatusCancelled, task.Status())
	assert.Len(t, task.Transcript(), 1)
	assert.Equal(t, "cancelled", lastStatus(t, rec))
}

func TestRunner_FinishDetachesTaskScopedSubscribers(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(1, true)}
	r := newTestRunner(openFrom(src), &scriptEngine{})
	task := NewRegistry().Create("a.wav", "", "/a.wav")

	sink := newRecorder("sink")
	sink.detach = true
	client := newRecorder("client")
	task.Subscribers().Add(sink)
	task.Subscribers().Add(client)

	require.Equal(t, StatusCompleted, r.Run(context.Background(), task))

	assert.Equal(t, "completed", lastStatus(t, sink), "sink still receives the terminal event")
	assert.False(t, task.Subscribers().Has("sink"))
	assert.True(t, task.Subscribers().Has("client"))
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(2, false)}
	eng := &scriptEngine{}
	r := newTestRunner(openFrom(src), eng)
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	task.Cancel().Cancel()

	assert.Equal(t, StatusCancelled, r.Run(context.Background(), task))
	assert.Equal(t, 0, eng.calls)
	assert.Empty(t, task.Transcript())
}

func TestRunner_DecoderStartFailure(t *testing.T) {
	open := func(context.Context, string) (BlockSource, error) {
		return nil, &audio.DecodeError{Kind: audio.ErrDecodeStart, Path: "/missing.wav", Err: os.ErrNotExist}
	}
	obs := newCountingObserver()
	r := newTestRunner(open, &scriptEngine{}, func(o *RunnerOptions) { o.Observer = obs })
	task := NewRegistry().Create("missing.wav", "", "/missing.wav")
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	status := r.Run(context.Background(), task)

	assert.Equal(t, StatusError, status)
	assert.Empty(t, task.Transcript())

	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.NotEmpty(t, errs[0].Data.(*ErrorEvent).Message)
	assert.Nil(t, errs[0].Data.(*ErrorEvent).Block)
	assert.Equal(t, "error", lastStatus(t, rec))
	assert.NotEmpty(t, task.Snapshot().LastError)
	assert.Equal(t, 1, obs.finished[StatusError])
}

func TestRunner_InferenceErrorContinues(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(3, true)}
	eng := &scriptEngine{}
	eng.hook = func(call int) ([]transcribe.Segment, error) {
		if call == 1 {
			return nil, errors.New("engine overloaded")
		}
		return []transcribe.Segment{{Text: "ok"}}, nil
	}
	obs := newCountingObserver()
	r := newTestRunner(openFrom(src), eng, func(o *RunnerOptions) { o.Observer = obs })
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	status := r.Run(context.Background(), task)

	assert.Equal(t, StatusCompleted, status)
	assert.Len(t, task.Transcript(), 3)
	assert.Len(t, rec.ofType(EventTranscription), 3)

	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	ev := errs[0].Data.(*ErrorEvent)
	require.NotNil(t, ev.Block)
	assert.Equal(t, 1, *ev.Block)
	assert.Contains(t, ev.Message, "engine overloaded")

	// transcription events follow the error
	msgs := rec.messages()
	var sawError, transcriptionAfter bool
	for _, m := range msgs {
		if m.Event == EventError {
			sawError = true
		} else if sawError && m.Event == EventTranscription {
			transcriptionAfter = true
		}
	}
	assert.True(t, transcriptionAfter)
	assert.Equal(t, 1, obs.infErrs)
	assert.Equal(t, 4, obs.inference)
}

func TestRunner_EnginePanicIsBlockError(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(2, false)}
	eng := &scriptEngine{}
	eng.hook = func(call int) ([]transcribe.Segment, error) {
		if call == 0 {
			panic("cuda out of memory")
		}
		return []transcribe.Segment{{Text: "fine"}}, nil
	}
	r := newTestRunner(openFrom(src), eng)
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	assert.Equal(t, StatusCompleted, r.Run(context.Background(), task))
	assert.Len(t, task.Transcript(), 1)
	assert.Len(t, rec.ofType(EventError), 1)
}

func TestRunner_MidStreamDecodeError(t *testing.T) {
	src := &fakeSource{
		blocks: makeBlocks(1, false),
		err:    &audio.DecodeError{Kind: audio.ErrDecodeIO, Path: "/a.wav", Err: errors.New("broken pipe")},
	}
	r := newTestRunner(openFrom(src), &scriptEngine{})
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	assert.Equal(t, StatusError, r.Run(context.Background(), task))
	assert.Len(t, task.Transcript(), 1)
	assert.Len(t, rec.ofType(EventError), 1)
	assert.Equal(t, "error", lastStatus(t, rec))
	assert.True(t, src.isClosed())
}

func TestRunner_NoDurationNoProgress(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(2, false)}
	r := newTestRunner(openFrom(src), &scriptEngine{}, func(o *RunnerOptions) {
		o.Duration = func(context.Context, string) (float64, error) { return 0, errors.New("N/A") }
	})
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	assert.Equal(t, StatusCompleted, r.Run(context.Background(), task))
	assert.Empty(t, rec.ofType(EventProgress))
	assert.Nil(t, task.Snapshot().TotalSeconds)
}

func TestRunner_QualityGateDropsSegments(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(3, false)}
	gate := transcribe.NewGate(transcribe.FilterFunc(func(text string, _ float64) bool {
		return text != "segment 1"
	}))
	obs := newCountingObserver()
	r := newTestRunner(openFrom(src), &scriptEngine{}, func(o *RunnerOptions) {
		o.Gate = gate
		o.Observer = obs
	})
	task := NewRegistry().Create("a.wav", "", "/a.wav")

	assert.Equal(t, StatusCompleted, r.Run(context.Background(), task))
	entries := task.Transcript()
	require.Len(t, entries, 2)
	assert.Equal(t, "segment 0", entries[0].Text)
	assert.Equal(t, "segment 2", entries[1].Text)
	assert.Equal(t, 1, obs.rejected)
}

func TestRunner_ContextCancelledStillDeliversTerminal(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(2, false)}
	r := newTestRunner(openFrom(src), &scriptEngine{})
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, StatusCancelled, r.Run(ctx, task))
	assert.Equal(t, "cancelled", lastStatus(t, rec))
	assert.True(t, task.Subscribers().Has("rec"))
}

func TestRunner_TerminalStatusIsFinal(t *testing.T) {
	src := &fakeSource{blocks: makeBlocks(1, false)}
	r := newTestRunner(openFrom(src), &scriptEngine{})
	reg := NewRegistry()
	task := reg.Create("a.wav", "", "/a.wav")
	rec := newRecorder("rec")
	task.Subscribers().Add(rec)

	require.Equal(t, StatusCompleted, r.Run(context.Background(), task))
	n := len(rec.messages())

	r.finish(context.Background(), task, StatusError)
	assert.Equal(t, StatusCompleted, task.Status())
	assert.Len(t, rec.messages(), n, "no events after terminal status")
	assert.Equal(t, StopAlreadyStopped, reg.Stop(task.ID))
	assert.Equal(t, StatusCompleted, task.Status())
}
