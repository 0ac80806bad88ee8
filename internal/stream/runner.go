package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// BlockSource yields fixed-size audio blocks until io.EOF.
type BlockSource interface {
	Next() (audio.Block, error)
	Close() error
}

// OpenFunc starts decoding the file at path.
type OpenFunc func(ctx context.Context, path string) (BlockSource, error)

// DurationFunc estimates the duration of the file at path in seconds.
type DurationFunc func(ctx context.Context, path string) (float64, error)

// DecoderSource adapts an audio.Decoder to OpenFunc.
func DecoderSource(d *audio.Decoder) OpenFunc {
	return func(ctx context.Context, path string) (BlockSource, error) {
		s, err := d.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Open          OpenFunc
	Duration      DurationFunc // optional
	Invoker       *transcribe.Invoker
	Gate          *transcribe.Gate
	Broadcaster   *Broadcaster
	SampleRate    int
	Model         string
	ShowTimestamp bool
	Observer      Observer
	Clock         func() time.Time
	Log           zerolog.Logger
}

// Runner drives one task through decode, normalize, infer, gate and
// broadcast until the block stream ends, the task is cancelled, or decoding
// fails.
type Runner struct {
	opts RunnerOptions
	log  zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Gate == nil {
		opts.Gate = transcribe.NewGate(nil)
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster(DefaultDeliveryTimeout, opts.Observer, opts.Log)
	}
	return &Runner{opts: opts, log: opts.Log}
}

// Model returns the engine model identifier reported in status events.
func (r *Runner) Model() string { return r.opts.Model }

// Run executes the task to a terminal status and returns it. ctx bounds
// decoding and inference; the task's cancel token is observed before and
// after every block.
func (r *Runner) Run(ctx context.Context, task *Task) (final Status) {
	log := r.log.With().Str("task_id", task.ID).Logger()
	start := r.opts.Clock()

	defer func() {
		if rv := recover(); rv != nil {
			log.Error().Interface("panic", rv).Msg("runner panicked")
			r.fail(ctx, task, fmt.Sprintf("internal error: %v", rv))
			final = StatusError
		}
		r.finish(ctx, task, final)
		log.Info().
			Str("status", string(final)).
			Int("segments", task.Snapshot().TranscriptCount).
			Dur("elapsed", r.opts.Clock().Sub(start)).
			Msg("task finished")
	}()

	return r.loop(ctx, task, start, log)
}

func (r *Runner) loop(ctx context.Context, task *Task, start time.Time, log zerolog.Logger) Status {
	if r.opts.Duration != nil {
		total, err := r.opts.Duration(ctx, task.SourcePath)
		if err != nil {
			log.Debug().Err(err).Msg("duration unavailable, progress events disabled")
		} else if total > 0 {
			task.setTotal(total)
		}
	}

	r.emit(ctx, task, StatusEvent{
		Status:   "started",
		Model:    r.opts.Model,
		Language: task.Language,
	})
	log.Info().Str("source", task.SourcePath).Msg("task started")

	src, err := r.opts.Open(ctx, task.SourcePath)
	if err != nil {
		log.Warn().Err(err).Msg("decoder failed to start")
		r.fail(ctx, task, err.Error())
		return StatusError
	}
	defer src.Close()

	for {
		if r.stopRequested(ctx, task) {
			return StatusCancelled
		}

		block, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn().Err(err).Msg("decode failed")
			r.fail(ctx, task, err.Error())
			return StatusError
		}

		if r.stopRequested(ctx, task) {
			return StatusCancelled
		}
		r.processBlock(ctx, task, block, start, log)
		if r.stopRequested(ctx, task) {
			return StatusCancelled
		}

		if block.Tail {
			break
		}
	}
	// A stop that landed during the last read still wins over completion.
	if r.stopRequested(ctx, task) {
		return StatusCancelled
	}
	return StatusCompleted
}

func (r *Runner) stopRequested(ctx context.Context, task *Task) bool {
	return task.cancel.Cancelled() || ctx.Err() != nil
}

// processBlock runs one block through the pipeline. Failures are reported
// as error events and never abort the task.
func (r *Runner) processBlock(ctx context.Context, task *Task, block audio.Block, start time.Time, log zerolog.Logger) {
	defer func() {
		if rv := recover(); rv != nil {
			r.blockError(ctx, task, block.Index, fmt.Errorf("block %d: panic: %v", block.Index, rv), log)
		}
	}()

	samples := audio.Normalize(block.Samples)

	t0 := r.opts.Clock()
	results, err := r.opts.Invoker.Invoke(ctx, block.Index, samples, task.Language)
	r.opts.Observer.InferenceDone(r.opts.Clock().Sub(t0), err)
	if err != nil {
		r.blockError(ctx, task, block.Index, err, log)
		return
	}

	accepted, rejected := r.opts.Gate.Pass(results)
	r.opts.Observer.SegmentsGated(len(accepted), rejected)
	if rejected > 0 {
		log.Debug().Int("block", block.Index).Int("rejected", rejected).Msg("segments filtered")
	}

	offset := block.Offset(r.opts.SampleRate)
	for _, res := range accepted {
		processed := task.advance(r.opts.Clock().Sub(start).Seconds())
		entry := Entry{
			Text:       res.Text,
			Timestamp:  formatClock(processed),
			Confidence: res.Confidence,
			Start:      round2(offset + res.Start),
			End:        round2(offset + res.End),
		}
		task.appendEntry(entry)

		r.emit(ctx, task, TranscriptionEvent{
			Text:          entry.Text,
			Timestamp:     entry.Timestamp,
			ShowTimestamp: r.opts.ShowTimestamp,
			Confidence:    entry.Confidence,
			Mode:          "segments",
			Start:         entry.Start,
			End:           entry.End,
		})

		if total, ok := task.Total(); ok {
			r.emit(ctx, task, newProgress(processed, total))
		}
	}
}

func (r *Runner) blockError(ctx context.Context, task *Task, index int, err error, log zerolog.Logger) {
	log.Warn().Err(err).Int("block", index).Msg("block failed")
	task.setError(err.Error())
	r.emit(ctx, task, ErrorEvent{Message: err.Error(), Block: &index})
}

func (r *Runner) fail(ctx context.Context, task *Task, msg string) {
	task.setError(msg)
	r.emit(ctx, task, ErrorEvent{Message: msg})
}

// finish performs the terminal transition and emits the final status event.
// Only the first call for a task has any effect.
func (r *Runner) finish(ctx context.Context, task *Task, status Status) {
	if !task.finish(status, r.opts.Clock()) {
		return
	}
	r.opts.Observer.TaskFinished(status)
	r.emit(ctx, task, StatusEvent{Status: string(status)})
	task.subs.RemoveFunc(detachesOnFinish)
	task.closeDone()
}

// emit broadcasts e. Deliveries are not cut short when ctx is cancelled.
func (r *Runner) emit(ctx context.Context, task *Task, e Event) {
	r.opts.Broadcaster.Broadcast(context.WithoutCancel(ctx), task, e)
}
