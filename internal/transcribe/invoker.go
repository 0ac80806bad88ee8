package transcribe

import (
	"context"
	"fmt"
	"math"
)

// InferenceError wraps an engine failure for one block.
type InferenceError struct {
	Block int
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("block %d: %v", e.Block, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Result is a segment with its confidence resolved.
type Result struct {
	Text       string
	Start      float64 // seconds from the start of the block
	End        float64
	Confidence float64
}

// Invoker runs the speech engine on one block and materializes its segments.
type Invoker struct {
	engine Engine
	opts   TranscribeOpts
}

// NewInvoker creates an invoker. opts carries settings shared by every call
// (sample rate, temperature); the language hint is supplied per call.
func NewInvoker(engine Engine, opts TranscribeOpts) *Invoker {
	return &Invoker{engine: engine, opts: opts}
}

// Engine returns the wrapped engine.
func (inv *Invoker) Engine() Engine { return inv.engine }

// Invoke transcribes one block. A panic inside the engine is reported as an
// InferenceError rather than escaping.
func (inv *Invoker) Invoke(ctx context.Context, block int, samples []float32, language string) (results []Result, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			results = nil
			err = &InferenceError{Block: block, Err: fmt.Errorf("engine panic: %v", rv)}
		}
	}()

	opts := inv.opts
	opts.Language = language

	segments, err := inv.engine.Transcribe(ctx, samples, opts)
	if err != nil {
		return nil, &InferenceError{Block: block, Err: err}
	}

	results = make([]Result, 0, len(segments))
	for _, s := range segments {
		results = append(results, Result{
			Text:       s.Text,
			Start:      s.Start,
			End:        s.End,
			Confidence: math.Exp(s.AvgLogProb),
		})
	}
	return results, nil
}
