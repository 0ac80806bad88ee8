package transcribe

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
)

// StubEngine produces deterministic transcripts without calling a Whisper server.
// Silent blocks yield no segments.
type StubEngine struct {
	model string
	log   zerolog.Logger
}

// NewStubEngine returns an Engine that generates placeholder segments.
func NewStubEngine(model string, log zerolog.Logger) *StubEngine {
	return &StubEngine{
		model: model,
		log:   log.With().Str("engine", "stub").Logger(),
	}
}

func (e *StubEngine) Name() string  { return "stub" }
func (e *StubEngine) Model() string { return e.model }

// Transcribe implements the Engine interface.
func (e *StubEngine) Transcribe(ctx context.Context, samples []float32, opts TranscribeOpts) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var peak, energy float64
	for _, s := range samples {
		a := math.Abs(float64(s))
		peak = math.Max(peak, a)
		energy += a * a
	}
	if peak == 0 {
		return nil, nil
	}

	rate := opts.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	dur := float64(len(samples)) / float64(rate)
	rms := math.Sqrt(energy / float64(len(samples)))

	e.log.Debug().Int("samples", len(samples)).Float64("rms", rms).Msg("stub transcript")
	return []Segment{{
		Start:      0,
		End:        dur,
		Text:       fmt.Sprintf("[stub:%s] %.2fs of audio, rms %.3f", e.model, dur, rms),
		AvgLogProb: -0.1,
	}}, nil
}
