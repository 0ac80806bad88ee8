package transcribe

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
)

type funcEngine func(ctx context.Context, samples []float32, opts TranscribeOpts) ([]Segment, error)

func (f funcEngine) Name() string  { return "func" }
func (f funcEngine) Model() string { return "test" }
func (f funcEngine) Transcribe(ctx context.Context, samples []float32, opts TranscribeOpts) ([]Segment, error) {
	return f(ctx, samples, opts)
}

func TestInvoker_Confidence(t *testing.T) {
	var gotLang string
	var gotRate int
	eng := funcEngine(func(_ context.Context, _ []float32, opts TranscribeOpts) ([]Segment, error) {
		gotLang, gotRate = opts.Language, opts.SampleRate
		return []Segment{
			{Text: "a", AvgLogProb: 0},
			{Text: "b", AvgLogProb: -1},
		}, nil
	})

	inv := NewInvoker(eng, TranscribeOpts{SampleRate: 16000})
	res, err := inv.Invoke(context.Background(), 0, []float32{0.1}, "fr")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotLang != "fr" || gotRate != 16000 {
		t.Errorf("opts = (%q, %d), want (fr, 16000)", gotLang, gotRate)
	}
	if res[0].Confidence != 1 {
		t.Errorf("confidence[0] = %v, want 1", res[0].Confidence)
	}
	if math.Abs(res[1].Confidence-math.Exp(-1)) > 1e-12 {
		t.Errorf("confidence[1] = %v, want %v", res[1].Confidence, math.Exp(-1))
	}
}

func TestInvoker_WrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	inv := NewInvoker(funcEngine(func(context.Context, []float32, TranscribeOpts) ([]Segment, error) {
		return nil, boom
	}), TranscribeOpts{})

	_, err := inv.Invoke(context.Background(), 3, nil, "")
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Block != 3 {
		t.Fatalf("err = %v, want InferenceError for block 3", err)
	}
	if !errors.Is(err, boom) {
		t.Error("InferenceError should unwrap to the engine error")
	}
}

func TestInvoker_RecoversPanic(t *testing.T) {
	inv := NewInvoker(funcEngine(func(context.Context, []float32, TranscribeOpts) ([]Segment, error) {
		panic("model exploded")
	}), TranscribeOpts{})

	res, err := inv.Invoke(context.Background(), 1, nil, "")
	var ie *InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want InferenceError", err)
	}
	if res != nil {
		t.Errorf("results = %v, want nil", res)
	}
}

func TestStubEngine(t *testing.T) {
	e := NewStubEngine("tiny", zerolog.Nop())

	segs, err := e.Transcribe(context.Background(), make([]float32, 16000), TranscribeOpts{SampleRate: 16000})
	if err != nil || segs != nil {
		t.Errorf("silent block: segs = %v, err = %v; want nil, nil", segs, err)
	}

	samples := make([]float32, 8000)
	for i := range samples {
		samples[i] = 0.5
	}
	segs, err = e.Transcribe(context.Background(), samples, TranscribeOpts{SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("segments = %d, want 1", len(segs))
	}
	if segs[0].End != 0.5 {
		t.Errorf("end = %v, want 0.5", segs[0].End)
	}
	if want := "[stub:tiny] 0.50s of audio, rms 0.500"; segs[0].Text != want {
		t.Errorf("text = %q, want %q", segs[0].Text, want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Transcribe(ctx, samples, TranscribeOpts{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx: err = %v, want Canceled", err)
	}
}
