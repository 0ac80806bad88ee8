package transcribe

import "context"

// Engine is the interface for speech-to-text backends that work on raw PCM blocks.
type Engine interface {
	// Transcribe runs inference over one block of mono float samples and
	// returns its segments in engine order.
	Transcribe(ctx context.Context, samples []float32, opts TranscribeOpts) ([]Segment, error)
	Name() string  // "whisper", "stub"
	Model() string // model identifier for status events and logs
}

// Segment is a timed span of text produced by an engine for one block.
// Start and End are offsets in seconds from the start of the block.
type Segment struct {
	Start        float64
	End          float64
	Text         string
	AvgLogProb   float64
	NoSpeechProb float64
}
