package transcribe

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth = 16
	wavPCM      = 1
)

// writeWAV writes samples to w as a mono 16-bit PCM WAV file. The encoder
// patches chunk sizes on Close and so needs a seekable writer; the block is
// staged in a temp file and then copied to w.
func writeWAV(w io.Writer, samples []float32, sampleRate int) error {
	f, err := os.CreateTemp("", "scribe-block-*.wav")
	if err != nil {
		return fmt.Errorf("create temp wav: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, wavBitDepth, 1, wavPCM)
	if err := enc.Write(pcmBuffer(samples, sampleRate)); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// pcmBuffer converts float samples in [-1, 1] to 16-bit integers, clamping
// out-of-range values.
func pcmBuffer(samples []float32, sampleRate int) *audio.IntBuffer {
	data := make([]int, len(samples))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		data[i] = int(math.Round(v * math.MaxInt16))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}
}
