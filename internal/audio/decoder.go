package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const bytesPerSample = 4 // f32le

var (
	// ErrDecodeStart means the decoder process could not be launched or produced no audio.
	ErrDecodeStart = errors.New("decoder failed to start")
	// ErrDecodeIO means the decoder stream broke after audio started flowing.
	ErrDecodeIO = errors.New("decoder stream failed")
)

// DecodeError is a decode failure with the source path and any captured stderr.
type DecodeError struct {
	Kind   error
	Path   string
	Stderr string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("%v: %s", e.Kind, e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += " (" + e.Stderr + ")"
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is / errors.As.
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Block is one fixed-duration slice of mono PCM samples.
type Block struct {
	Index   int
	Samples []float32
	// Tail marks a final block that was zero-padded to full length.
	Tail bool
}

// Offset returns the block's start position in seconds.
func (b Block) Offset(sampleRate int) float64 {
	if sampleRate <= 0 || len(b.Samples) == 0 {
		return 0
	}
	return float64(b.Index*len(b.Samples)) / float64(sampleRate)
}

// process abstracts the external decoder so tests can substitute a pipe.
type process interface {
	Stdout() io.Reader
	Stderr() string
	Terminate() error
	Kill() error
	Wait() error
}

type startFunc func(ctx context.Context, name string, args ...string) (process, error)

// DecoderOptions configures a Decoder.
type DecoderOptions struct {
	FFmpegPath   string
	SampleRate   int
	BlockSeconds float64
	// KillGrace is how long Close waits after terminating before killing the process.
	KillGrace time.Duration
}

// Decoder opens audio files through ffmpeg and yields fixed-size blocks.
type Decoder struct {
	opts  DecoderOptions
	start startFunc
	stat  func(name string) (os.FileInfo, error)
}

// NewDecoder creates a decoder backed by an ffmpeg subprocess.
func NewDecoder(opts DecoderOptions) *Decoder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.BlockSeconds <= 0 {
		opts.BlockSeconds = 5
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 2 * time.Second
	}
	return &Decoder{opts: opts, start: startExec, stat: os.Stat}
}

// SampleRate returns the decode sample rate.
func (d *Decoder) SampleRate() int { return d.opts.SampleRate }

// Available reports whether the ffmpeg binary is in PATH.
func (d *Decoder) Available() bool {
	_, err := exec.LookPath(d.opts.FFmpegPath)
	return err == nil
}

// SamplesPerBlock returns the number of samples in every block.
func (d *Decoder) SamplesPerBlock() int {
	return int(float64(d.opts.SampleRate) * d.opts.BlockSeconds)
}

// Open starts decoding path. The returned stream must be closed; Close
// terminates the decoder process on every exit path.
func (d *Decoder) Open(ctx context.Context, path string) (*Stream, error) {
	if _, err := d.stat(path); err != nil {
		return nil, &DecodeError{Kind: ErrDecodeStart, Path: path, Err: err}
	}

	proc, err := d.start(ctx, d.opts.FFmpegPath, buildDecodeArgs(path, d.opts.SampleRate)...)
	if err != nil {
		return nil, &DecodeError{Kind: ErrDecodeStart, Path: path, Err: err}
	}

	return &Stream{
		path:      path,
		proc:      proc,
		buf:       make([]byte, d.SamplesPerBlock()*bytesPerSample),
		killGrace: d.opts.KillGrace,
	}, nil
}

// Stream yields blocks from one running decoder process.
type Stream struct {
	path      string
	proc      process
	buf       []byte
	killGrace time.Duration

	next    int
	samples int
	done    bool

	waitOnce sync.Once
	waitErr  error
	closed   sync.Once
}

// Next returns the next block, or io.EOF once the stream is exhausted.
//
// A short final read is zero-padded and flagged as Tail; no further reads
// are attempted after it so a decoder that never closes its stdout cannot
// stall the caller.
func (s *Stream) Next() (Block, error) {
	if s.done {
		return Block{}, io.EOF
	}

	n, err := io.ReadFull(s.proc.Stdout(), s.buf)
	n -= n % bytesPerSample

	switch {
	case err == nil:
		return s.emit(n, false), nil

	case errors.Is(err, io.EOF):
		// Clean end at a block boundary.
		s.done = true
		if s.samples == 0 {
			if werr := s.wait(); werr != nil {
				return Block{}, &DecodeError{Kind: ErrDecodeStart, Path: s.path, Stderr: s.proc.Stderr(), Err: werr}
			}
		}
		return Block{}, io.EOF

	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		if n == 0 {
			return Block{}, io.EOF
		}
		return s.emit(n, true), nil

	default:
		s.done = true
		if n == 0 && s.samples > 0 {
			// Broken pipe exactly between blocks is treated as end of stream.
			return Block{}, io.EOF
		}
		kind := ErrDecodeIO
		if n == 0 && s.samples == 0 {
			kind = ErrDecodeStart
		}
		return Block{}, &DecodeError{Kind: kind, Path: s.path, Stderr: s.proc.Stderr(), Err: err}
	}
}

func (s *Stream) emit(n int, tail bool) Block {
	samples := make([]float32, len(s.buf)/bytesPerSample)
	for i := 0; i < n/bytesPerSample; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(s.buf[i*bytesPerSample:]))
	}
	b := Block{Index: s.next, Samples: samples, Tail: tail}
	s.next++
	s.samples += n / bytesPerSample
	return b
}

func (s *Stream) wait() error {
	s.waitOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- s.proc.Wait() }()
		select {
		case s.waitErr = <-done:
		case <-time.After(s.killGrace):
			_ = s.proc.Kill()
			s.waitErr = <-done
		}
	})
	return s.waitErr
}

// Close asks the decoder to terminate and kills it if it has not exited
// within the grace period. Safe to call more than once.
func (s *Stream) Close() error {
	s.closed.Do(func() {
		s.done = true
		_ = s.proc.Terminate()
		_ = s.wait()
	})
	return nil
}

// buildDecodeArgs builds ffmpeg args for mono f32le PCM on stdout.
func buildDecodeArgs(inputPath string, sampleRate int) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "f32le",
		"pipe:1",
	}
}

// execProcess runs the decoder via os/exec.
type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *tailBuffer
}

func startExec(ctx context.Context, name string, args ...string) (process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &tailBuffer{limit: 2048}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() string    { return p.stderr.String() }

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
