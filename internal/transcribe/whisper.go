package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint
// with one in-memory WAV block per request.
type WhisperClient struct {
	url      string
	model    string
	defaults TranscribeOpts
	client   *http.Client
}

// TranscribeOpts are per-request options for the Whisper API.
// Zero-value fields are omitted from the request so servers that ignore
// unknown form fields (e.g. speaches, faster-whisper-server) keep working.
type TranscribeOpts struct {
	Language    string // empty = server auto-detect
	SampleRate  int
	Temperature float64
	Prompt      string

	// Decoding
	BeamSize int

	// Anti-hallucination
	ConditionOnPreviousText *bool
	NoSpeechThreshold       float64
	CompressionRatio        float64
	LogProbThreshold        float64

	// VAD
	VadFilter bool
}

// StatusError is a non-200 response from the transcription server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("whisper API error (status %d): %s", e.Code, e.Body)
}

// whisperResponse is the verbose_json response body.
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	ID           int     `json:"id"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	AvgLogProb   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// NewWhisperClient creates a new Whisper HTTP client. defaults supplies the
// anti-hallucination and decoding settings applied to every request.
func NewWhisperClient(url, model string, timeout time.Duration, defaults TranscribeOpts) *WhisperClient {
	return &WhisperClient{
		url:      url,
		model:    model,
		defaults: defaults,
		client:   &http.Client{Timeout: timeout},
	}
}

// DefaultPrompt asks the model to transcribe only speech and to ignore
// background music and noise.
const DefaultPrompt = "请只转写实际听到的语音内容，忽略背景音乐和噪音。"

// DefaultWhisperOpts mirrors the conservative decoding settings the service
// has always used: deterministic temperature, no conditioning on previous
// text, a speech-only initial prompt, and standard no-speech / log-prob
// thresholds.
func DefaultWhisperOpts() TranscribeOpts {
	noCondition := false
	return TranscribeOpts{
		Prompt:                  DefaultPrompt,
		ConditionOnPreviousText: &noCondition,
		NoSpeechThreshold:       0.6,
		CompressionRatio:        2.4,
		LogProbThreshold:        -1.0,
	}
}

func (wc *WhisperClient) Name() string  { return "whisper" }
func (wc *WhisperClient) Model() string { return wc.model }

// Transcribe encodes samples as 16-bit WAV and posts them to the server.
func (wc *WhisperClient) Transcribe(ctx context.Context, samples []float32, opts TranscribeOpts) ([]Segment, error) {
	opts = wc.merge(opts)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "block.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := writeWAV(part, samples, opts.SampleRate); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	if opts.Language != "" {
		w.WriteField("language", opts.Language)
	}
	w.WriteField("temperature", fmt.Sprintf("%.2f", opts.Temperature))
	w.WriteField("response_format", "verbose_json")
	w.WriteField("timestamp_granularities[]", "segment")

	if opts.Prompt != "" {
		w.WriteField("prompt", opts.Prompt)
	}
	if opts.BeamSize > 0 {
		w.WriteField("beam_size", strconv.Itoa(opts.BeamSize))
	}
	if opts.ConditionOnPreviousText != nil {
		w.WriteField("condition_on_previous_text", strconv.FormatBool(*opts.ConditionOnPreviousText))
	}
	if opts.NoSpeechThreshold > 0 {
		w.WriteField("no_speech_threshold", fmt.Sprintf("%.2f", opts.NoSpeechThreshold))
	}
	if opts.CompressionRatio > 0 {
		w.WriteField("compression_ratio_threshold", fmt.Sprintf("%.2f", opts.CompressionRatio))
	}
	if opts.LogProbThreshold != 0 {
		w.WriteField("log_prob_threshold", fmt.Sprintf("%.2f", opts.LogProbThreshold))
	}
	if opts.VadFilter {
		w.WriteField("vad_filter", "true")
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var result whisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	segments := make([]Segment, 0, len(result.Segments))
	for _, s := range result.Segments {
		segments = append(segments, Segment{
			Start:        s.Start,
			End:          s.End,
			Text:         s.Text,
			AvgLogProb:   s.AvgLogProb,
			NoSpeechProb: s.NoSpeechProb,
		})
	}
	return segments, nil
}

// merge fills zero-valued request options from the client defaults.
func (wc *WhisperClient) merge(opts TranscribeOpts) TranscribeOpts {
	d := wc.defaults
	if opts.SampleRate == 0 {
		opts.SampleRate = d.SampleRate
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	if opts.Temperature == 0 {
		opts.Temperature = d.Temperature
	}
	if opts.Prompt == "" {
		opts.Prompt = d.Prompt
	}
	if opts.BeamSize == 0 {
		opts.BeamSize = d.BeamSize
	}
	if opts.ConditionOnPreviousText == nil {
		opts.ConditionOnPreviousText = d.ConditionOnPreviousText
	}
	if opts.NoSpeechThreshold == 0 {
		opts.NoSpeechThreshold = d.NoSpeechThreshold
	}
	if opts.CompressionRatio == 0 {
		opts.CompressionRatio = d.CompressionRatio
	}
	if opts.LogProbThreshold == 0 {
		opts.LogProbThreshold = d.LogProbThreshold
	}
	if !opts.VadFilter {
		opts.VadFilter = d.VadFilter
	}
	return opts
}
