package stream

import (
	"fmt"
	"math"
	"time"
)

// EventType tags an outbound event.
type EventType string

const (
	EventStatus        EventType = "status"
	EventTranscription EventType = "transcription"
	EventProgress      EventType = "progress"
	EventError         EventType = "error"
)

// Event is the closed set of payloads a task emits: *StatusEvent,
// *TranscriptionEvent, *ProgressEvent and *ErrorEvent.
type Event interface {
	Type() EventType
	withTask(id string) Event
}

// StatusEvent marks run boundaries. Status is "started" or a terminal Status.
type StatusEvent struct {
	Status   string `json:"status"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	TaskID   string `json:"task_id"`
}

// TranscriptionEvent carries one accepted segment.
type TranscriptionEvent struct {
	Text          string  `json:"text"`
	Timestamp     string  `json:"timestamp"`
	ShowTimestamp bool    `json:"show_timestamp"`
	Confidence    float64 `json:"confidence"`
	Mode          string  `json:"mode"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	TaskID        string  `json:"task_id"`
}

// ProgressEvent reports elapsed processing against the estimated duration.
type ProgressEvent struct {
	ProcessedSeconds float64 `json:"processed_seconds"`
	TotalSeconds     float64 `json:"total_seconds"`
	Percent          float64 `json:"percent"`
	TaskID           string  `json:"task_id"`
}

// ErrorEvent reports a failure. Block is set for per-block inference errors.
type ErrorEvent struct {
	Message string `json:"message"`
	Block   *int   `json:"block,omitempty"`
	TaskID  string `json:"task_id"`
}

func (StatusEvent) Type() EventType        { return EventStatus }
func (TranscriptionEvent) Type() EventType { return EventTranscription }
func (ProgressEvent) Type() EventType      { return EventProgress }
func (ErrorEvent) Type() EventType         { return EventError }

func (e StatusEvent) withTask(id string) Event        { e.TaskID = id; return &e }
func (e TranscriptionEvent) withTask(id string) Event { e.TaskID = id; return &e }
func (e ProgressEvent) withTask(id string) Event      { e.TaskID = id; return &e }
func (e ErrorEvent) withTask(id string) Event         { e.TaskID = id; return &e }

// Message is the wire envelope delivered to subscribers:
//
//	{"event": "transcription", "data": {..., "task_id": "..."}}
type Message struct {
	Event EventType `json:"event"`
	Data  Event     `json:"data"`
}

// NewMessage stamps e with the task id and wraps it in an envelope.
func NewMessage(taskID string, e Event) Message {
	return Message{Event: e.Type(), Data: e.withTask(taskID)}
}

// IsTerminal reports whether m is the final status event of a run.
func (m Message) IsTerminal() bool {
	switch se := m.Data.(type) {
	case *StatusEvent:
		return Status(se.Status).IsTerminal()
	case StatusEvent:
		return Status(se.Status).IsTerminal()
	}
	return false
}

// newProgress builds a progress payload rounded to two decimals with the
// percentage clamped to [0, 100].
func newProgress(processed, total float64) ProgressEvent {
	pct := 100 * processed / math.Max(1e-6, total)
	pct = math.Max(0, math.Min(100, pct))
	return ProgressEvent{
		ProcessedSeconds: round2(processed),
		TotalSeconds:     round2(total),
		Percent:          round2(pct),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatClock renders elapsed seconds as HH:MM:SS.
func formatClock(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}
