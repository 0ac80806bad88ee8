package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast_PrunesFailedSubscriber(t *testing.T) {
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	good := newRecorder("good")
	bad := newRecorder("bad")
	bad.err = errors.New("connection reset")
	task.Subscribers().Add(good)
	task.Subscribers().Add(bad)

	obs := newCountingObserver()
	b := NewBroadcaster(time.Second, obs, zerolog.Nop())

	n := b.Broadcast(context.Background(), task, StatusEvent{Status: "started"})
	assert.Equal(t, 1, n)
	assert.Len(t, good.messages(), 1)
	assert.False(t, task.Subscribers().Has("bad"))
	assert.True(t, task.Subscribers().Has("good"))

	// the pruned subscriber is not attempted again
	bad.err = nil
	b.Broadcast(context.Background(), task, ProgressEvent{})
	assert.Empty(t, bad.messages())
	assert.Len(t, good.messages(), 2)
	assert.Equal(t, 1, obs.failed)
	assert.Equal(t, 2, obs.delivered)
}

func TestBroadcast_PrunesUnreachable(t *testing.T) {
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	gone := newRecorder("gone")
	gone.unreachable = true
	task.Subscribers().Add(gone)

	b := NewBroadcaster(time.Second, nil, zerolog.Nop())
	assert.Equal(t, 0, b.Broadcast(context.Background(), task, ErrorEvent{Message: "x"}))
	assert.Empty(t, gone.messages())
	assert.Equal(t, 0, task.Subscribers().Len())
}

func TestBroadcast_HangingSubscriberDoesNotBlockOthers(t *testing.T) {
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	stuck := newRecorder("stuck")
	stuck.hang = make(chan struct{})
	defer close(stuck.hang)
	fast := newRecorder("fast")
	task.Subscribers().Add(stuck)
	task.Subscribers().Add(fast)

	b := NewBroadcaster(20*time.Millisecond, nil, zerolog.Nop())

	start := time.Now()
	n := b.Broadcast(context.Background(), task, StatusEvent{Status: "started"})
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, 1, n)
	assert.Len(t, fast.messages(), 1)
	assert.False(t, task.Subscribers().Has("stuck"))
}

func TestBroadcast_NoSubscribers(t *testing.T) {
	task := NewRegistry().Create("a.wav", "", "/a.wav")
	b := NewBroadcaster(0, nil, zerolog.Nop())
	assert.Equal(t, 0, b.Broadcast(context.Background(), task, StatusEvent{Status: "started"}))
}

func TestMessage_JSON(t *testing.T) {
	msg := NewMessage("t-1", TranscriptionEvent{
		Text:       "hello",
		Timestamp:  "00:00:05",
		Confidence: 0.9,
		Mode:       "segments",
		Start:      1.5,
		End:        2,
	})
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "transcription", got.Event)
	assert.Equal(t, "t-1", got.Data["task_id"])
	assert.Equal(t, "hello", got.Data["text"])
	assert.Equal(t, "00:00:05", got.Data["timestamp"])
	assert.Equal(t, false, got.Data["show_timestamp"])

	data, err = json.Marshal(NewMessage("t-1", StatusEvent{Status: "completed"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"status","data":{"status":"completed","task_id":"t-1"}}`, string(data))
}

func TestMessage_IsTerminal(t *testing.T) {
	assert.True(t, NewMessage("x", StatusEvent{Status: "completed"}).IsTerminal())
	assert.True(t, NewMessage("x", StatusEvent{Status: "error"}).IsTerminal())
	assert.False(t, NewMessage("x", StatusEvent{Status: "started"}).IsTerminal())
	assert.False(t, NewMessage("x", StatusEvent{Status: "connected"}).IsTerminal())
	assert.False(t, NewMessage("x", ErrorEvent{Message: "completed"}).IsTerminal())
}

func TestNewProgress(t *testing.T) {
	tests := []struct {
		name             string
		processed, total float64
		want             ProgressEvent
	}{
		{"half", 5, 10, ProgressEvent{ProcessedSeconds: 5, TotalSeconds: 10, Percent: 50}},
		{"rounding", 1, 3, ProgressEvent{ProcessedSeconds: 1, TotalSeconds: 3, Percent: 33.33}},
		{"clamped", 12.346, 10, ProgressEvent{ProcessedSeconds: 12.35, TotalSeconds: 10, Percent: 100}},
		{"zero total", 1, 0, ProgressEvent{ProcessedSeconds: 1, TotalSeconds: 0, Percent: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newProgress(tt.processed, tt.total))
		})
	}
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "00:00:00", formatClock(0))
	assert.Equal(t, "00:00:00", formatClock(-3))
	assert.Equal(t, "00:01:05", formatClock(65.9))
	assert.Equal(t, "02:00:01", formatClock(7201))
}

func TestCancelToken(t *testing.T) {
	c := NewCancelToken()
	assert.False(t, c.Cancelled())
	assert.True(t, c.Cancel())
	assert.False(t, c.Cancel())
	assert.True(t, c.Cancelled())
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}
