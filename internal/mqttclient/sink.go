package mqttclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/snarg/scribe-engine/internal/stream"
)

// Publisher is the part of Client a TaskSink needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
}

// TaskSink is a stream.Subscriber that republishes one task's events to
// <prefix>/tasks/<task_id>/<event>. Events published while the broker is
// unreachable are dropped; the sink stays attached and resumes after paho
// reconnects.
type TaskSink struct {
	pub     Publisher
	prefix  string
	taskID  string
	dropped atomic.Int64
}

// NewTaskSink creates a sink for taskID.
func NewTaskSink(pub Publisher, prefix, taskID string) *TaskSink {
	return &TaskSink{pub: pub, prefix: prefix, taskID: taskID}
}

func (s *TaskSink) ID() string { return "mqtt:" + s.taskID }

// Reachable is always true. A broker outage is transient and must not
// prune the sink.
func (s *TaskSink) Reachable() bool { return true }

// DetachOnFinish releases the sink once its task is terminal.
func (s *TaskSink) DetachOnFinish() bool { return true }

// Dropped returns how many events were skipped or failed to publish.
func (s *TaskSink) Dropped() int64 { return s.dropped.Load() }

// Deliver publishes the JSON envelope. Only encoding failures are returned.
func (s *TaskSink) Deliver(ctx context.Context, msg stream.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if !s.pub.IsConnected() {
		s.dropped.Add(1)
		return nil
	}
	if err := s.pub.Publish(ctx, s.Topic(msg.Event), payload); err != nil {
		s.dropped.Add(1)
	}
	return nil
}

// Topic returns the topic for events of type ev.
func (s *TaskSink) Topic(ev stream.EventType) string {
	return TopicJoin(s.prefix, "tasks", s.taskID, string(ev))
}
