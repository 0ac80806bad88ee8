package mqttclient

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/stream"
)

type fakePublisher struct {
	connected bool
	err       error
	topics    []string
	payloads  [][]byte
}

func (p *fakePublisher) IsConnected() bool { return p.connected }

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func TestTaskSink_Deliver(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sink := NewTaskSink(pub, "scribe-engine/", "abc")

	if sink.ID() != "mqtt:abc" {
		t.Errorf("ID = %q", sink.ID())
	}
	if !sink.Reachable() {
		t.Error("sink should be reachable while connected")
	}

	msg := stream.NewMessage("abc", stream.ProgressEvent{ProcessedSeconds: 5, TotalSeconds: 10, Percent: 50})
	if err := sink.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(pub.topics) != 1 || pub.topics[0] != "scribe-engine/tasks/abc/progress" {
		t.Fatalf("topics = %v", pub.topics)
	}
	var got struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(pub.payloads[0], &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Event != "progress" || got.Data["task_id"] != "abc" || got.Data["percent"] != 50.0 {
		t.Errorf("payload = %+v", got)
	}
}

func TestTaskSink_SurvivesBrokerOutage(t *testing.T) {
	pub := &fakePublisher{connected: false}
	sink := NewTaskSink(pub, "p", "abc")

	if !sink.Reachable() {
		t.Error("sink must stay reachable while the broker reconnects")
	}
	if !sink.DetachOnFinish() {
		t.Error("sink should detach when its task finishes")
	}
	if err := sink.Deliver(context.Background(), stream.NewMessage("abc", stream.ErrorEvent{Message: "x"})); err != nil {
		t.Errorf("Deliver while disconnected = %v, want nil", err)
	}
	if len(pub.topics) != 0 {
		t.Errorf("published while disconnected: %v", pub.topics)
	}

	pub.connected = true
	pub.err = errors.New("publish timeout")
	if err := sink.Deliver(context.Background(), stream.NewMessage("abc", stream.ErrorEvent{Message: "y"})); err != nil {
		t.Errorf("Deliver on publish failure = %v, want nil", err)
	}
	if sink.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", sink.Dropped())
	}

	pub.err = nil
	if err := sink.Deliver(context.Background(), stream.NewMessage("abc", stream.StatusEvent{Status: "completed"})); err != nil {
		t.Fatalf("Deliver after reconnect: %v", err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "p/tasks/abc/status" {
		t.Errorf("topics after reconnect = %v", pub.topics)
	}
}

func TestTopicJoin(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"a", "b", "c"}, "a/b/c"},
		{[]string{"a/", "/b/", "", "c"}, "a/b/c"},
		{[]string{"", "tasks"}, "tasks"},
	}
	for _, tt := range tests {
		if got := TopicJoin(tt.in...); got != tt.want {
			t.Errorf("TopicJoin(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := ControlTopic("scribe"); got != "scribe/control/+" {
		t.Errorf("ControlTopic = %q", got)
	}
}

type fakeController struct {
	started []string
	stopped []string
}

func (c *fakeController) StartRun(id string) (bool, error) {
	if id == "missing" {
		return false, stream.ErrTaskNotFound
	}
	c.started = append(c.started, id)
	return true, nil
}

func (c *fakeController) RequestStop(id string) stream.StopResult {
	c.stopped = append(c.stopped, id)
	return stream.StopStopping
}

func TestControlHandler(t *testing.T) {
	ctl := &fakeController{}
	h := ControlHandler(ctl, zerolog.Nop())

	h("scribe/control/start", []byte(`{"task_id":"t1"}`))
	h("scribe/control/start", []byte(`{"task_id":"missing"}`))
	h("scribe/control/stop", []byte(`{"task_id":"t2"}`))
	h("scribe/control/stop", []byte(`{}`))
	h("scribe/control/stop", []byte(`not json`))
	h("scribe/control/reboot", []byte(`{"task_id":"t3"}`))

	if len(ctl.started) != 1 || ctl.started[0] != "t1" {
		t.Errorf("started = %v, want [t1]", ctl.started)
	}
	if len(ctl.stopped) != 1 || ctl.stopped[0] != "t2" {
		t.Errorf("stopped = %v, want [t2]", ctl.stopped)
	}
}
