package mqttclient

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/stream"
)

// Controller is the task operations reachable over MQTT.
type Controller interface {
	StartRun(id string) (bool, error)
	RequestStop(id string) stream.StopResult
}

type controlMessage struct {
	TaskID string `json:"task_id"`
}

// ControlTopic is the subscription filter for control messages under prefix.
func ControlTopic(prefix string) string {
	return TopicJoin(prefix, "control", "+")
}

// ControlHandler handles <prefix>/control/{start,stop} messages carrying
// {"task_id": "..."}.
func ControlHandler(ctl Controller, log zerolog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		action := topic[strings.LastIndex(topic, "/")+1:]

		var msg controlMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.TaskID == "" {
			log.Warn().Str("topic", topic).Msg("ignoring control message without task_id")
			return
		}

		switch action {
		case "start":
			started, err := ctl.StartRun(msg.TaskID)
			if err != nil {
				log.Warn().Err(err).Str("task_id", msg.TaskID).Msg("mqtt start failed")
				return
			}
			log.Info().Str("task_id", msg.TaskID).Bool("started", started).Msg("mqtt start")
		case "stop":
			res := ctl.RequestStop(msg.TaskID)
			log.Info().Str("task_id", msg.TaskID).Str("result", string(res)).Msg("mqtt stop")
		default:
			log.Warn().Str("topic", topic).Msg("unknown control action")
		}
	}
}
