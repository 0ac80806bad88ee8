package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/scribe-engine/internal/stream"
)

const wsWriteTimeout = 10 * time.Second

var errConnClosed = errors.New("websocket closed")

// wsRequest is a client frame: {"event": "start"|"stop", "data": {"task_id": "..."}}.
type wsRequest struct {
	Event string `json:"event"`
	Data  struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// wsReply is a direct reply to a client frame, shaped like a broadcast envelope.
type wsReply struct {
	Event stream.EventType `json:"event"`
	Data  map[string]any   `json:"data"`
}

// wsSubscriber is one WebSocket connection. Broadcasts and direct replies
// share the connection, so every write takes writeMu.
type wsSubscriber struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *wsSubscriber) ID() string      { return c.id }
func (c *wsSubscriber) Reachable() bool { return !c.closed.Load() }

func (c *wsSubscriber) Deliver(ctx context.Context, msg stream.Message) error {
	return c.write(ctx, msg)
}

func (c *wsSubscriber) write(ctx context.Context, v any) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(v); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *wsSubscriber) reply(ctx context.Context, ev stream.EventType, data map[string]any) error {
	return c.write(ctx, wsReply{Event: ev, Data: data})
}

func (c *wsSubscriber) replyError(ctx context.Context, msg string) error {
	return c.reply(ctx, stream.EventError, map[string]any{"message": msg})
}

// WSHandler serves the /ws/file_transcribe protocol.
type WSHandler struct {
	tasks    TaskService
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWSHandler(tasks TaskService, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		tasks: tasks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With().Str("handler", "ws").Logger(),
	}
}

// ServeHTTP upgrades the connection and handles start/stop frames until the
// client disconnects. The connection is detached from every task it joined.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		hlog.FromRequest(r).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{id: "ws:" + uuid.NewString(), conn: conn}
	joined := make(map[string]bool)
	defer func() {
		sub.closed.Store(true)
		for id := range joined {
			h.tasks.Detach(id, sub.ID())
		}
	}()

	log := h.log.With().Str("subscriber", sub.ID()).Logger()
	log.Info().Msg("websocket client connected")
	ctx := r.Context()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("websocket read failed")
			} else {
				log.Info().Msg("websocket client disconnected")
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if sub.replyError(ctx, "invalid message: "+err.Error()) != nil {
				return
			}
			continue
		}

		if err := h.handle(ctx, sub, req, joined, log); err != nil {
			log.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

// handle processes one client frame. A returned error means the connection
// can no longer be written to.
func (h *WSHandler) handle(ctx context.Context, sub *wsSubscriber, req wsRequest, joined map[string]bool, log zerolog.Logger) error {
	id := req.Data.TaskID
	switch req.Event {
	case "start":
		if id == "" {
			return sub.replyError(ctx, "task_id is required")
		}
		if err := h.tasks.Attach(id, sub); err != nil {
			return sub.replyError(ctx, msgTaskNotFound)
		}
		joined[id] = true
		if err := sub.reply(ctx, stream.EventStatus, map[string]any{"status": "connected", "task_id": id}); err != nil {
			return err
		}
		started, err := h.tasks.StartRun(id)
		if err != nil {
			return sub.replyError(ctx, err.Error())
		}
		log.Debug().Str("task_id", id).Bool("started", started).Msg("subscriber attached")
		return nil

	case "stop":
		if id == "" {
			return sub.replyError(ctx, "task_id is required")
		}
		res := h.tasks.RequestStop(id)
		if res == stream.StopNotFound {
			return sub.reply(ctx, stream.EventStatus, map[string]any{"status": "error", "message": msgTaskNotFound, "task_id": id})
		}
		return sub.reply(ctx, stream.EventStatus, map[string]any{"status": string(res), "task_id": id})

	default:
		return sub.replyError(ctx, fmt.Sprintf("unknown event: %q", req.Event))
	}
}
