package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/scribe-engine/internal/stream"
)

const (
	sseBuffer    = 64
	sseKeepalive = 15 * time.Second
)

var errSubscriberGone = errors.New("subscriber disconnected")

// sseSubscriber queues task events for one SSE connection. The handler
// goroutine owns the ResponseWriter; Deliver only hands messages over.
type sseSubscriber struct {
	id   string
	ch   chan stream.Message
	gone chan struct{}
}

func newSSESubscriber() *sseSubscriber {
	return &sseSubscriber{
		id:   "sse:" + uuid.NewString(),
		ch:   make(chan stream.Message, sseBuffer),
		gone: make(chan struct{}),
	}
}

func (s *sseSubscriber) ID() string { return s.id }

func (s *sseSubscriber) Reachable() bool {
	select {
	case <-s.gone:
		return false
	default:
		return true
	}
}

func (s *sseSubscriber) Deliver(ctx context.Context, msg stream.Message) error {
	select {
	case s.ch <- msg:
		return nil
	case <-s.gone:
		return errSubscriberGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

type EventsHandler struct {
	tasks TaskService
}

func NewEventsHandler(tasks TaskService) *EventsHandler {
	return &EventsHandler{tasks: tasks}
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/tasks/{id}/events", h.StreamEvents)
}

// StreamEvents opens an SSE connection subscribed to one task. With
// ?start=true the task's runner is started once the subscriber is attached.
// The stream ends after the terminal status event.
//
// A client that attaches after the task finished receives no broadcast
// events. The handler instead writes a single replay frame, preceded by a
// ": replay" comment, carrying the final status from the task snapshot, and
// closes the stream.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := h.tasks.Get(id)
	if !ok {
		WriteError(w, http.StatusNotFound, msgTaskNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := newSSESubscriber()
	defer close(sub.gone)
	if err := h.tasks.Attach(id, sub); err != nil {
		WriteError(w, http.StatusNotFound, msgTaskNotFound)
		return
	}
	defer h.tasks.Detach(id, sub.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := hlog.FromRequest(r).With().Str("task_id", id).Logger()
	log.Info().Msg("SSE client connected")

	if start, _ := QueryBool(r, "start"); start {
		if _, err := h.tasks.StartRun(id); err != nil {
			log.Warn().Err(err).Msg("start from SSE subscriber failed")
		}
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	var seq int
	write := func(msg stream.Message) bool {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			log.Error().Err(err).Str("event", string(msg.Event)).Msg("encode event")
			return true
		}
		seq++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, msg.Event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	done := task.Done()
	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case msg := <-sub.ch:
			if !write(msg) || msg.IsTerminal() {
				return
			}
		case <-done:
			// The terminal event may already be queued. If it is not, the task
			// finished before this subscriber was attached.
			for {
				select {
				case msg := <-sub.ch:
					if !write(msg) || msg.IsTerminal() {
						return
					}
				default:
					fmt.Fprint(w, ": replay\n")
					write(stream.NewMessage(id, stream.StatusEvent{Status: string(task.Status())}))
					return
				}
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
