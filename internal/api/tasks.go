package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/stream"
)

// TaskService is the orchestration surface the transports drive.
// *stream.Service implements it.
type TaskService interface {
	CreateTask(filename, language, sourcePath string) *stream.Task
	StartRun(id string) (bool, error)
	RequestStop(id string) stream.StopResult
	Attach(id string, sub stream.Subscriber) error
	Detach(id, subID string)
	Get(id string) (*stream.Task, bool)
	List() []*stream.Task
	Model() string
}

// CreateTaskRequest is the body of POST /api/v1/tasks and /init_file_stream.
type CreateTaskRequest struct {
	Filename     string `json:"filename"`
	Language     string `json:"language,omitempty"`
	TempFilePath string `json:"temp_file_path"`
}

// StopTaskRequest is the body of the legacy POST /stop_file_stream.
type StopTaskRequest struct {
	TaskID string `json:"task_id"`
}

const msgTaskNotFound = "task not found"

type TasksHandler struct {
	tasks           TaskService
	uploadDir       string
	defaultLanguage string
	log             zerolog.Logger
}

func NewTasksHandler(tasks TaskService, uploadDir, defaultLanguage string, log zerolog.Logger) *TasksHandler {
	return &TasksHandler{
		tasks:           tasks,
		uploadDir:       uploadDir,
		defaultLanguage: defaultLanguage,
		log:             log.With().Str("handler", "tasks").Logger(),
	}
}

// Routes registers task routes on the given router.
func (h *TasksHandler) Routes(r chi.Router) {
	r.Get("/tasks", h.ListTasks)
	r.Post("/tasks", h.CreateTask)
	r.Get("/tasks/{id}", h.GetTask)
	r.Get("/tasks/{id}/transcript", h.GetTranscript)
	r.Post("/tasks/{id}/start", h.StartTask)
	r.Post("/tasks/{id}/stop", h.StopTask)
}

// CreateTask registers a task for an uploaded file. The task does not start
// until a subscriber or an explicit start request triggers it.
func (h *TasksHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.TempFilePath = strings.TrimSpace(req.TempFilePath)
	if req.TempFilePath == "" {
		WriteError(w, http.StatusBadRequest, "temp_file_path is required and must point to an uploaded file")
		return
	}

	// An unresolvable path is kept as given; the run then fails to decode and
	// reports it through the task status.
	source := audio.ResolveSource(h.uploadDir, req.TempFilePath)
	if source == "" {
		source = req.TempFilePath
	}
	lang := req.Language
	if lang == "" {
		lang = h.defaultLanguage
	}

	task := h.tasks.CreateTask(req.Filename, lang, source)
	hlog.FromRequest(r).Debug().Str("task_id", task.ID).Str("source", source).Msg("task initialized")
	WriteJSON(w, http.StatusOK, StatusResponse{Status: "success", TaskID: task.ID})
}

func (h *TasksHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.tasks.List()
	out := make([]stream.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tasks": out, "total": len(out)})
}

func (h *TasksHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.tasks.Get(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, http.StatusNotFound, msgTaskNotFound)
		return
	}
	WriteJSON(w, http.StatusOK, task.Snapshot())
}

func (h *TasksHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	task, ok := h.tasks.Get(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, http.StatusNotFound, msgTaskNotFound)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"task_id":    task.ID,
		"status":     task.Status(),
		"transcript": task.Transcript(),
	})
}

// StartTask starts the runner if it has not been started yet.
func (h *TasksHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	started, err := h.tasks.StartRun(id)
	if errors.Is(err, stream.ErrTaskNotFound) {
		WriteError(w, http.StatusNotFound, msgTaskNotFound)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"task_id": id, "started": started})
}

func (h *TasksHandler) StopTask(w http.ResponseWriter, r *http.Request) {
	h.writeStop(w, chi.URLParam(r, "id"))
}

// StopLegacy handles POST /stop_file_stream with a {"task_id"} body.
func (h *TasksHandler) StopLegacy(w http.ResponseWriter, r *http.Request) {
	var req StopTaskRequest
	if err := DecodeJSON(r, &req); err != nil || req.TaskID == "" {
		WriteError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	h.writeStop(w, req.TaskID)
}

func (h *TasksHandler) writeStop(w http.ResponseWriter, id string) {
	res := h.tasks.RequestStop(id)
	if res == stream.StopNotFound {
		WriteJSON(w, http.StatusNotFound, StatusResponse{Status: "error", Message: msgTaskNotFound})
		return
	}
	WriteJSON(w, http.StatusOK, StatusResponse{Status: string(res), TaskID: id})
}
