package api

import (
	"net/http"
	"time"

	"github.com/snarg/scribe-engine/internal/ingest"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Model         string            `json:"model,omitempty"`
	Checks        map[string]string `json:"checks"`
}

// Checker reports whether an optional dependency is usable.
type Checker interface {
	Available() bool
}

// ConnChecker reports broker connectivity.
type ConnChecker interface {
	IsConnected() bool
}

// WatcherStatusSource reports hot-folder status.
type WatcherStatusSource interface {
	Status() ingest.WatcherStatus
}

type HealthHandler struct {
	tasks     TaskService
	decoder   Checker             // nil: not checked
	engine    string              // engine name, "stub" when no Whisper server is configured
	mqtt      ConnChecker         // nil: not configured
	watcher   WatcherStatusSource // nil: not configured
	version   string
	startTime time.Time
}

func NewHealthHandler(tasks TaskService, decoder Checker, engine string, mqtt ConnChecker, watcher WatcherStatusSource, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		tasks:     tasks,
		decoder:   decoder,
		engine:    engine,
		mqtt:      mqtt,
		watcher:   watcher,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Decoder check: without ffmpeg no task can run.
	if h.decoder != nil {
		if h.decoder.Available() {
			checks["ffmpeg"] = "ok"
		} else {
			checks["ffmpeg"] = "missing"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	switch h.engine {
	case "":
		checks["engine"] = "not_configured"
	case "stub":
		checks["engine"] = "stub"
		if status == "healthy" {
			status = "degraded"
		}
	default:
		checks["engine"] = "ok"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	// File watcher check
	if h.watcher != nil {
		checks["file_watcher"] = h.watcher.Status().Status
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.tasks != nil {
		resp.Model = h.tasks.Model()
	}
	WriteJSON(w, httpStatus, resp)
}
