package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/storage"
)

// Deps bundles what the HTTP layer needs. Optional collaborators may be nil.
type Deps struct {
	Config  *config.Config
	Tasks   TaskService
	Uploads *storage.UploadStore

	Decoder Checker
	Engine  string
	MQTT    ConnChecker
	Watcher WatcherStatusSource

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		http: &http.Server{
			Addr:        d.Config.HTTPAddr,
			Handler:     NewRouter(d),
			ReadTimeout: d.Config.ReadTimeout,
			// No WriteTimeout: SSE and WebSocket connections live as long as their task.
			IdleTimeout: d.Config.IdleTimeout,
		},
		log: d.Log,
	}
}

// NewRouter builds the route tree. It is separate from NewServer so tests can
// serve it with httptest.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(d.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORS)

	// Health and metrics: no auth
	health := NewHealthHandler(d.Tasks, d.Decoder, d.Engine, d.MQTT, d.Watcher, d.Version, d.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	tasks := NewTasksHandler(d.Tasks, d.Config.UploadDir, d.Config.DefaultLanguage, d.Log)
	events := NewEventsHandler(d.Tasks)
	uploads := NewUploadHandler(d.Uploads, d.Log)
	ws := NewWSHandler(d.Tasks, d.Log)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(d.Config.AuthToken))

		r.Route("/api/v1", func(r chi.Router) {
			tasks.Routes(r)
			events.Routes(r)
			uploads.Routes(r)
		})

		// Paths kept for clients of the original service.
		r.Post("/init_file_stream", tasks.CreateTask)
		r.Post("/upload_file_temp", uploads.Upload)
		r.Post("/stop_file_stream", tasks.StopLegacy)
		r.Get("/ws/file_transcribe", ws.ServeHTTP)
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
