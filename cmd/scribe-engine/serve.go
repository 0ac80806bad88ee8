package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/api"
	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/ingest"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/mqttclient"
	"github.com/snarg/scribe-engine/internal/storage"
	"github.com/snarg/scribe-engine/internal/stream"
	"github.com/snarg/scribe-engine/internal/transcribe"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func serve(parent context.Context, cfg *config.Config) error {
	startTime := time.Now()

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("scribe-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Speech engine
	engine := newEngine(cfg, log)
	gate, err := newGate(cfg)
	if err != nil {
		return err
	}
	log.Info().
		Str("engine", engine.Name()).
		Str("model", engine.Model()).
		Float64("confidence_threshold", cfg.ConfidenceThreshold).
		Msg("transcription configured")

	// Decoder
	decoder := audio.NewDecoder(audio.DecoderOptions{
		FFmpegPath:   cfg.FFmpegPath,
		SampleRate:   cfg.SampleRate,
		BlockSeconds: cfg.BlockSeconds,
		KillGrace:    cfg.DecoderKillGrace,
	})
	prober := audio.NewProber(cfg.FFprobePath)

	// Task pipeline
	observer := metrics.Observer{}
	runner := stream.NewRunner(stream.RunnerOptions{
		Open:     stream.DecoderSource(decoder),
		Duration: prober.Duration,
		Invoker: transcribe.NewInvoker(engine, transcribe.TranscribeOpts{
			SampleRate:  cfg.SampleRate,
			Temperature: cfg.WhisperTemperature,
		}),
		Gate:          gate,
		Broadcaster:   stream.NewBroadcaster(cfg.DeliveryTimeout, observer, log.With().Str("component", "broadcast").Logger()),
		SampleRate:    cfg.SampleRate,
		Model:         engine.Model(),
		ShowTimestamp: cfg.ShowTimestamp,
		Observer:      observer,
		Log:           log.With().Str("component", "runner").Logger(),
	})

	// MQTT (optional)
	var mqtt *mqttclient.Client
	if cfg.MQTTEnabled() {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Topics:    []string{mqttclient.ControlTopic(cfg.MQTTTopicPrefix)},
			Log:       log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			return fmt.Errorf("connect to mqtt broker: %w", err)
		}
		defer mqtt.Close()
	}

	svcOpts := stream.ServiceOptions{
		Runner:        runner,
		SweepInterval: cfg.TaskSweepInterval,
		Observer:      observer,
		Log:           log.With().Str("component", "tasks").Logger(),
	}
	if cfg.TaskRetention > 0 {
		svcOpts.Retention = stream.RetainFor(cfg.TaskRetention)
	}
	if mqtt != nil {
		prefix := cfg.MQTTTopicPrefix
		svcOpts.OnCreate = func(t *stream.Task) {
			t.Subscribers().Add(mqttclient.NewTaskSink(mqtt, prefix, t.ID))
		}
	}
	svc := stream.NewService(svcOpts)
	svc.Start()

	if mqtt != nil {
		mqtt.SetMessageHandler(mqttclient.ControlHandler(svc, log.With().Str("component", "mqtt-control").Logger()))
	}

	// Live gauges
	prometheus.MustRegister(metrics.NewCollector(svc))

	// Uploads
	uploads, err := storage.NewUploadStore(cfg.UploadDir, cfg.MaxUploadBytes, cfg.AllowedFormats)
	if err != nil {
		return err
	}
	pruner := storage.NewUploadPruner(uploads.Dir(), cfg.UploadRetention, cfg.UploadMaxGB, sourceInUse(svc), log)
	if pruner.Enabled() {
		pruner.Start()
		defer pruner.Stop()
	}

	// Hot folder (optional)
	var watcher *ingest.FileWatcher
	if cfg.WatchDir != "" {
		watcher = ingest.NewFileWatcher(svc, ingest.WatcherOptions{
			Dir:      cfg.WatchDir,
			Language: cfg.WatchLanguage,
			Backfill: cfg.WatchBackfill,
			Allowed:  cfg.AllowedFormats,
			Log:      log,
		})
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
		defer watcher.Stop()
	}

	// HTTP server
	deps := api.Deps{
		Config:    cfg,
		Tasks:     svc,
		Uploads:   uploads,
		Decoder:   decoder,
		Engine:    engine.Name(),
		Version:   fmt.Sprintf("%s (commit=%s)", version, commit),
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	}
	// Leave interface fields nil rather than holding typed nil pointers.
	if mqtt != nil {
		deps.MQTT = mqtt
	}
	if watcher != nil {
		deps.Watcher = watcher
	}
	srv := api.NewServer(deps)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(shutdownCtx, srv, svc, log); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}

	log.Info().Msg("scribe-engine stopped")
	return runErr
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the HTTP server and the task service concurrently. Open SSE
// streams only end on their task's terminal event, so HTTP shutdown cannot
// finish until the service has requested every task to stop.
func shutdown(ctx context.Context, srv, tasks shutdowner, log zerolog.Logger) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := tasks.Shutdown(ctx); err != nil {
			return fmt.Errorf("task runners: %w", err)
		}
		return nil
	})
	err := g.Wait()
	if err == nil {
		log.Debug().Msg("http server and task runners stopped")
	}
	return err
}

// newEngine selects the Whisper HTTP engine, or the stub when no URL is set.
func newEngine(cfg *config.Config, log zerolog.Logger) transcribe.Engine {
	if cfg.WhisperURL == "" {
		log.Warn().Msg("WHISPER_URL not set, using stub engine")
		return transcribe.NewStubEngine(cfg.WhisperModel, log)
	}
	defaults := transcribe.DefaultWhisperOpts()
	defaults.Temperature = cfg.WhisperTemperature
	defaults.Prompt = cfg.WhisperPrompt
	client := transcribe.NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, cfg.WhisperTimeout, defaults)
	return transcribe.NewRetryEngine(client,
		transcribe.WithRetryCount(cfg.WhisperRetries),
		transcribe.WithLogger(log.With().Str("component", "engine").Logger()),
	)
}

// newGate builds the quality gate from the rules file if one is configured.
func newGate(cfg *config.Config) (*transcribe.Gate, error) {
	if cfg.QualityRulesFile == "" {
		filter, err := transcribe.NewRuleFilter(cfg.ConfidenceThreshold, transcribe.DefaultHallucinationPatterns)
		if err != nil {
			return nil, err
		}
		return transcribe.NewGate(filter), nil
	}
	rules, err := transcribe.LoadRules(cfg.QualityRulesFile)
	if err != nil {
		return nil, err
	}
	filter, err := rules.Filter(cfg.ConfidenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("quality rules %s: %w", cfg.QualityRulesFile, err)
	}
	return transcribe.NewGate(filter), nil
}

// sourceInUse reports whether a task that has not finished still needs path.
func sourceInUse(svc *stream.Service) func(string) bool {
	return func(path string) bool {
		for _, t := range svc.List() {
			if t.SourcePath == path && !t.Status().IsTerminal() {
				return true
			}
		}
		return false
	}
}
