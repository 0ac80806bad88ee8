package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/stream"
)

const debounceDelay = 500 * time.Millisecond

// TaskStarter creates and starts transcription tasks.
type TaskStarter interface {
	CreateTask(filename, language, sourcePath string) *stream.Task
	StartRun(id string) (bool, error)
}

// WatcherStatus is reported by the health endpoint.
type WatcherStatus struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	FilesProcessed int64  `json:"files_processed"`
	FilesSkipped   int64  `json:"files_skipped"`
}

// WatcherOptions configures a FileWatcher.
type WatcherOptions struct {
	Dir      string
	Language string
	Backfill bool
	// Allowed lists accepted extensions including the dot. Empty accepts all.
	Allowed []string
	Log     zerolog.Logger
}

// FileWatcher monitors a hot folder and starts a transcription task for
// every audio file dropped into it.
type FileWatcher struct {
	starter  TaskStarter
	watchDir string
	language string
	backfill bool
	allowed  map[string]bool
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
	delay          time.Duration

	seenMu sync.Mutex
	seen   map[string]bool

	// Stats
	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

// NewFileWatcher creates a watcher. Call Start to begin watching.
func NewFileWatcher(starter TaskStarter, opts WatcherOptions) *FileWatcher {
	fw := &FileWatcher{
		starter:        starter,
		watchDir:       opts.Dir,
		language:       opts.Language,
		backfill:       opts.Backfill,
		allowed:        make(map[string]bool),
		log:            opts.Log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
		delay:          debounceDelay,
		seen:           make(map[string]bool),
		done:           make(chan struct{}),
	}
	for _, ext := range opts.Allowed {
		fw.allowed[strings.ToLower(strings.TrimSpace(ext))] = true
	}
	fw.status.Store("starting")
	return fw
}

// Start initializes the fsnotify watcher, adds all existing directories, and
// begins watching for new files. If backfill is enabled, existing audio files
// are queued in a background goroutine.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(fw.watchDir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w
	fw.ctx, fw.cancel = context.WithCancel(ctx)

	dirCount := 0
	err = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fw.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil // continue walking
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				fw.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	fw.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", fw.watchDir).
		Msg("file watcher initialized")

	go fw.watchLoop()

	if fw.backfill {
		go fw.runBackfill()
	} else {
		fw.status.Store("watching")
	}
	return nil
}

// Stop closes the fsnotify watcher and cancels pending debounced files.
func (fw *FileWatcher) Stop() {
	fw.status.Store("stopped")
	if fw.cancel != nil {
		fw.cancel()
	}
	if fw.watcher != nil {
		fw.watcher.Close()
		<-fw.done
	}

	fw.debounceMu.Lock()
	for path, t := range fw.debounceTimers {
		t.Stop()
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()

	fw.log.Info().
		Int64("files_processed", fw.filesProcessed.Load()).
		Int64("files_skipped", fw.filesSkipped.Load()).
		Msg("file watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (fw *FileWatcher) Status() WatcherStatus {
	s, _ := fw.status.Load().(string)
	return WatcherStatus{
		Status:         s,
		WatchDir:       fw.watchDir,
		FilesProcessed: fw.filesProcessed.Load(),
		FilesSkipped:   fw.filesSkipped.Load(),
	}
}

// watchLoop is the main event loop that processes fsnotify events.
func (fw *FileWatcher) watchLoop() {
	defer close(fw.done)
	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New directory: add it to the watch set so files in it are seen.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := fw.watcher.Add(event.Name); err != nil {
					fw.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				} else {
					fw.log.Debug().Str("path", event.Name).Msg("watching new directory")
				}
				continue
			}

			if !fw.accepts(event.Name) {
				continue
			}

			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (fw *FileWatcher) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if len(fw.allowed) == 0 {
		return true
	}
	return fw.allowed[strings.ToLower(filepath.Ext(base))]
}

// scheduleProcess debounces file processing. This coalesces rapid
// Create+Write events and lets the writer finish before decoding starts.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(fw.delay)
		return
	}

	fw.debounceTimers[path] = time.AfterFunc(fw.delay, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		if fw.ctx.Err() != nil {
			return
		}
		fw.processFile(path)
	})
}

// processFile creates and starts a task for path. Each path is handled once.
func (fw *FileWatcher) processFile(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		fw.filesSkipped.Add(1)
		return
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	fw.seenMu.Lock()
	if fw.seen[abs] {
		fw.seenMu.Unlock()
		fw.filesSkipped.Add(1)
		return
	}
	fw.seen[abs] = true
	fw.seenMu.Unlock()

	task := fw.starter.CreateTask(filepath.Base(abs), fw.language, abs)
	if _, err := fw.starter.StartRun(task.ID); err != nil {
		fw.log.Warn().Err(err).Str("path", abs).Msg("failed to start task for watched file")
		return
	}

	fw.filesProcessed.Add(1)
	fw.log.Info().Str("path", abs).Str("task_id", task.ID).Msg("hot folder task started")
}

// runBackfill starts tasks for audio files already present, oldest first.
func (fw *FileWatcher) runBackfill() {
	fw.status.Store("backfilling")

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry

	_ = filepath.WalkDir(fw.watchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !fw.accepts(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	fw.log.Info().Int("files", len(files)).Msg("backfill starting")
	for _, f := range files {
		if fw.ctx.Err() != nil {
			fw.log.Info().Msg("backfill interrupted by shutdown")
			return
		}
		fw.processFile(f.path)
	}

	fw.status.Store("watching")
	fw.log.Info().Int("files", len(files)).Msg("backfill complete")
}
