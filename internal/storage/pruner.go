package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UploadPruner deletes old uploads by age and/or total size. Files a running
// task still needs are skipped.
type UploadPruner struct {
	dir       string
	retention time.Duration
	maxBytes  int64
	interval  time.Duration
	inUse     func(path string) bool
	now       func() time.Time
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewUploadPruner creates a pruner. inUse may be nil.
func NewUploadPruner(dir string, retention time.Duration, maxGB int, inUse func(string) bool, log zerolog.Logger) *UploadPruner {
	return &UploadPruner{
		dir:       dir,
		retention: retention,
		maxBytes:  int64(maxGB) * 1024 * 1024 * 1024,
		interval:  10 * time.Minute,
		inUse:     inUse,
		now:       time.Now,
		log:       log.With().Str("component", "upload-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

// Enabled reports whether any limit is configured.
func (p *UploadPruner) Enabled() bool {
	return p.retention > 0 || p.maxBytes > 0
}

func (p *UploadPruner) Start() {
	go p.loop()
}

func (p *UploadPruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *UploadPruner) loop() {
	// Run once on startup to clear any backlog from downtime
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stop:
			return
		}
	}
}

func (p *UploadPruner) prune() int {
	if !p.Enabled() {
		return 0
	}

	cutoff := p.now().Add(-p.retention)
	var totalSize int64
	var prunedCount int
	var prunedBytes int64

	type fileEntry struct {
		path    string
		modTime time.Time
		size    int64
	}
	var files []fileEntry

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		p.log.Warn().Err(err).Msg("read upload dir")
		return 0
	}
	for _, d := range entries {
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{
			path:    filepath.Join(p.dir, d.Name()),
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		totalSize += info.Size()
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		expired := p.retention > 0 && f.modTime.Before(cutoff)
		overSize := p.maxBytes > 0 && totalSize > p.maxBytes
		if !expired && !overSize {
			continue
		}
		if p.inUse != nil && p.inUse(f.path) {
			continue
		}
		if err := os.Remove(f.path); err == nil {
			prunedCount++
			prunedBytes += f.size
			totalSize -= f.size
		}
	}

	if prunedCount > 0 {
		p.log.Info().
			Int("pruned", prunedCount).
			Str("freed", humanizeBytes(prunedBytes)).
			Str("remaining", humanizeBytes(totalSize)).
			Msg("upload prune complete")
	}
	return prunedCount
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
