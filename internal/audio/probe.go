package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Prober estimates media duration with ffprobe.
type Prober struct {
	path string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewProber creates a prober that shells out to the given ffprobe binary.
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{path: ffprobePath, run: runOutput}
}

// Duration returns the container duration of path in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	out, err := p.run(ctx, p.path,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseDuration(string(out))
}

// Available reports whether the ffprobe binary is in PATH.
func (p *Prober) Available() bool {
	_, err := exec.LookPath(p.path)
	return err == nil
}

func parseDuration(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("non-positive duration %v", d)
	}
	return d, nil
}

func runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}
