package moosez

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Version is the moosez release.
const Version = "2.0.0"

// logStampLayout matches the run log names of earlier releases.
const logStampLayout = "15-04-02-01-2006"

// LogFileName returns the name of the run log started at now, e.g.
// "moosez-v2.0.0.14-05-19-10-2026.log".
func LogFileName(now time.Time) string {
	return fmt.Sprintf("moosez-v%s.%s.log", Version, now.Format(logStampLayout))
}

// OpenLogFile creates the run log in dir.
func OpenLogFile(dir string, now time.Time) (*os.File, error) {
	path := filepath.Join(dir, LogFileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening log file: %v", ErrStorageError, err)
	}
	return f, nil
}

// NewLogger returns a text logger writing to every non-nil writer. Debug
// records are kept only when verbose is set.
func NewLogger(verbose bool, writers ...io.Writer) *slog.Logger {
	var out []io.Writer
	for _, w := range writers {
		if w != nil {
			out = append(out, w)
		}
	}
	var w io.Writer = io.Discard
	switch len(out) {
	case 0:
	case 1:
		w = out[0]
	default:
		w = io.MultiWriter(out...)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
