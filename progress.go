package moosez

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// renderProgress draws a download bar on one terminal line:
//
//	Downloading clin_ct_organs [============>      ] 45% 1.2 GB / 2.6 GB (5.2 MB/s, elapsed: 30s, remaining: 2m 15s)
//
// Speed counts bytesDownloaded + bytesInProgress so it moves smoothly while
// chunks are still in flight; cache hits do not inflate it.
func renderProgress(w io.Writer, label string, current, total, bytesDownloaded, bytesInProgress int64, startTime time.Time) {
	elapsed := time.Since(startTime)

	var pct float64
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}

	var speed float64
	if network := bytesDownloaded + bytesInProgress; elapsed.Seconds() > 0 && network > 0 {
		speed = float64(network) / elapsed.Seconds()
	}

	var remaining time.Duration
	if speed > 0 && current < total {
		remaining = time.Duration(float64(total-current)/speed) * time.Second
	}

	const barWidth = 30
	filled := int(pct / 100 * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}
	var bar string
	switch {
	case filled >= barWidth:
		bar = strings.Repeat("=", barWidth)
	case filled > 0:
		bar = strings.Repeat("=", filled) + ">" + strings.Repeat(" ", barWidth-filled-1)
	default:
		bar = ">" + strings.Repeat(" ", barWidth-1)
	}

	sizes := humanize.Bytes(uint64(max(current, 0)))
	if total > 0 {
		sizes += " / " + humanize.Bytes(uint64(total))
	}
	fmt.Fprintf(w, "\r\x1b[KDownloading %s [%s] %.0f%% %s (%s/s, elapsed: %s, remaining: %s)",
		label, bar, pct, sizes, humanize.Bytes(uint64(speed)), formatDuration(elapsed), formatDuration(remaining))
}

// formatDuration formats a duration as "5s", "2m 30s" or "1h 5m".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)

	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		if mins > 0 {
			return fmt.Sprintf("%dh %dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	if mins > 0 {
		if secs > 0 {
			return fmt.Sprintf("%dm %ds", mins, secs)
		}
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", secs)
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spinner animates a status line while a long step runs.
type spinner struct {
	w        io.Writer
	interval time.Duration

	mu      sync.Mutex
	text    string
	frame   int
	running bool
	done    chan struct{}
	stopped chan struct{}
}

func newSpinner(w io.Writer) *spinner {
	return &spinner{w: w, interval: 100 * time.Millisecond}
}

// Start begins animating with text. Calling Start on a running spinner only
// updates the text.
func (s *spinner) Start(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	fmt.Fprint(s.w, "\x1b[?25l")
	s.drawLocked()
	go s.loop(s.done, s.stopped)
}

// Update changes the text of a running spinner.
func (s *spinner) Update(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	if s.running {
		s.drawLocked()
	}
}

// Stop clears the spinner and prints final on its own line when non-empty.
func (s *spinner) Stop(final string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		if final != "" {
			fmt.Fprintln(s.w, final)
		}
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()
	<-stopped

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, "\r\x1b[K\x1b[?25h")
	if final != "" {
		fmt.Fprintln(s.w, final)
	}
}

func (s *spinner) loop(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if s.running {
				s.frame = (s.frame + 1) % len(spinnerFrames)
				s.drawLocked()
			}
			s.mu.Unlock()
		case <-done:
			return
		}
	}
}

func (s *spinner) drawLocked() {
	fmt.Fprintf(s.w, "\r\x1b[K%s %s", spinnerFrames[s.frame], s.text)
}
