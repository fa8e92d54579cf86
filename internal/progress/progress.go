// Package progress draws a transfer progress bar on the terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"ldrop/internal/session"
)

const (
	width       = 28
	labelWidth  = 20
	redrawEvery = 150 * time.Millisecond
	logEvery    = 5 * time.Second
)

// Bar renders session progress. On a terminal it redraws one line in place;
// otherwise it prints a line every few seconds so logs stay readable.
type Bar struct {
	w   io.Writer
	tty bool
	now func() time.Time

	mu   sync.Mutex
	t0   time.Time
	last time.Time
	cur  session.Progress
	file string
}

// New writes to w. Redrawing in place is enabled when w is a terminal.
func New(w io.Writer) *Bar {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &Bar{w: w, tty: tty, now: time.Now}
}

// OnState starts the clock when content can flow and closes the line when
// the session ends.
func (b *Bar) OnState(_, to session.State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case to == session.StateActive:
		b.t0 = b.now()
	case to.Terminal():
		if b.file != "" {
			b.draw()
			fmt.Fprintln(b.w)
		}
		if err != nil {
			fmt.Fprintf(b.w, "  %s: %v\n", to, err)
		}
	}
}

// OnProgress records p and redraws when due.
func (b *Bar) OnProgress(p session.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != "" && p.File != b.file {
		b.draw()
		fmt.Fprintln(b.w)
	}
	b.file = p.File
	b.cur = p

	every := redrawEvery
	if !b.tty {
		every = logEvery
	}
	fileDone := p.FileDone >= p.FileSize
	if now := b.now(); now.Sub(b.last) >= every || (b.tty && fileDone) {
		b.last = now
		b.draw()
		if !b.tty {
			fmt.Fprintln(b.w)
		}
	}
}

func (b *Bar) draw() {
	p := b.cur
	total := max(p.FileSize, 1)
	pct := float64(p.FileDone) / float64(total)
	filled := min(int(pct*width), width)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)

	var speed, eta float64
	if dt := b.now().Sub(b.t0).Seconds(); dt > 0 {
		speed = float64(p.Done) / dt
	}
	if speed > 0 {
		eta = float64(p.Total-p.Done) / speed
	}

	label := p.File
	if r := []rune(label); len(r) > labelWidth {
		label = string(r[len(r)-labelWidth:])
	}
	prefix := ""
	if b.tty {
		prefix = "\r"
	}
	fmt.Fprintf(b.w, "%s  %-20s [%s] %5.1f%%  %s/s  ETA %s",
		prefix, label, bar, pct*100, FormatSize(speed), FormatDuration(eta))
}

// FormatSize renders a byte count with a binary unit, right aligned.
func FormatSize(n float64) string {
	for _, u := range []string{"B", "KB", "MB", "GB"} {
		if n < 1024 {
			return fmt.Sprintf("%6.1f %s", n, u)
		}
		n /= 1024
	}
	return fmt.Sprintf("%6.1f TB", n)
}

// FormatDuration renders seconds as 42s or 3m07s.
func FormatDuration(s float64) string {
	if s < 60 {
		return fmt.Sprintf("%.0fs", s)
	}
	return fmt.Sprintf("%dm%02ds", int(s)/60, int(s)%60)
}
