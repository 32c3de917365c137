package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// progress rewrites a single status line while training. On anything other
// than a terminal it prints a line every reportEvery iterations instead.
type progress struct {
	w        io.Writer
	terminal bool
	started  time.Time
	last     time.Time
	printed  bool
}

const (
	reportEvery   = 100
	redrawTimeout = 100 * time.Millisecond
)

func newProgress(w io.Writer) *progress {
	terminal := false
	if f, ok := w.(*os.File); ok {
		terminal = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &progress{w: w, terminal: terminal, started: time.Now()}
}

func (p *progress) update(iter, total int, loss float64) {
	done := iter + 1
	if p.terminal {
		if done < total && time.Since(p.last) < redrawTimeout {
			return
		}
		p.last = time.Now()
		fmt.Fprintf(p.w, "\r%s/%s loss=%.5f elapsed=%s", humanize.Comma(int64(done)), humanize.Comma(int64(total)),
			loss, time.Since(p.started).Round(time.Second))
		p.printed = true
		return
	}
	if done%reportEvery == 0 || done == total {
		fmt.Fprintf(p.w, "iteration %s/%s loss=%.5f\n", humanize.Comma(int64(done)), humanize.Comma(int64(total)), loss)
	}
}

func (p *progress) finish() {
	if p.terminal && p.printed {
		fmt.Fprintln(p.w)
	}
}
