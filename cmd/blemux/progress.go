package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ProgressPrinter redraws a single status line on w.
//
// Usage:
//
//	p := NewProgressPrinter(w, "Writing", ...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop may be called any number of times.
// When w is not a terminal nothing is drawn.
type ProgressPrinter struct {
	w       io.Writer
	prefix  string
	enabled bool

	status    atomic.Value // string
	countdown time.Duration
	startTime time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProgressPrinter creates a printer showing elapsed seconds.
func NewProgressPrinter(w io.Writer, prefix string) *ProgressPrinter {
	p := &ProgressPrinter{
		w:       w,
		prefix:  prefix,
		enabled: isTerminal(w),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.status.Store("")
	return p
}

// NewCountdownProgressPrinter creates a printer showing the seconds left of d.
func NewCountdownProgressPrinter(w io.Writer, prefix string, d time.Duration) *ProgressPrinter {
	p := NewProgressPrinter(w, prefix)
	p.countdown = d
	return p
}

// Update replaces the status shown after the prefix.
func (p *ProgressPrinter) Update(status string) {
	p.status.Store(status)
}

// Start panics when called twice.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.startTime = time.Now()
	if !p.enabled {
		close(p.done)
		return
	}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		p.draw()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.draw()
			}
		}
	}()
}

func (p *ProgressPrinter) draw() {
	elapsed := time.Since(p.startTime)
	seconds := int(elapsed.Seconds())
	if p.countdown > 0 {
		// Round to the nearest second, never below zero.
		seconds = max(0, int((p.countdown-elapsed).Seconds()+0.5))
	}
	status, _ := p.status.Load().(string)
	if status == "" {
		fmt.Fprintf(p.w, "\r%s (%ds)   ", p.prefix, seconds)
		return
	}
	fmt.Fprintf(p.w, "\r%s %s (%ds)   ", p.prefix, status, seconds)
}

// Stop ends the redraw loop and clears the line.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.started.Load() {
			<-p.done
		}
		if p.enabled {
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
