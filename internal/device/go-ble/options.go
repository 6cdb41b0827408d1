package goble

import (
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Options tunes the go-ble backend. Zero fields take the tagged defaults.
type Options struct {
	ConnectTimeout time.Duration `default:"10s"`
	// RequestTimeout bounds how long an incoming read or write request waits
	// for RespondToRequest before the central gets an ATT error.
	RequestTimeout time.Duration `default:"5s"`
	// WriteWindow is how many best-effort writes or updates may be queued on
	// the host stack before the backend reports that it is out of room.
	WriteWindow int `default:"8"`
	Logger      *logrus.Logger
}

func (o Options) withDefaults() Options {
	defaults.SetDefaults(&o)
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	return o
}

// window counts best-effort sends queued on the host stack.
type window struct {
	mu   sync.Mutex
	free int
	size int
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{free: size, size: size}
}

// acquire takes one slot; false when the window is full.
func (w *window) acquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.free == 0 {
		return false
	}
	w.free--
	return true
}

// release returns one slot and reports whether the window was full before.
func (w *window) release() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	reopened := w.free == 0
	if w.free < w.size {
		w.free++
	}
	return reopened
}

func (w *window) available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.free > 0
}
