package groutine

import (
	"context"
	"runtime/pprof"
	"sync"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine labelled with name for pprof and the context.
//
//	groutine.Go(ctx, "scan", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(goroutineNameKey).(string); ok {
		return v
	}
	return ""
}

// Serial runs submitted functions one at a time, in submission order, on a
// single labelled goroutine. It stands in for the callback queue of a host
// stack: every delegate call of one owner goes through one Serial.
type Serial struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

// NewSerial starts an executor. It stops when ctx is done or Close is called;
// work still pending at that point is dropped.
func NewSerial(ctx context.Context, name string, logger *logrus.Logger) *Serial {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Serial{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	Go(ctx, name, s.run)
	return s
}

// Submit queues fn. Returns false once the executor is closed.
func (s *Serial) Submit(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, fn)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
	return true
}

// Close stops accepting work and waits for the running function to return.
// Must not be called from a submitted function.
func (s *Serial) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.wake)
	}
	s.mu.Unlock()
	<-s.done
}

// Done is closed when the executor goroutine exits.
func (s *Serial) Done() <-chan struct{} {
	return s.done
}

func (s *Serial) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.wake:
			for {
				s.mu.Lock()
				batch := s.pending
				s.pending = nil
				s.mu.Unlock()
				if len(batch) == 0 {
					break
				}
				for _, fn := range batch {
					s.invoke(fn)
				}
			}
			if !ok {
				return
			}
		}
	}
}

func (s *Serial) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"executor": s.name,
				"panic":    r,
			}).Error("Recovered panic in serialized callback")
		}
	}()
	fn()
}
