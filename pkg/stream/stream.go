// Package stream adapts multiplexed capability callbacks into cold,
// single-activation streams.
//
// A Stream does nothing until Subscribe. Activation checks preconditions,
// claims its event keys, then issues the imperative request. The sink then
// receives zero or more values followed by exactly one terminal signal, unless
// the consumer cancels first.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/mux"
	"github.com/srg/blemux/pkg/device"
)

// State is the lifecycle state of a stream.
type State int32

const (
	Idle State = iota
	Requested
	Active
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Active:
		return "active"
	case Terminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// Sink consumes a stream: zero or more Next calls, then one Complete. err is
// nil for a successful completion.
type Sink[T any] interface {
	Next(value T)
	Complete(err error)
}

// Emitter is how stream hooks publish to the subscriber.
type Emitter[T any] interface {
	// Next delivers a value and reports whether the stream is still live.
	Next(value T) bool
	Complete()
	Fail(err error)
}

// Config wires a stream to its owner's subscription table and to the
// capability request it drives. Only Registry and Owner are required.
type Config[T any] struct {
	Name     string
	Registry *mux.Registry
	Owner    device.OwnerID
	Keys     []mux.Key

	// Precheck runs before any key is claimed; an error terminates the
	// stream without issuing the request.
	Precheck func() error
	// Activate issues the imperative request once the keys are claimed.
	Activate func(out Emitter[T]) error
	// Receive translates a routed event. By default a value of type T is
	// forwarded and anything else is ignored.
	Receive func(ev mux.Event, out Emitter[T])
	// Finish handles a terminal signal from the table (failure, completion
	// or owner teardown). By default it terminates the stream with err.
	Finish func(err error, out Emitter[T])
	// Cancel reverses the request when the consumer cancels.
	Cancel func()
	// Cleanup runs once when the stream terminates for any reason.
	Cleanup func()

	Logger *logrus.Logger
}

// Stream is a cold, single-activation event stream.
type Stream[T any] struct {
	cfg   Config[T]
	state atomic.Int32

	mu     sync.Mutex // guards terminal transition
	emitMu sync.Mutex // serializes delivery to the sink
	sink   Sink[T]
	slot   *slot[T]
	done   chan struct{}
}

// New creates an idle stream.
func New[T any](cfg Config[T]) *Stream[T] {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	s := &Stream[T]{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	s.slot = &slot[T]{stream: s}
	return s
}

// Fail returns a stream that fails with err as soon as it is subscribed.
func Fail[T any](err error) *Stream[T] {
	return New(Config[T]{
		Name:     "failed",
		Precheck: func() error { return err },
	})
}

// Name returns the diagnostic name of the stream.
func (s *Stream[T]) Name() string {
	return s.cfg.Name
}

// State returns the current lifecycle state.
func (s *Stream[T]) State() State {
	return State(s.state.Load())
}

// Done is closed once the stream is terminated.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Subscribe activates the stream. A stream can be subscribed once; later
// subscribers are failed with device.ErrAlreadyActivated.
func (s *Stream[T]) Subscribe(sink Sink[T]) *Subscription {
	if !s.state.CompareAndSwap(int32(Idle), int32(Requested)) {
		sink.Complete(&device.Error{Kind: device.KindActivated, Op: s.cfg.Name, Owner: s.cfg.Owner})
		return &Subscription{cancel: func() {}, done: closedChan}
	}
	s.sink = sink
	sub := &Subscription{cancel: s.cancel, done: s.done}

	log := s.cfg.Logger.WithFields(logrus.Fields{
		"stream": s.cfg.Name,
		"owner":  s.cfg.Owner,
	})

	if s.cfg.Precheck != nil {
		if err := s.cfg.Precheck(); err != nil {
			log.WithError(err).Debug("Stream precondition failed")
			s.terminate(err)
			return sub
		}
	}

	if len(s.cfg.Keys) > 0 {
		if err := s.cfg.Registry.Register(s.cfg.Owner, s.slot, s.cfg.Keys...); err != nil {
			log.WithError(err).Debug("Stream registration rejected")
			s.terminate(err)
			return sub
		}
	}

	if !s.state.CompareAndSwap(int32(Requested), int32(Active)) {
		// terminated while registering, e.g. by a teardown
		return sub
	}
	log.Debug("Stream active")

	if s.cfg.Activate != nil {
		if err := s.cfg.Activate(emitter[T]{s}); err != nil {
			s.terminate(err)
		}
	}
	return sub
}

// SubscribeContext is Subscribe with cancellation bound to ctx.
func (s *Stream[T]) SubscribeContext(ctx context.Context, sink Sink[T]) *Subscription {
	sub := s.Subscribe(sink)
	stop := context.AfterFunc(ctx, sub.Cancel)
	go func() {
		<-sub.Done()
		stop()
	}()
	return sub
}

func (s *Stream[T]) live() bool {
	st := s.State()
	return st == Requested || st == Active
}

func (s *Stream[T]) next(v T) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if !s.live() {
		return false
	}
	s.sink.Next(v)
	return true
}

// terminate moves the stream to Terminated and delivers err to the sink.
func (s *Stream[T]) terminate(err error) {
	if !s.enterTerminated() {
		return
	}
	s.cleanup()

	s.emitMu.Lock()
	s.sink.Complete(err)
	s.emitMu.Unlock()

	close(s.done)
}

// cancel is consumer-initiated termination: no terminal signal is delivered.
func (s *Stream[T]) cancel() {
	if !s.enterTerminated() {
		return
	}
	s.cfg.Logger.WithFields(logrus.Fields{
		"stream": s.cfg.Name,
		"owner":  s.cfg.Owner,
	}).Debug("Stream cancelled")

	s.cleanup()
	if s.cfg.Cancel != nil {
		s.cfg.Cancel()
	}
	close(s.done)
}

func (s *Stream[T]) enterTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Terminated || s.State() == Idle {
		return false
	}
	s.state.Store(int32(Terminated))
	return true
}

func (s *Stream[T]) cleanup() {
	for _, key := range s.cfg.Keys {
		s.cfg.Registry.Release(s.cfg.Owner, key, s.slot)
	}
	if s.cfg.Cleanup != nil {
		s.cfg.Cleanup()
	}
}

// slot is the multiplexer-facing side of a stream.
type slot[T any] struct {
	stream *Stream[T]
}

func (sl *slot[T]) Receive(ev mux.Event) {
	s := sl.stream
	if !s.live() {
		return
	}
	if s.cfg.Receive != nil {
		s.cfg.Receive(ev, emitter[T]{s})
		return
	}
	if v, ok := ev.Value.(T); ok {
		s.next(v)
	}
}

func (sl *slot[T]) Finish(err error) {
	s := sl.stream
	if !s.live() {
		return
	}
	if s.cfg.Finish != nil {
		s.cfg.Finish(err, emitter[T]{s})
		return
	}
	s.terminate(err)
}

type emitter[T any] struct {
	s *Stream[T]
}

func (e emitter[T]) Next(v T) bool  { return e.s.next(v) }
func (e emitter[T]) Complete()      { e.s.terminate(nil) }
func (e emitter[T]) Fail(err error) { e.s.terminate(err) }

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Subscription is the consumer's handle on an activated stream.
type Subscription struct {
	cancel func()
	done   <-chan struct{}
}

// Cancel terminates the stream without a terminal signal, releases its keys
// and reverses its request where applicable. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed once the stream is terminated, by completion, failure or Cancel.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
