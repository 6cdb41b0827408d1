package transfer

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/groutine"
	"github.com/srg/blemux/internal/queue"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

// Transport is the capability side of a transfer to one attribute.
//
// Send must not invoke the engine synchronously; ready and acknowledgment
// callbacks are expected to arrive later from the owner's callback context.
type Transport interface {
	// UnitSize returns the largest chunk accepted for mode.
	UnitSize(mode device.WriteMode) int
	// Send hands a chunk over. For WithoutResponse it returns false when
	// there is no capacity right now, in which case nothing was sent.
	Send(data []byte, mode device.WriteMode) bool
}

// Signal is a transport callback routed to an engine.
type Signal uint8

const (
	// SignalReady reports that a saturated best-effort path accepts data again.
	SignalReady Signal = iota + 1
	// SignalAck acknowledges the chunk in flight.
	SignalAck
)

var errAckUnsupported = errors.New("transport has no per-chunk acknowledgment")

// Options configures an Engine.
type Options struct {
	Target device.AttributeID
	// Acknowledged allows WithResponse packets. Transports without a
	// per-chunk acknowledgment leave it false.
	Acknowledged bool
	Logger       *logrus.Logger
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Sent    int
	Chunks  int
	Pending int
}

type notice struct {
	progress device.Progress
	terminal bool
	err      error
}

// Engine drains a queue of packets into a Transport.
//
// Best-effort packets are sent while the capacity state is ready; a refused
// send clears it until the next SignalReady. An acknowledged packet stays at
// the head of the queue until SignalAck and blocks everything behind it.
// Progress and the terminal signal are delivered in order, never under the
// engine lock.
type Engine struct {
	transport Transport
	out       stream.Emitter[device.Progress]
	opts      Options
	logger    *logrus.Logger
	pending   *queue.SyncQueue[device.Packet]

	mu       sync.Mutex
	units    map[device.WriteMode]int
	ready    bool
	inflight bool
	sealed   bool
	stopped  bool
	sent     int
	chunks   int
	outbox   []notice
	flushing bool
	stopPump context.CancelFunc
}

// NewEngine creates an engine publishing to out. The capacity state starts
// ready; the transport's own probe gates the first send.
func NewEngine(t Transport, out stream.Emitter[device.Progress], opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Engine{
		transport: t,
		out:       out,
		opts:      opts,
		logger:    opts.Logger,
		pending:   queue.New[device.Packet](),
		units:     make(map[device.WriteMode]int, 2),
		ready:     true,
	}
}

// Load queues a fixed payload segmented for mode and seals the engine: it
// completes once every chunk is sent (or acknowledged).
func (e *Engine) Load(payload []byte, mode device.WriteMode) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if len(payload) > 0 {
		unit := e.unitLocked(mode)
		if unit <= 0 {
			e.finishLocked(&device.SizeMismatchError{Target: e.opts.Target, Expected: unit, Received: len(payload)})
			e.mu.Unlock()
			e.flush()
			return
		}
		e.pending.Append(Packets(payload, unit, mode)...)
	}
	e.sealed = true

	e.logger.WithFields(logrus.Fields{
		"target": e.opts.Target,
		"mode":   mode,
		"bytes":  len(payload),
		"chunks": e.pending.Len(),
	}).Debug("Transfer loaded")

	e.drainLocked()
	e.mu.Unlock()
	e.flush()
}

// Enqueue appends packets and sends what the transport accepts right away.
func (e *Engine) Enqueue(packets ...device.Packet) {
	e.mu.Lock()
	if e.stopped || e.sealed {
		e.mu.Unlock()
		return
	}
	e.pending.Append(packets...)
	e.drainLocked()
	e.mu.Unlock()
	e.flush()
}

// Seal marks the end of the packet source. A nil err completes the transfer
// once the queue is drained; otherwise the transfer fails immediately.
func (e *Engine) Seal(err error) {
	e.mu.Lock()
	if e.stopped || e.sealed {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.finishLocked(err)
	} else {
		e.sealed = true
		e.drainLocked()
	}
	e.mu.Unlock()
	e.flush()
}

// Handle applies a transport signal.
func (e *Engine) Handle(sig Signal) {
	switch sig {
	case SignalReady:
		e.Ready()
	case SignalAck:
		e.Acknowledge()
	}
}

// Ready sets the capacity state and resumes draining.
func (e *Engine) Ready() {
	e.mu.Lock()
	e.ready = true
	e.drainLocked()
	e.mu.Unlock()
	e.flush()
}

// Acknowledge confirms the chunk in flight. Acknowledgments with nothing in
// flight are ignored.
func (e *Engine) Acknowledge() {
	e.mu.Lock()
	if e.stopped || !e.inflight {
		e.mu.Unlock()
		return
	}
	p, _ := e.pending.RemoveFirst()
	e.inflight = false
	e.advanceLocked(p)
	e.drainLocked()
	e.mu.Unlock()
	e.flush()
}

// Consume pulls packets from feed until it closes, then seals the engine with
// the feed's error.
func (e *Engine) Consume(feed *Feed) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		cancel()
		return
	}
	e.stopPump = cancel
	e.mu.Unlock()

	groutine.Go(ctx, "transfer-pump:"+string(e.opts.Target), func(ctx context.Context) {
		for {
			if batch := feed.Drain(); len(batch) > 0 {
				e.Enqueue(batch...)
			}
			select {
			case <-ctx.Done():
				return
			case <-feed.Ready():
			case <-feed.Done():
				if batch := feed.Drain(); len(batch) > 0 {
					e.Enqueue(batch...)
				}
				e.Seal(feed.Err())
				return
			}
		}
	})
}

// Stop abandons the transfer: queued packets are dropped and nothing more is
// emitted.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopPump != nil {
		e.stopPump()
		e.stopPump = nil
	}
	if !e.stopped {
		e.stopped = true
		e.outbox = nil
	}
	if dropped := e.pending.Clear(); dropped > 0 {
		e.logger.WithFields(logrus.Fields{
			"target":  e.opts.Target,
			"dropped": dropped,
		}).Debug("Transfer stopped with pending packets")
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Sent: e.sent, Chunks: e.chunks, Pending: e.pending.Len()}
}

func (e *Engine) unitLocked(mode device.WriteMode) int {
	unit, ok := e.units[mode]
	if !ok {
		unit = e.transport.UnitSize(mode)
		e.units[mode] = unit
	}
	return unit
}

func (e *Engine) drainLocked() {
	for !e.stopped && !e.inflight {
		p, ok := e.pending.First()
		if !ok {
			if e.sealed {
				e.finishLocked(nil)
			}
			return
		}

		if unit := e.unitLocked(p.Mode); len(p.Data) > unit {
			e.finishLocked(&device.SizeMismatchError{Target: e.opts.Target, Expected: unit, Received: len(p.Data)})
			return
		}

		if p.Mode == device.WithResponse {
			if !e.opts.Acknowledged {
				e.finishLocked(&device.Error{
					Kind:   device.KindUnsupported,
					Op:     device.OpWrite,
					Target: string(e.opts.Target),
					Err:    errAckUnsupported,
				})
				return
			}
			e.inflight = true
			e.transport.Send(p.Data, p.Mode)
			return
		}

		if !e.ready {
			return
		}
		if !e.transport.Send(p.Data, p.Mode) {
			e.ready = false
			e.logger.WithField("target", e.opts.Target).Trace("Transport saturated, waiting for ready")
			return
		}
		e.pending.RemoveFirst()
		e.advanceLocked(p)
	}
}

func (e *Engine) advanceLocked(p device.Packet) {
	e.sent += len(p.Data)
	e.chunks++
	e.outbox = append(e.outbox, notice{progress: device.Progress{
		Target: e.opts.Target,
		Mode:   p.Mode,
		Chunk:  e.chunks,
		Sent:   e.sent,
	}})
}

func (e *Engine) finishLocked(err error) {
	e.stopped = true
	e.outbox = append(e.outbox, notice{terminal: true, err: err})

	fields := logrus.Fields{"target": e.opts.Target, "sent": e.sent, "chunks": e.chunks}
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Debug("Transfer failed")
	} else {
		e.logger.WithFields(fields).Debug("Transfer complete")
	}
}

// flush delivers queued notices. Only one goroutine delivers at a time; the
// others leave their notices to it.
func (e *Engine) flush() {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	for len(e.outbox) > 0 {
		batch := e.outbox
		e.outbox = nil
		e.mu.Unlock()
		for _, n := range batch {
			switch {
			case !n.terminal:
				e.out.Next(n.progress)
			case n.err != nil:
				e.out.Fail(n.err)
			default:
				e.out.Complete()
			}
		}
		e.mu.Lock()
	}
	e.flushing = false
	e.mu.Unlock()
}
