package transfer

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/mux"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

// StreamConfig binds a transfer to the write slot of its attribute.
type StreamConfig struct {
	// Name doubles as the operation reported in errors.
	Name     string
	Registry *mux.Registry
	Owner    device.OwnerID
	// Key is the write slot; it receives Signal events for the attribute.
	Key       mux.Key
	Target    device.AttributeID
	Transport Transport
	// Acknowledged allows WithResponse packets.
	Acknowledged bool
	Precheck     func() error
	Logger       *logrus.Logger
}

// NewFixedStream returns a stream that sends payload in mode and completes
// when the last chunk is sent (best-effort) or acknowledged.
func NewFixedStream(cfg StreamConfig, payload []byte, mode device.WriteMode) *stream.Stream[device.Progress] {
	return newStream(cfg, func(e *Engine) { e.Load(payload, mode) })
}

// NewFeedStream returns a stream that sends packets from feed as they
// arrive, each in its own mode. It completes after the feed closes cleanly
// and the queue is drained.
func NewFeedStream(cfg StreamConfig, feed *Feed) *stream.Stream[device.Progress] {
	return newStream(cfg, func(e *Engine) { e.Consume(feed) })
}

func newStream(cfg StreamConfig, start func(*Engine)) *stream.Stream[device.Progress] {
	// Activate runs after the slot is registered, so signals may race it.
	var engine atomic.Pointer[Engine]

	return stream.New(stream.Config[device.Progress]{
		Name:     cfg.Name,
		Registry: cfg.Registry,
		Owner:    cfg.Owner,
		Keys:     []mux.Key{cfg.Key},
		Precheck: cfg.Precheck,
		Activate: func(out stream.Emitter[device.Progress]) error {
			e := NewEngine(cfg.Transport, out, Options{
				Target:       cfg.Target,
				Acknowledged: cfg.Acknowledged,
				Logger:       cfg.Logger,
			})
			engine.Store(e)
			start(e)
			return nil
		},
		Receive: func(ev mux.Event, _ stream.Emitter[device.Progress]) {
			sig, ok := ev.Value.(Signal)
			if !ok {
				return
			}
			if e := engine.Load(); e != nil {
				e.Handle(sig)
			}
		},
		Finish: func(err error, out stream.Emitter[device.Progress]) {
			// The slot is only finished from outside while data is still
			// pending: the owner went away or a write failed.
			if err == nil || device.IsKind(err, device.KindDisconnected) {
				err = &device.Error{
					Kind:   device.KindNotConnected,
					Op:     cfg.Name,
					Owner:  cfg.Owner,
					Target: string(cfg.Target),
					Err:    err,
				}
			}
			out.Fail(err)
		},
		Cleanup: func() {
			if e := engine.Load(); e != nil {
				e.Stop()
			}
		},
		Logger: cfg.Logger,
	})
}
