// Package bluetooth exposes BLE capability objects as streams.
//
// Every operation returns a cold stream. Subscribing installs the owner's
// delegate on first use, claims the event keys of the operation and issues the
// request; results arrive through the delegate and are routed back by the
// multiplexer. Each key admits one subscriber at a time.
package bluetooth

import (
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/mux"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

// Client owns the subscription tables of every capability object it has seen.
type Client struct {
	registry *mux.Registry
	logger   *logrus.Logger
}

// NewClient creates a client. A nil logger is replaced with a default one.
func NewClient(logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		registry: mux.NewRegistry(logger),
		logger:   logger,
	}
}

// Owners returns the number of capability objects with a live subscription table.
func (c *Client) Owners() int {
	return c.registry.Owners()
}

// Release tears down everything subscribed on owner. Streams still active
// complete; transfers fail with device.ErrNotConnected.
func (c *Client) Release(owner device.OwnerID) {
	c.registry.Teardown(owner, nil)
}

func (c *Client) bindCentral(cm device.CentralManager) {
	c.registry.Open(cm.ID()).Bind(func() {
		cm.SetDelegate(&centralHub{
			client: c,
			owner:  cm.ID(),
			peers:  hashmap.New[string, device.OwnerID](),
		})
	})
}

func (c *Client) bindPeripheral(p device.Peripheral) {
	c.registry.Open(p.ID()).Bind(func() {
		p.SetDelegate(&peripheralHub{
			registry: c.registry,
			owner:    p.ID(),
			logger:   c.logger,
		})
	})
}

func (c *Client) bindManager(pm device.PeripheralManager) {
	c.registry.Open(pm.ID()).Bind(func() {
		pm.SetDelegate(&managerHub{
			registry: c.registry,
			manager:  pm,
			logger:   c.logger,
		})
	})
}

// requirePoweredOn returns a precheck failing with a StateError unless state
// reports powered on.
func requirePoweredOn(state func() device.ManagerState) error {
	if s := state(); s != device.StatePoweredOn {
		return &device.StateError{State: s}
	}
	return nil
}

func (c *Client) peripheralPrecheck(p device.Peripheral, op string) func() error {
	return func() error {
		if p.State() != device.Connected {
			return device.NewNotConnectedError(op, p.ID())
		}
		c.bindPeripheral(p)
		return nil
	}
}

// request describes a one-shot operation: one value, then completion.
type request struct {
	name     string
	owner    device.OwnerID
	key      mux.Key
	op       string
	precheck func() error
	issue    func()
}

// oneShot builds a stream that delivers the first routed value of type T and
// completes. A slot finished without a value completes empty while the owner
// is alive and fails with NotConnected once it is gone.
func oneShot[T any](c *Client, r request) *stream.Stream[T] {
	return stream.New(stream.Config[T]{
		Name:     r.name,
		Registry: c.registry,
		Owner:    r.owner,
		Keys:     []mux.Key{r.key},
		Precheck: r.precheck,
		Activate: func(stream.Emitter[T]) error {
			r.issue()
			return nil
		},
		Receive: func(ev mux.Event, out stream.Emitter[T]) {
			if v, ok := ev.Value.(T); ok {
				out.Next(v)
				out.Complete()
			}
		},
		Finish: func(err error, out stream.Emitter[T]) {
			if err != nil {
				out.Fail(err)
				return
			}
			if _, alive := c.registry.Lookup(r.owner); !alive {
				out.Fail(device.NewNotConnectedError(r.op, r.owner))
				return
			}
			out.Complete()
		},
		Logger: c.logger,
	})
}
