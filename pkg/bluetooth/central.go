package bluetooth

import (
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/mux"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

// CentralState streams the state of cm, starting with the current one.
func (c *Client) CentralState(cm device.CentralManager) *stream.Stream[device.ManagerState] {
	return stream.New(stream.Config[device.ManagerState]{
		Name:     device.OpState,
		Registry: c.registry,
		Owner:    cm.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindState)},
		Precheck: func() error {
			c.bindCentral(cm)
			return nil
		},
		Activate: func(out stream.Emitter[device.ManagerState]) error {
			out.Next(cm.State())
			return nil
		},
		Logger: c.logger,
	})
}

// Scan streams advertisements of peripherals offering any of services (all
// peripherals when empty). The scan stops when the subscription is cancelled
// and fails when the central leaves the powered-on state.
func (c *Client) Scan(cm device.CentralManager, services []string, allowDuplicates bool) *stream.Stream[device.Advertisement] {
	return stream.New(stream.Config[device.Advertisement]{
		Name:     device.OpScan,
		Registry: c.registry,
		Owner:    cm.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindScan)},
		Precheck: func() error {
			if err := requirePoweredOn(cm.State); err != nil {
				return err
			}
			if cm.IsScanning() {
				return device.NewConflictError(device.OpScan, cm.ID(), "")
			}
			c.bindCentral(cm)
			return nil
		},
		Activate: func(stream.Emitter[device.Advertisement]) error {
			cm.ScanForPeripherals(services, allowDuplicates)
			return nil
		},
		Cancel: func() {
			if cm.IsScanning() {
				cm.StopScan()
			}
		},
		Logger: c.logger,
	})
}

// Connect dials address and streams its link state. The first value carries
// the connected peripheral; the stream completes on a requested disconnect
// and fails with device.ErrDisconnected on link loss. Cancelling the
// subscription disconnects.
func (c *Client) Connect(cm device.CentralManager, address string) *stream.Stream[device.ConnectionEvent] {
	return stream.New(stream.Config[device.ConnectionEvent]{
		Name:     device.OpConnect,
		Registry: c.registry,
		Owner:    cm.ID(),
		Keys:     []mux.Key{mux.For(mux.KindConnection, address)},
		Precheck: func() error {
			if err := requirePoweredOn(cm.State); err != nil {
				return err
			}
			c.bindCentral(cm)
			return nil
		},
		Activate: func(stream.Emitter[device.ConnectionEvent]) error {
			cm.Connect(address)
			return nil
		},
		Cancel: func() {
			cm.CancelConnection(address)
		},
		Logger: c.logger,
	})
}

// centralHub is the delegate installed on a central manager.
type centralHub struct {
	client *Client
	owner  device.OwnerID
	// peers maps a connected address to the owner of its peripheral table.
	peers *hashmap.Map[string, device.OwnerID]
}

func (h *centralHub) registry() *mux.Registry {
	return h.client.registry
}

func (h *centralHub) DidUpdateState(state device.ManagerState) {
	h.client.logger.WithFields(logrus.Fields{
		"owner": h.owner,
		"state": state,
	}).Debug("Central state changed")

	h.registry().Dispatch(h.owner, mux.Global(mux.KindState), mux.Event{Value: state})
	if state != device.StatePoweredOn {
		h.registry().Dispatch(h.owner, mux.Global(mux.KindScan), mux.Event{Err: &device.StateError{State: state}})
	}
}

func (h *centralHub) DidDiscover(adv device.Advertisement) {
	h.registry().Dispatch(h.owner, mux.Global(mux.KindScan), mux.Event{Value: adv})
}

func (h *centralHub) DidConnect(address string, p device.Peripheral) {
	h.peers.Set(address, p.ID())
	h.client.bindPeripheral(p)

	h.client.logger.WithFields(logrus.Fields{
		"owner":   h.owner,
		"address": address,
		"peer":    p.ID(),
	}).Info("Peripheral connected")

	h.registry().Dispatch(h.owner, mux.For(mux.KindConnection, address), mux.Event{Value: device.ConnectionEvent{
		Address:    address,
		State:      device.Connected,
		Peripheral: p,
	}})
}

func (h *centralHub) DidFailToConnect(address string, err error) {
	h.registry().Dispatch(h.owner, mux.For(mux.KindConnection, address), mux.Event{
		Err: device.NewOperationError(device.OpConnect, h.owner, address, err),
	})
}

func (h *centralHub) DidDisconnect(address string, err error) {
	peer, ok := h.peers.Get(address)
	if !ok {
		peer = device.OwnerID(address)
	}
	h.peers.Del(address)

	log := h.client.logger.WithFields(logrus.Fields{
		"owner":   h.owner,
		"address": address,
	})

	key := mux.For(mux.KindConnection, address)
	var cause error
	if err != nil {
		cause = device.NewDisconnectedError(peer, err)
		log.WithError(err).Warn("Peripheral disconnected")
		h.registry().Dispatch(h.owner, key, mux.Event{Err: cause})
	} else {
		log.Info("Peripheral disconnected")
		h.registry().Complete(h.owner, key)
	}

	h.registry().Teardown(peer, cause)
}
