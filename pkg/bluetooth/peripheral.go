package bluetooth

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/mux"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
)

// DiscoverServices discovers the services of p matching filter (all when empty).
func (c *Client) DiscoverServices(p device.Peripheral, filter ...string) *stream.Stream[[]device.Service] {
	return oneShot[[]device.Service](c, request{
		name:     device.OpDiscoverServices,
		owner:    p.ID(),
		key:      mux.Global(mux.KindServices),
		op:       device.OpDiscoverServices,
		precheck: c.peripheralPrecheck(p, device.OpDiscoverServices),
		issue:    func() { p.DiscoverServices(filter) },
	})
}

// DiscoverIncludedServices discovers the services included by service.
func (c *Client) DiscoverIncludedServices(p device.Peripheral, service device.AttributeID, filter ...string) *stream.Stream[[]device.Service] {
	return oneShot[[]device.Service](c, request{
		name:     device.OpDiscoverIncludedServices,
		owner:    p.ID(),
		key:      mux.For(mux.KindIncludedServices, service),
		op:       device.OpDiscoverIncludedServices,
		precheck: c.peripheralPrecheck(p, device.OpDiscoverIncludedServices),
		issue:    func() { p.DiscoverIncludedServices(service, filter) },
	})
}

// DiscoverCharacteristics discovers the characteristics of service. The stream
// completes empty if the service is invalidated before the result arrives.
func (c *Client) DiscoverCharacteristics(p device.Peripheral, service device.AttributeID, filter ...string) *stream.Stream[[]device.Characteristic] {
	return oneShot[[]device.Characteristic](c, request{
		name:     device.OpDiscoverCharacteristics,
		owner:    p.ID(),
		key:      mux.For(mux.KindCharacteristics, service),
		op:       device.OpDiscoverCharacteristics,
		precheck: c.peripheralPrecheck(p, device.OpDiscoverCharacteristics),
		issue:    func() { p.DiscoverCharacteristics(service, filter) },
	})
}

// DiscoverDescriptors discovers the descriptors of characteristic.
func (c *Client) DiscoverDescriptors(p device.Peripheral, characteristic device.AttributeID) *stream.Stream[[]device.Descriptor] {
	return oneShot[[]device.Descriptor](c, request{
		name:     device.OpDiscoverDescriptors,
		owner:    p.ID(),
		key:      mux.For(mux.KindDescriptors, characteristic),
		op:       device.OpDiscoverDescriptors,
		precheck: c.peripheralPrecheck(p, device.OpDiscoverDescriptors),
		issue:    func() { p.DiscoverDescriptors(characteristic) },
	})
}

// Read reads a characteristic or descriptor. Reads share the value slot with
// Notifications, so a read of an attribute with active notifications conflicts.
func (c *Client) Read(p device.Peripheral, attr device.AttributeID) *stream.Stream[device.Value] {
	return oneShot[device.Value](c, request{
		name:     device.OpRead,
		owner:    p.ID(),
		key:      mux.For(mux.KindValue, attr),
		op:       device.OpRead,
		precheck: c.peripheralPrecheck(p, device.OpRead),
		issue:    func() { p.ReadValue(attr) },
	})
}

// SetNotify enables or disables notifications of attr and reports the outcome.
func (c *Client) SetNotify(p device.Peripheral, attr device.AttributeID, enabled bool) *stream.Stream[device.NotifyState] {
	return oneShot[device.NotifyState](c, request{
		name:     device.OpSetNotify,
		owner:    p.ID(),
		key:      mux.For(mux.KindNotifyState, attr),
		op:       device.OpSetNotify,
		precheck: c.peripheralPrecheck(p, device.OpSetNotify),
		issue:    func() { p.SetNotifyValue(attr, enabled) },
	})
}

// Notifications enables notifications of attr and streams the values. The
// stream fails if enabling is rejected; cancelling disables notifications.
func (c *Client) Notifications(p device.Peripheral, attr device.AttributeID) *stream.Stream[device.Value] {
	return stream.New(stream.Config[device.Value]{
		Name:     "notify",
		Registry: c.registry,
		Owner:    p.ID(),
		Keys: []mux.Key{
			mux.For(mux.KindValue, attr),
			mux.For(mux.KindNotifyState, attr),
		},
		Precheck: c.peripheralPrecheck(p, device.OpSetNotify),
		Activate: func(stream.Emitter[device.Value]) error {
			p.SetNotifyValue(attr, true)
			return nil
		},
		Receive: func(ev mux.Event, out stream.Emitter[device.Value]) {
			switch v := ev.Value.(type) {
			case device.Value:
				out.Next(v)
			case device.NotifyState:
				if !v.Enabled {
					out.Complete()
				}
			}
		},
		Cancel: func() {
			if p.State() == device.Connected {
				p.SetNotifyValue(attr, false)
			}
		},
		Logger: c.logger,
	})
}

// ReadRSSI reads the signal strength of the link.
func (c *Client) ReadRSSI(p device.Peripheral) *stream.Stream[int] {
	return oneShot[int](c, request{
		name:     device.OpReadRSSI,
		owner:    p.ID(),
		key:      mux.Global(mux.KindRSSI),
		op:       device.OpReadRSSI,
		precheck: c.peripheralPrecheck(p, device.OpReadRSSI),
		issue:    p.ReadRSSI,
	})
}

// OpenL2CAP opens an L2CAP channel to psm.
func (c *Client) OpenL2CAP(p device.Peripheral, psm device.PSM) *stream.Stream[*device.L2CAPChannel] {
	return oneShot[*device.L2CAPChannel](c, request{
		name:     device.OpOpenL2CAP,
		owner:    p.ID(),
		key:      mux.For(mux.KindL2CAP, psmID(psm)),
		op:       device.OpOpenL2CAP,
		precheck: c.peripheralPrecheck(p, device.OpOpenL2CAP),
		issue:    func() { p.OpenL2CAPChannel(psm) },
	})
}

// NameUpdates streams changes of the peripheral's GAP name.
func (c *Client) NameUpdates(p device.Peripheral) *stream.Stream[string] {
	return stream.New(stream.Config[string]{
		Name:     "name",
		Registry: c.registry,
		Owner:    p.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindName)},
		Precheck: c.peripheralPrecheck(p, "name"),
		Logger:   c.logger,
	})
}

// ServiceChanges streams the services invalidated by the peripheral.
func (c *Client) ServiceChanges(p device.Peripheral) *stream.Stream[[]device.Service] {
	return stream.New(stream.Config[[]device.Service]{
		Name:     "service-changes",
		Registry: c.registry,
		Owner:    p.ID(),
		Keys:     []mux.Key{mux.Global(mux.KindServiceChanges)},
		Precheck: c.peripheralPrecheck(p, "service-changes"),
		Logger:   c.logger,
	})
}

func psmID(psm device.PSM) string {
	return strconv.Itoa(int(psm))
}

// peripheralHub is the delegate installed on a connected peripheral.
type peripheralHub struct {
	registry *mux.Registry
	owner    device.OwnerID
	logger   *logrus.Logger
}

// reply routes the outcome of a request: the error wrapped as an operation
// failure, or the value.
func (h *peripheralHub) reply(key mux.Key, op string, target string, value any, err error) {
	ev := mux.Event{Value: value}
	if err != nil {
		ev = mux.Event{Err: device.NewOperationError(op, h.owner, target, err)}
	}
	h.registry.Dispatch(h.owner, key, ev)
}

func (h *peripheralHub) DidUpdateName(name string) {
	h.registry.Dispatch(h.owner, mux.Global(mux.KindName), mux.Event{Value: name})
}

func (h *peripheralHub) DidModifyServices(invalidated []device.Service) {
	h.logger.WithFields(logrus.Fields{
		"owner":    h.owner,
		"services": len(invalidated),
	}).Debug("Services invalidated")

	for _, svc := range invalidated {
		h.registry.Complete(h.owner, mux.For(mux.KindCharacteristics, svc.ID))
		h.registry.Complete(h.owner, mux.For(mux.KindIncludedServices, svc.ID))
	}
	h.registry.Dispatch(h.owner, mux.Global(mux.KindServiceChanges), mux.Event{Value: invalidated})
}

func (h *peripheralHub) DidDiscoverServices(services []device.Service, err error) {
	h.reply(mux.Global(mux.KindServices), device.OpDiscoverServices, "", services, err)
}

func (h *peripheralHub) DidDiscoverIncludedServices(service device.AttributeID, included []device.Service, err error) {
	h.reply(mux.For(mux.KindIncludedServices, service), device.OpDiscoverIncludedServices, string(service), included, err)
}

func (h *peripheralHub) DidDiscoverCharacteristics(service device.AttributeID, chars []device.Characteristic, err error) {
	h.reply(mux.For(mux.KindCharacteristics, service), device.OpDiscoverCharacteristics, string(service), chars, err)
}

func (h *peripheralHub) DidDiscoverDescriptors(characteristic device.AttributeID, descs []device.Descriptor, err error) {
	h.reply(mux.For(mux.KindDescriptors, characteristic), device.OpDiscoverDescriptors, string(characteristic), descs, err)
}

func (h *peripheralHub) DidUpdateValue(attr device.AttributeID, value []byte, err error) {
	h.reply(mux.For(mux.KindValue, attr), device.OpRead, string(attr), device.Value{Attribute: attr, Data: value}, err)
}

func (h *peripheralHub) DidWriteValue(attr device.AttributeID, err error) {
	h.reply(mux.For(mux.KindWrite, attr), device.OpWrite, string(attr), signalAck, err)
}

func (h *peripheralHub) DidUpdateNotificationState(attr device.AttributeID, enabled bool, err error) {
	h.reply(mux.For(mux.KindNotifyState, attr), device.OpSetNotify, string(attr), device.NotifyState{Attribute: attr, Enabled: enabled}, err)
}

func (h *peripheralHub) DidReadRSSI(rssi int, err error) {
	h.reply(mux.Global(mux.KindRSSI), device.OpReadRSSI, "", rssi, err)
}

func (h *peripheralHub) IsReadyToSendWriteWithoutResponse() {
	h.registry.DispatchKind(h.owner, mux.KindWrite, mux.Event{Value: signalReady})
}

func (h *peripheralHub) DidOpenL2CAPChannel(psm device.PSM, ch *device.L2CAPChannel, err error) {
	h.reply(mux.For(mux.KindL2CAP, psmID(psm)), device.OpOpenL2CAP, psmID(psm), ch, err)
}
