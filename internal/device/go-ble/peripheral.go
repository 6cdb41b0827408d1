package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/groutine"
	"github.com/srg/blemux/pkg/device"
)

// minWriteLength is the ATT payload of the default 23 byte MTU.
const minWriteLength = 20

// Peripheral adapts a connected ble.Client to device.Peripheral. Blocking
// GATT calls run one at a time on an operation executor; their results are
// delivered to the delegate through a separate callback executor.
type Peripheral struct {
	id      device.OwnerID
	address string
	client  ble.Client
	logger  *logrus.Logger

	ops    *groutine.Serial
	events *groutine.Serial
	cancel context.CancelFunc

	services *hashmap.Map[device.AttributeID, *ble.Service]
	chars    *hashmap.Map[device.AttributeID, *ble.Characteristic]
	descs    *hashmap.Map[device.AttributeID, *ble.Descriptor]

	writes    *window
	requested atomic.Bool

	mu       sync.Mutex
	state    device.PeripheralState
	delegate device.PeripheralDelegate
}

// NewPeripheral wraps a client returned by a successful dial of address.
func NewPeripheral(client ble.Client, address string, opts Options) *Peripheral {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peripheral{
		id:       device.OwnerID(address),
		address:  address,
		client:   client,
		logger:   opts.Logger,
		cancel:   cancel,
		services: hashmap.New[device.AttributeID, *ble.Service](),
		chars:    hashmap.New[device.AttributeID, *ble.Characteristic](),
		descs:    hashmap.New[device.AttributeID, *ble.Descriptor](),
		writes:   newWindow(opts.WriteWindow),
		state:    device.Connected,
	}
	p.ops = groutine.NewSerial(ctx, "ble-peripheral-ops", opts.Logger)
	p.events = groutine.NewSerial(ctx, "ble-peripheral-events", opts.Logger)
	return p
}

func (p *Peripheral) ID() device.OwnerID { return p.id }

func (p *Peripheral) Name() string { return p.client.Name() }

func (p *Peripheral) State() device.PeripheralState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peripheral) SetDelegate(d device.PeripheralDelegate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delegate = d
}

// notify delivers fn to the delegate on the callback executor.
func (p *Peripheral) notify(fn func(d device.PeripheralDelegate)) {
	p.events.Submit(func() {
		p.mu.Lock()
		d := p.delegate
		p.mu.Unlock()
		if d == nil {
			p.logger.WithField("peripheral", p.id).Trace("Dropping callback, no delegate")
			return
		}
		fn(d)
	})
}

// run queues a blocking GATT call. Calls against a closed link are dropped.
func (p *Peripheral) run(op string, fn func()) {
	if !p.ops.Submit(fn) {
		p.logger.WithFields(logrus.Fields{
			"peripheral": p.id,
			"op":         op,
		}).Debug("Dropping request on closed peripheral")
	}
}

func (p *Peripheral) DiscoverServices(filter []string) {
	p.run(device.OpDiscoverServices, func() {
		uuids, err := parseUUIDs(filter)
		if err != nil {
			p.notify(func(d device.PeripheralDelegate) { d.DidDiscoverServices(nil, err) })
			return
		}
		found, err := p.client.DiscoverServices(uuids)
		services := p.indexServices(found)
		err = NormalizeError(err)
		p.notify(func(d device.PeripheralDelegate) { d.DidDiscoverServices(services, err) })
	})
}

func (p *Peripheral) DiscoverIncludedServices(service device.AttributeID, filter []string) {
	p.run(device.OpDiscoverIncludedServices, func() {
		svc, err := p.service(service)
		var uuids []ble.UUID
		if err == nil {
			uuids, err = parseUUIDs(filter)
		}
		var included []device.Service
		if err == nil {
			var found []*ble.Service
			found, err = p.client.DiscoverIncludedServices(uuids, svc)
			included = p.indexServices(found)
			err = NormalizeError(err)
		}
		p.notify(func(d device.PeripheralDelegate) { d.DidDiscoverIncludedServices(service, included, err) })
	})
}

func (p *Peripheral) DiscoverCharacteristics(service device.AttributeID, filter []string) {
	p.run(device.OpDiscoverCharacteristics, func() {
		svc, err := p.service(service)
		var uuids []ble.UUID
		if err == nil {
			uuids, err = parseUUIDs(filter)
		}
		var chars []device.Characteristic
		if err == nil {
			var found []*ble.Characteristic
			found, err = p.client.DiscoverCharacteristics(uuids, svc)
			for _, c := range found {
				id := device.CharacteristicID(string(service), c.UUID.String())
				p.chars.Set(id, c)
				chars = append(chars, device.Characteristic{
					ID:         id,
					Service:    service,
					UUID:       id.UUID(),
					Properties: toProperty(c.Property),
				})
			}
			err = NormalizeError(err)
		}
		p.notify(func(d device.PeripheralDelegate) { d.DidDiscoverCharacteristics(service, chars, err) })
	})
}

func (p *Peripheral) DiscoverDescriptors(characteristic device.AttributeID) {
	p.run(device.OpDiscoverDescriptors, func() {
		char, err := p.characteristic(characteristic)
		var descs []device.Descriptor
		if err == nil {
			var found []*ble.Descriptor
			found, err = p.client.DiscoverDescriptors(nil, char)
			for _, ds := range found {
				id := device.DescriptorID(characteristic, ds.UUID.String())
				p.descs.Set(id, ds)
				descs = append(descs, device.Descriptor{ID: id, Characteristic: characteristic, UUID: id.UUID()})
			}
			err = NormalizeError(err)
		}
		p.notify(func(d device.PeripheralDelegate) { d.DidDiscoverDescriptors(characteristic, descs, err) })
	})
}

func (p *Peripheral) ReadValue(attr device.AttributeID) {
	p.run(device.OpRead, func() {
		var (
			data []byte
			err  error
		)
		if attr.IsDescriptor() {
			var ds *ble.Descriptor
			if ds, err = p.descriptor(attr); err == nil {
				data, err = p.client.ReadDescriptor(ds)
			}
		} else {
			var c *ble.Characteristic
			if c, err = p.characteristic(attr); err == nil {
				data, err = p.client.ReadCharacteristic(c)
			}
		}
		err = NormalizeError(err)
		p.notify(func(d device.PeripheralDelegate) { d.DidUpdateValue(attr, data, err) })
	})
}

// WriteValue queues a write. Acknowledged writes report DidWriteValue; best-effort
// writes hold a window slot until the host stack has taken them.
func (p *Peripheral) WriteValue(attr device.AttributeID, data []byte, mode device.WriteMode) {
	data = append([]byte(nil), data...)

	if mode == device.WithoutResponse {
		if !p.writes.acquire() {
			p.logger.WithField("attribute", attr).Warn("Best-effort write without room, sending anyway")
		}
		p.run(device.OpWrite, func() {
			if err := p.writeCharacteristic(attr, data, true); err != nil {
				p.logger.WithFields(logrus.Fields{
					"attribute": attr,
					"error":     err,
				}).Warn("Best-effort write failed")
			}
			if p.writes.release() {
				p.notify(func(d device.PeripheralDelegate) { d.IsReadyToSendWriteWithoutResponse() })
			}
		})
		return
	}

	p.run(device.OpWrite, func() {
		var err error
		if attr.IsDescriptor() {
			var ds *ble.Descriptor
			if ds, err = p.descriptor(attr); err == nil {
				err = p.client.WriteDescriptor(ds, data)
			}
		} else {
			err = p.writeCharacteristic(attr, data, false)
		}
		err = NormalizeError(err)
		p.notify(func(d device.PeripheralDelegate) { d.DidWriteValue(attr, err) })
	})
}

func (p *Peripheral) writeCharacteristic(attr device.AttributeID, data []byte, noRsp bool) error {
	c, err := p.characteristic(attr)
	if err != nil {
		return err
	}
	return NormalizeError(p.client.WriteCharacteristic(c, data, noRsp))
}

// SetNotifyValue subscribes with notifications, or indications when the
// characteristic only supports those.
func (p *Peripheral) SetNotifyValue(attr device.AttributeID, enabled bool) {
	p.run(device.OpSetNotify, func() {
		c, err := p.characteristic(attr)
		if err == nil {
			ind := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
			if enabled {
				err = p.client.Subscribe(c, ind, func(data []byte) {
					value := append([]byte(nil), data...)
					p.notify(func(d device.PeripheralDelegate) { d.DidUpdateValue(attr, value, nil) })
				})
			} else {
				err = p.client.Unsubscribe(c, ind)
			}
			err = NormalizeError(err)
		}
		p.notify(func(d device.PeripheralDelegate) { d.DidUpdateNotificationState(attr, enabled, err) })
	})
}

func (p *Peripheral) ReadRSSI() {
	p.run(device.OpReadRSSI, func() {
		rssi := p.client.ReadRSSI()
		p.notify(func(d device.PeripheralDelegate) { d.DidReadRSSI(rssi, nil) })
	})
}

// OpenL2CAPChannel is not offered by go-ble; the failure is reported through the delegate.
func (p *Peripheral) OpenL2CAPChannel(psm device.PSM) {
	p.notify(func(d device.PeripheralDelegate) {
		d.DidOpenL2CAPChannel(psm, nil, fmt.Errorf("%w: l2cap channels", device.ErrUnsupported))
	})
}

// MaximumWriteValueLength is the ATT MTU minus the 3 byte header, never below 20.
func (p *Peripheral) MaximumWriteValueLength(device.AttributeID, device.WriteMode) int {
	conn := p.client.Conn()
	if conn == nil {
		return minWriteLength
	}
	if n := conn.TxMTU() - 3; n > minWriteLength {
		return n
	}
	return minWriteLength
}

func (p *Peripheral) CanSendWriteWithoutResponse(device.AttributeID) bool {
	return p.State() == device.Connected && p.writes.available()
}

// markDisconnected stops both executors and drops pending requests. It
// reports false when the link was already down.
func (p *Peripheral) markDisconnected() bool {
	p.mu.Lock()
	was := p.state
	p.state = device.Disconnected
	p.mu.Unlock()
	p.cancel()
	return was != device.Disconnected
}

func (p *Peripheral) indexServices(found []*ble.Service) []device.Service {
	services := make([]device.Service, 0, len(found))
	for _, s := range found {
		id := device.ServiceID(s.UUID.String())
		p.services.Set(id, s)
		services = append(services, device.Service{ID: id, UUID: string(id), Primary: true})
	}
	return services
}

func (p *Peripheral) service(id device.AttributeID) (*ble.Service, error) {
	if s, ok := p.services.Get(id); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: service %s", device.ErrUnknownTarget, id)
}

func (p *Peripheral) characteristic(id device.AttributeID) (*ble.Characteristic, error) {
	if c, ok := p.chars.Get(id); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: characteristic %s", device.ErrUnknownTarget, id)
}

func (p *Peripheral) descriptor(id device.AttributeID) (*ble.Descriptor, error) {
	if d, ok := p.descs.Get(id); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: descriptor %s", device.ErrUnknownTarget, id)
}
