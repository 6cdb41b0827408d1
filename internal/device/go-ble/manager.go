package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blemux/internal/groutine"
	"github.com/srg/blemux/pkg/device"
)

// Manager adapts a ble.Device to device.PeripheralManager: it publishes GATT
// services, advertises them and bridges incoming requests to the delegate.
type Manager struct {
	id     device.OwnerID
	dev    ble.Device
	opts   Options
	logger *logrus.Logger

	ops    *groutine.Serial
	events *groutine.Serial

	nextRequest atomic.Uint64
	pending     *hashmap.Map[uint64, chan device.ATTResult]
	updates     *window

	mu          sync.Mutex
	delegate    device.PeripheralManagerDelegate
	services    *orderedmap.OrderedMap[device.AttributeID, *ble.Service]
	subscribers map[device.AttributeID]map[device.OwnerID]ble.Notifier
	advertising bool
	stopAdv     context.CancelFunc
}

// OpenManager creates the host device with DeviceFactory and wraps it.
func OpenManager(opts Options) (*Manager, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	return NewManager(dev, opts), nil
}

func NewManager(dev ble.Device, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		id:          device.OwnerID(uuid.NewString()),
		dev:         dev,
		opts:        opts,
		logger:      opts.Logger,
		ops:         groutine.NewSerial(context.Background(), "ble-manager-ops", opts.Logger),
		events:      groutine.NewSerial(context.Background(), "ble-manager-events", opts.Logger),
		pending:     hashmap.New[uint64, chan device.ATTResult](),
		updates:     newWindow(opts.WriteWindow),
		services:    orderedmap.New[device.AttributeID, *ble.Service](),
		subscribers: make(map[device.AttributeID]map[device.OwnerID]ble.Notifier),
	}
}

func (m *Manager) ID() device.OwnerID { return m.id }

func (m *Manager) State() device.ManagerState { return device.StatePoweredOn }

func (m *Manager) IsAdvertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

// SetDelegate installs d and reports the current state to it.
func (m *Manager) SetDelegate(d device.PeripheralManagerDelegate) {
	m.mu.Lock()
	m.delegate = d
	m.mu.Unlock()
	state := m.State()
	m.notify(func(d device.PeripheralManagerDelegate) { d.DidUpdateState(state) })
}

func (m *Manager) notify(fn func(d device.PeripheralManagerDelegate)) {
	m.events.Submit(func() {
		m.mu.Lock()
		d := m.delegate
		m.mu.Unlock()
		if d == nil {
			m.logger.Trace("Dropping peripheral manager callback, no delegate")
			return
		}
		fn(d)
	})
}

// StartAdvertising advertises until StopAdvertising. go-ble only reports an
// advertising failure when it ends, so the start is confirmed right away.
func (m *Manager) StartAdvertising(data device.AdvertisingData) {
	uuids, err := parseUUIDs(data.Services)
	if err != nil {
		m.notify(func(d device.PeripheralManagerDelegate) { d.DidStartAdvertising(err) })
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.stopAdv != nil {
		m.stopAdv()
	}
	m.stopAdv = cancel
	m.advertising = true
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"name":     data.LocalName,
		"services": data.Services,
	}).Info("Advertising")

	groutine.Go(ctx, "ble-advertise", func(ctx context.Context) {
		err := m.dev.AdvertiseNameAndServices(ctx, data.LocalName, uuids...)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.WithField("error", NormalizeError(err)).Warn("Advertising stopped")
		}
		m.mu.Lock()
		if ctx.Err() == nil {
			m.advertising = false
			m.stopAdv = nil
		}
		m.mu.Unlock()
		cancel()
	})
	m.notify(func(d device.PeripheralManagerDelegate) { d.DidStartAdvertising(nil) })
}

func (m *Manager) StopAdvertising() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopAdv != nil {
		m.stopAdv()
		m.stopAdv = nil
	}
	m.advertising = false
}

// AddService publishes svc. Characteristics without a static value are served
// through DidReceiveRead and DidReceiveWrite.
func (m *Manager) AddService(svc device.MutableService) {
	m.ops.Submit(func() {
		s, err := m.buildService(svc)
		if err == nil {
			err = NormalizeError(m.dev.AddService(s))
		}
		if err == nil {
			m.mu.Lock()
			m.services.Set(svc.ID, s)
			m.mu.Unlock()
		}
		m.notify(func(d device.PeripheralManagerDelegate) { d.DidAddService(svc.ID, err) })
	})
}

func (m *Manager) buildService(svc device.MutableService) (*ble.Service, error) {
	u, err := ble.Parse(svc.UUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", svc.UUID, err)
	}
	s := ble.NewService(u)
	for _, mc := range svc.Characteristics {
		cu, err := ble.Parse(mc.UUID)
		if err != nil {
			return nil, fmt.Errorf("invalid characteristic UUID %q: %w", mc.UUID, err)
		}
		c := s.NewCharacteristic(cu)
		id := mc.ID

		if mc.Value != nil {
			c.SetValue(mc.Value)
		} else if mc.Properties.Has(device.PropRead) {
			c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				m.serveRead(id, req, rsp)
			}))
		}
		if mc.Properties&(device.PropWrite|device.PropWriteWithoutResponse) != 0 {
			c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				m.serveWrite(id, req, rsp)
			}))
		}
		if mc.Properties.Has(device.PropNotify) {
			c.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
				m.serveNotify(id, req, n)
			}))
		}
		if mc.Properties.Has(device.PropIndicate) {
			c.HandleIndicate(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
				m.serveNotify(id, req, n)
			}))
		}
		c.Property |= fromProperty(mc.Properties)
	}
	return s, nil
}

// RemoveService republishes every remaining service.
func (m *Manager) RemoveService(service device.AttributeID) {
	m.ops.Submit(func() {
		m.mu.Lock()
		_, ok := m.services.Delete(service)
		remaining := make([]*ble.Service, 0, m.services.Len())
		for pair := m.services.Oldest(); pair != nil; pair = pair.Next() {
			remaining = append(remaining, pair.Value)
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		if err := m.dev.SetServices(remaining); err != nil {
			m.logger.WithFields(logrus.Fields{
				"service": service,
				"error":   err,
			}).Warn("Failed to remove service")
		}
	})
}

func centralOf(req ble.Request) device.OwnerID {
	if conn := req.Conn(); conn != nil && conn.RemoteAddr() != nil {
		return device.OwnerID(conn.RemoteAddr().String())
	}
	return ""
}

// await blocks the go-ble handler until RespondToRequest or RequestTimeout.
func (m *Manager) await(req *device.ATTRequest, deliver func(d device.PeripheralManagerDelegate)) device.ATTResult {
	ch := make(chan device.ATTResult, 1)
	m.pending.Set(req.ID, ch)
	defer m.pending.Del(req.ID)

	m.notify(deliver)

	timer := time.NewTimer(m.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res
	case <-timer.C:
		m.logger.WithFields(logrus.Fields{
			"request":        req.ID,
			"characteristic": req.Characteristic,
		}).Warn("Request not answered in time")
		return device.ATTUnlikelyError
	}
}

func (m *Manager) serveRead(char device.AttributeID, req ble.Request, rsp ble.ResponseWriter) {
	r := &device.ATTRequest{
		ID:             m.nextRequest.Add(1),
		Central:        centralOf(req),
		Characteristic: char,
		Offset:         req.Offset(),
	}
	res := m.await(r, func(d device.PeripheralManagerDelegate) { d.DidReceiveRead(r) })
	if res != device.ATTSuccess {
		rsp.SetStatus(toATTError(res))
		return
	}
	if _, err := rsp.Write(r.Value); err != nil {
		m.logger.WithField("error", err).Warn("Read response truncated")
	}
}

func (m *Manager) serveWrite(char device.AttributeID, req ble.Request, rsp ble.ResponseWriter) {
	r := &device.ATTRequest{
		ID:             m.nextRequest.Add(1),
		Central:        centralOf(req),
		Characteristic: char,
		Offset:         req.Offset(),
		Value:          append([]byte(nil), req.Data()...),
	}
	res := m.await(r, func(d device.PeripheralManagerDelegate) { d.DidReceiveWrite([]*device.ATTRequest{r}) })
	if res != device.ATTSuccess {
		rsp.SetStatus(toATTError(res))
	}
}

// serveNotify holds a subscription open until the central unsubscribes.
func (m *Manager) serveNotify(char device.AttributeID, req ble.Request, n ble.Notifier) {
	central := centralOf(req)
	if central == "" {
		central = device.OwnerID(uuid.NewString())
	}

	m.mu.Lock()
	if m.subscribers[char] == nil {
		m.subscribers[char] = make(map[device.OwnerID]ble.Notifier)
	}
	m.subscribers[char][central] = n
	m.mu.Unlock()

	limit := n.Cap()
	m.notify(func(d device.PeripheralManagerDelegate) { d.CentralDidSubscribe(central, char, limit) })

	<-n.Context().Done()

	m.mu.Lock()
	delete(m.subscribers[char], central)
	m.mu.Unlock()
	m.notify(func(d device.PeripheralManagerDelegate) { d.CentralDidUnsubscribe(central, char) })
}

// UpdateValue sends value to the subscribed centrals on the operation
// executor. It returns false while WriteWindow updates are still queued.
func (m *Manager) UpdateValue(value []byte, characteristic device.AttributeID, centrals []device.OwnerID) bool {
	if !m.updates.acquire() {
		return false
	}
	value = append([]byte(nil), value...)

	m.mu.Lock()
	var targets []ble.Notifier
	for central, n := range m.subscribers[characteristic] {
		if len(centrals) == 0 || containsOwner(centrals, central) {
			targets = append(targets, n)
		}
	}
	m.mu.Unlock()

	m.ops.Submit(func() {
		for _, n := range targets {
			if _, err := n.Write(value); err != nil {
				m.logger.WithFields(logrus.Fields{
					"characteristic": characteristic,
					"error":          err,
				}).Warn("Failed to notify subscriber")
			}
		}
		if m.updates.release() {
			m.notify(func(d device.PeripheralManagerDelegate) { d.IsReadyToUpdateSubscribers() })
		}
	})
	return true
}

func containsOwner(ids []device.OwnerID, id device.OwnerID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// MaximumUpdateValueLength is the notifier capacity of central, or the
// smallest one among all subscribers when central is empty.
func (m *Manager) MaximumUpdateValueLength(central device.OwnerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := 0
	for _, subs := range m.subscribers {
		for id, n := range subs {
			if central != "" && id != central {
				continue
			}
			if c := n.Cap(); limit == 0 || c < limit {
				limit = c
			}
		}
	}
	if limit == 0 {
		return minWriteLength
	}
	return limit
}

// RespondToRequest answers a request delivered by DidReceiveRead or
// DidReceiveWrite. Late answers are dropped.
func (m *Manager) RespondToRequest(req *device.ATTRequest, result device.ATTResult) {
	ch, ok := m.pending.Get(req.ID)
	if !ok {
		m.logger.WithField("request", req.ID).Debug("Dropping late response")
		return
	}
	select {
	case ch <- result:
	default:
	}
}

func (m *Manager) PublishL2CAPChannel(bool) {
	m.notify(func(d device.PeripheralManagerDelegate) {
		d.DidPublishL2CAPChannel(0, fmt.Errorf("%w: l2cap channels", device.ErrUnsupported))
	})
}

func (m *Manager) UnpublishL2CAPChannel(psm device.PSM) {
	m.notify(func(d device.PeripheralManagerDelegate) {
		d.DidUnpublishL2CAPChannel(psm, fmt.Errorf("%w: l2cap channels", device.ErrUnsupported))
	})
}
