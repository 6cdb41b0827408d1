// Package goble implements the device capability interfaces on top of the
// go-ble host stack.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/groutine"
	"github.com/srg/blemux/pkg/device"
)

// disconnectNotifier is implemented by clients that report link loss.
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// Central adapts a ble.Device to device.CentralManager.
type Central struct {
	id     device.OwnerID
	dev    ble.Device
	opts   Options
	logger *logrus.Logger

	events *groutine.Serial
	peers  *hashmap.Map[string, *Peripheral]

	mu       sync.Mutex
	delegate device.CentralDelegate
	stopScan context.CancelFunc
	scanGen  uint64
	scanning bool
	dials    map[string]context.CancelFunc
}

// OpenCentral creates the host device with DeviceFactory and wraps it.
func OpenCentral(opts Options) (*Central, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	return NewCentral(dev, opts), nil
}

// NewCentral wraps an initialized device. go-ble only hands out devices whose
// radio is up, so the central reports powered on for its whole life.
func NewCentral(dev ble.Device, opts Options) *Central {
	opts = opts.withDefaults()
	return &Central{
		id:     device.OwnerID(uuid.NewString()),
		dev:    dev,
		opts:   opts,
		logger: opts.Logger,
		events: groutine.NewSerial(context.Background(), "ble-central-events", opts.Logger),
		peers:  hashmap.New[string, *Peripheral](),
		dials:  make(map[string]context.CancelFunc),
	}
}

func (c *Central) ID() device.OwnerID { return c.id }

func (c *Central) State() device.ManagerState { return device.StatePoweredOn }

func (c *Central) IsScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// SetDelegate installs d and reports the current state to it.
func (c *Central) SetDelegate(d device.CentralDelegate) {
	c.mu.Lock()
	c.delegate = d
	c.mu.Unlock()
	state := c.State()
	c.notify(func(d device.CentralDelegate) { d.DidUpdateState(state) })
}

func (c *Central) notify(fn func(d device.CentralDelegate)) {
	c.events.Submit(func() {
		c.mu.Lock()
		d := c.delegate
		c.mu.Unlock()
		if d == nil {
			c.logger.Trace("Dropping central callback, no delegate")
			return
		}
		fn(d)
	})
}

// ScanForPeripherals scans until StopScan. Advertisements not carrying any of
// services are skipped.
func (c *Central) ScanForPeripherals(services []string, allowDuplicates bool) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.stopScan != nil {
		c.stopScan()
	}
	c.stopScan = cancel
	c.scanGen++
	gen := c.scanGen
	c.scanning = true
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"services":         services,
		"allow_duplicates": allowDuplicates,
	}).Debug("Starting BLE scan")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := c.dev.Scan(ctx, allowDuplicates, func(a ble.Advertisement) {
			adv := toAdvertisement(a)
			if !matchesServices(adv, services) {
				return
			}
			c.notify(func(d device.CentralDelegate) { d.DidDiscover(adv) })
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithField("error", NormalizeError(err)).Warn("BLE scan stopped")
		}
		c.mu.Lock()
		if c.scanGen == gen {
			c.scanning = false
			c.stopScan = nil
		}
		c.mu.Unlock()
		cancel()
	})
}

func (c *Central) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopScan != nil {
		c.stopScan()
		c.stopScan = nil
	}
	c.scanning = false
}

// Connect dials address in the background, bounded by ConnectTimeout.
func (c *Central) Connect(address string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)

	c.mu.Lock()
	if prev, ok := c.dials[address]; ok {
		prev()
	}
	c.dials[address] = cancel
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": c.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	groutine.Go(ctx, "ble-dial", func(ctx context.Context) {
		client, err := c.dev.Dial(ctx, ble.NewAddr(address))

		c.mu.Lock()
		delete(c.dials, address)
		c.mu.Unlock()
		cancel()

		if err != nil {
			err = NormalizeError(err)
			c.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Error("Failed to dial BLE device")
			c.notify(func(d device.CentralDelegate) { d.DidFailToConnect(address, err) })
			return
		}

		p := NewPeripheral(client, address, c.opts)
		c.peers.Set(address, p)
		c.notify(func(d device.CentralDelegate) { d.DidConnect(address, p) })
		c.watch(address, p)
	})
}

// watch reports the end of the link to the delegate.
func (c *Central) watch(address string, p *Peripheral) {
	dn, ok := p.client.(disconnectNotifier)
	if !ok {
		c.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		<-dn.Disconnected()
		c.closed(address, p)
	})
}

func (c *Central) closed(address string, p *Peripheral) {
	if !p.markDisconnected() {
		return
	}
	if cur, ok := c.peers.Get(address); ok && cur == p {
		c.peers.Del(address)
	}

	var cause error
	if !p.requested.Load() {
		cause = errLinkLost
		c.logger.WithField("address", address).Warn("BLE link lost")
	}
	c.notify(func(d device.CentralDelegate) { d.DidDisconnect(address, cause) })
}

// CancelConnection aborts a pending dial or disconnects an established link.
func (c *Central) CancelConnection(address string) {
	c.mu.Lock()
	cancel, dialing := c.dials[address]
	c.mu.Unlock()
	if dialing {
		cancel()
		return
	}

	p, ok := c.peers.Get(address)
	if !ok {
		return
	}
	p.requested.Store(true)
	groutine.Go(context.Background(), "ble-disconnect", func(context.Context) {
		if err := p.client.CancelConnection(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Warn("Failed to cancel BLE connection")
		}
		if _, ok := p.client.(disconnectNotifier); !ok {
			c.closed(address, p)
		}
	})
}
