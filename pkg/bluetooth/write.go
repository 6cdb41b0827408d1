package bluetooth

import (
	"github.com/srg/blemux/internal/mux"
	"github.com/srg/blemux/pkg/device"
	"github.com/srg/blemux/pkg/stream"
	"github.com/srg/blemux/pkg/transfer"
)

const (
	signalReady = transfer.SignalReady
	signalAck   = transfer.SignalAck
)

// peripheralTransport writes to one attribute of a connected peripheral.
type peripheralTransport struct {
	p    device.Peripheral
	attr device.AttributeID
}

func (t peripheralTransport) UnitSize(mode device.WriteMode) int {
	return t.p.MaximumWriteValueLength(t.attr, mode)
}

func (t peripheralTransport) Send(data []byte, mode device.WriteMode) bool {
	if mode == device.WithoutResponse && !t.p.CanSendWriteWithoutResponse(t.attr) {
		return false
	}
	t.p.WriteValue(t.attr, data, mode)
	return true
}

// Write sends data to attr with acknowledged writes, one chunk in flight.
func (c *Client) Write(p device.Peripheral, attr device.AttributeID, data []byte) *stream.Stream[device.Progress] {
	return transfer.NewFixedStream(c.writeConfig(p, attr, device.WithResponse), data, device.WithResponse)
}

// WriteWithoutResponse sends data to attr with best-effort writes paced by
// the peripheral's transmit capacity.
func (c *Client) WriteWithoutResponse(p device.Peripheral, attr device.AttributeID, data []byte) *stream.Stream[device.Progress] {
	return transfer.NewFixedStream(c.writeConfig(p, attr, device.WithoutResponse), data, device.WithoutResponse)
}

// WritePackets sends packets from feed to attr as they arrive, each with its
// own mode. The transfer completes once feed is closed and drained.
func (c *Client) WritePackets(p device.Peripheral, attr device.AttributeID, feed *transfer.Feed) *stream.Stream[device.Progress] {
	return transfer.NewFeedStream(c.writeConfig(p, attr, device.WithoutResponse), feed)
}

func (c *Client) writeConfig(p device.Peripheral, attr device.AttributeID, mode device.WriteMode) transfer.StreamConfig {
	precheck := c.peripheralPrecheck(p, device.OpWrite)
	return transfer.StreamConfig{
		Name:         device.OpWrite,
		Registry:     c.registry,
		Owner:        p.ID(),
		Key:          mux.For(mux.KindWrite, attr),
		Target:       attr,
		Transport:    peripheralTransport{p: p, attr: attr},
		Acknowledged: true,
		Precheck: func() error {
			if mode == device.WithoutResponse && attr.IsDescriptor() {
				return &device.Error{
					Kind:   device.KindUnsupported,
					Op:     device.OpWrite,
					Owner:  p.ID(),
					Target: string(attr),
				}
			}
			return precheck()
		},
		Logger: c.logger,
	}
}

// managerTransport notifies subscribers of a local characteristic.
type managerTransport struct {
	pm       device.PeripheralManager
	char     device.AttributeID
	centrals []device.OwnerID
}

// UnitSize is the smallest update length among the target centrals.
func (t managerTransport) UnitSize(device.WriteMode) int {
	if len(t.centrals) == 0 {
		return t.pm.MaximumUpdateValueLength("")
	}
	unit := 0
	for i, central := range t.centrals {
		if n := t.pm.MaximumUpdateValueLength(central); i == 0 || n < unit {
			unit = n
		}
	}
	return unit
}

func (t managerTransport) Send(data []byte, _ device.WriteMode) bool {
	return t.pm.UpdateValue(data, t.char, t.centrals)
}

// UpdateValue notifies data to the subscribers of char (only to centrals when
// given), in chunks no larger than the smallest subscriber limit.
func (c *Client) UpdateValue(pm device.PeripheralManager, char device.AttributeID, data []byte, centrals ...device.OwnerID) *stream.Stream[device.Progress] {
	return transfer.NewFixedStream(c.updateConfig(pm, char, centrals), data, device.WithoutResponse)
}

// UpdatePackets notifies packets from feed as they arrive. Notifications are
// never acknowledged, so every packet must be WithoutResponse.
func (c *Client) UpdatePackets(pm device.PeripheralManager, char device.AttributeID, feed *transfer.Feed, centrals ...device.OwnerID) *stream.Stream[device.Progress] {
	return transfer.NewFeedStream(c.updateConfig(pm, char, centrals), feed)
}

func (c *Client) updateConfig(pm device.PeripheralManager, char device.AttributeID, centrals []device.OwnerID) transfer.StreamConfig {
	return transfer.StreamConfig{
		Name:      device.OpUpdateValue,
		Registry:  c.registry,
		Owner:     pm.ID(),
		Key:       mux.For(mux.KindUpdate, char),
		Target:    char,
		Transport: managerTransport{pm: pm, char: char, centrals: centrals},
		Precheck: func() error {
			if err := requirePoweredOn(pm.State); err != nil {
				return err
			}
			c.bindManager(pm)
			return nil
		},
		Logger: c.logger,
	}
}
