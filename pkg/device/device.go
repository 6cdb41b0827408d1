package device

import (
	"fmt"
	"io"
	"strings"
)

// OwnerID identifies an object that owns one delegate: a central manager, a
// connected peripheral, or a peripheral manager.
type OwnerID string

// AttributeID identifies a service, characteristic or descriptor within its owner.
type AttributeID string

// PSM is an L2CAP protocol/service multiplexer.
type PSM uint16

// WriteMode selects acknowledged or best-effort delivery for a single write.
type WriteMode uint8

const (
	WithResponse WriteMode = iota
	WithoutResponse
)

func (m WriteMode) String() string {
	switch m {
	case WithResponse:
		return "with-response"
	case WithoutResponse:
		return "without-response"
	default:
		return fmt.Sprintf("WriteMode(%d)", uint8(m))
	}
}

// ManagerState is the power/authorization state of a central or peripheral manager.
type ManagerState uint8

const (
	StateUnknown ManagerState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s ManagerState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered off"
	case StatePoweredOn:
		return "powered on"
	default:
		return fmt.Sprintf("ManagerState(%d)", uint8(s))
	}
}

// PeripheralState is the link state of a peripheral as seen by the central.
type PeripheralState uint8

const (
	Disconnected PeripheralState = iota
	Connecting
	Connected
	Disconnecting
)

func (s PeripheralState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("PeripheralState(%d)", uint8(s))
	}
}

// Property is a bit set of GATT characteristic properties.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedSignedWrites
	PropExtendedProperties
)

var propertyNames = []struct {
	flag Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropAuthenticatedSignedWrites, "signed-write"},
	{PropExtendedProperties, "extended"},
}

func (p Property) String() string {
	var parts []string
	for _, pn := range propertyNames {
		if p&pn.flag != 0 {
			parts = append(parts, pn.name)
		}
	}
	return strings.Join(parts, ",")
}

// Has reports whether all flags in f are set.
func (p Property) Has(f Property) bool {
	return p&f == f
}

// Service is a discovered or published GATT service.
type Service struct {
	ID      AttributeID `json:"id"`
	UUID    string      `json:"uuid"`
	Primary bool        `json:"primary"`
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	ID         AttributeID `json:"id"`
	Service    AttributeID `json:"service"`
	UUID       string      `json:"uuid"`
	Properties Property    `json:"properties"`
}

// Descriptor is a discovered GATT descriptor.
type Descriptor struct {
	ID             AttributeID `json:"id"`
	Characteristic AttributeID `json:"characteristic"`
	UUID           string      `json:"uuid"`
}

// Advertisement is one scan result.
type Advertisement struct {
	Address          string            `json:"address"`
	LocalName        string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi"`
	Connectable      bool              `json:"connectable"`
	Services         []string          `json:"services,omitempty"`
	ManufacturerData []byte            `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	TxPower          *int              `json:"tx_power,omitempty"`
}

// Value is an attribute value delivered by a read or a notification.
type Value struct {
	Attribute AttributeID
	Data      []byte
}

// NotifyState is the outcome of enabling or disabling notifications.
type NotifyState struct {
	Attribute AttributeID
	Enabled   bool
}

// ConnectionEvent reports a peripheral link state change. Peripheral is set
// once the link is up.
type ConnectionEvent struct {
	Address    string
	State      PeripheralState
	Peripheral Peripheral
}

// Packet is one unit of transfer: the bytes of a single write and the mode to use.
type Packet struct {
	Mode WriteMode
	Data []byte
}

// Progress is emitted by a transfer after each chunk leaves (best-effort) or
// is acknowledged (acknowledged). Sent is cumulative.
type Progress struct {
	Target AttributeID
	Mode   WriteMode
	Chunk  int
	Sent   int
}

// L2CAPChannel is an open connection-oriented channel.
type L2CAPChannel struct {
	PSM  PSM
	Peer OwnerID
	io.ReadWriteCloser
}

// ATTResult is the status returned to a central for a read or write request.
type ATTResult uint8

const (
	ATTSuccess ATTResult = iota
	ATTInvalidHandle
	ATTReadNotPermitted
	ATTWriteNotPermitted
	ATTInvalidOffset
	ATTRequestNotSupported
	ATTInsufficientResources
	ATTUnlikelyError
)

// ATTRequest is a read or write request received by a peripheral manager.
// For reads, the handler fills Value before responding.
type ATTRequest struct {
	ID             uint64
	Central        OwnerID
	Characteristic AttributeID
	Offset         int
	Value          []byte
}

// SubscriptionEvent reports a central subscribing to or unsubscribing from a
// characteristic of a peripheral manager.
type SubscriptionEvent struct {
	Central                  OwnerID
	Characteristic           AttributeID
	Subscribed               bool
	MaximumUpdateValueLength int
}

// MutableService describes a service to publish from a peripheral manager.
type MutableService struct {
	ID              AttributeID
	UUID            string
	Primary         bool
	Characteristics []MutableCharacteristic
}

// MutableCharacteristic describes a characteristic of a MutableService. A nil
// Value makes the characteristic dynamic: reads are delivered as requests.
type MutableCharacteristic struct {
	ID         AttributeID
	UUID       string
	Properties Property
	Value      []byte
}

// AdvertisingData is what a peripheral manager advertises.
type AdvertisingData struct {
	LocalName string
	Services  []string
}
