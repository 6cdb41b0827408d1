// Package mux routes capability callbacks of one owner to at most one sink per
// event key.
package mux

import "fmt"

// Kind is an event family.
type Kind uint8

const (
	KindState Kind = iota + 1
	KindScan
	KindConnection
	KindName
	KindServices
	KindServiceChanges
	KindIncludedServices
	KindCharacteristics
	KindDescriptors
	KindValue
	KindWrite
	KindNotifyState
	KindRSSI
	KindL2CAP
	KindAdvertising
	KindAddService
	KindReadRequest
	KindWriteRequest
	KindSubscription
	KindUpdate
	KindPublish
)

var kindNames = map[Kind]string{
	KindState:            "state",
	KindScan:             "scan",
	KindConnection:       "connection",
	KindName:             "name",
	KindServices:         "services",
	KindServiceChanges:   "service-changes",
	KindIncludedServices: "included-services",
	KindCharacteristics:  "characteristics",
	KindDescriptors:      "descriptors",
	KindValue:            "value",
	KindWrite:            "write",
	KindNotifyState:      "notify-state",
	KindRSSI:             "rssi",
	KindL2CAP:            "l2cap",
	KindAdvertising:      "advertising",
	KindAddService:       "add-service",
	KindReadRequest:      "read-request",
	KindWriteRequest:     "write-request",
	KindSubscription:     "subscription",
	KindUpdate:           "update",
	KindPublish:          "publish",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Key identifies one logical event stream of an owner. An empty ID is the
// owner-wide slot of the kind.
type Key struct {
	Kind Kind
	ID   string
}

// Global returns the owner-wide key of a kind.
func Global(kind Kind) Key {
	return Key{Kind: kind}
}

// For returns the key of a kind scoped to one attribute, channel or peer.
func For[T ~string](kind Kind, id T) Key {
	return Key{Kind: kind, ID: string(id)}
}

func (k Key) String() string {
	if k.ID == "" {
		return k.Kind.String()
	}
	return k.Kind.String() + ":" + k.ID
}

// Event is one routed callback. A non-nil Err is terminal for the receiving sink.
type Event struct {
	Key   Key
	Value any
	Err   error
}

// Sink receives the events of the keys it is registered under.
type Sink interface {
	Receive(ev Event)
	// Finish is called once per removal by the table: err is nil for a
	// completion, otherwise the failure.
	Finish(err error)
}
