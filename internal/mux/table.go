package mux

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blemux/pkg/device"
)

var errTableClosed = errors.New("subscription table closed")

// Table holds the subscription slots of one owner.
//
// Sinks are always invoked without the table lock held, so a sink may call
// back into the table.
type Table struct {
	owner  device.OwnerID
	logger *logrus.Logger

	bindOnce sync.Once

	mu     sync.Mutex
	slots  *orderedmap.OrderedMap[Key, Sink]
	closed bool
}

func newTable(owner device.OwnerID, logger *logrus.Logger) *Table {
	return &Table{
		owner:  owner,
		logger: logger,
		slots:  orderedmap.New[Key, Sink](),
	}
}

// Owner returns the owner the table belongs to.
func (t *Table) Owner() device.OwnerID {
	return t.owner
}

// Bind runs attach once for the lifetime of the table. It is used to install
// the owner's delegate when the table is first observed.
func (t *Table) Bind(attach func()) {
	t.bindOnce.Do(attach)
}

// Register stores sink under every key, or none of them.
func (t *Table) Register(sink Sink, keys ...Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errTableClosed
	}
	for _, key := range keys {
		if _, taken := t.slots.Get(key); taken {
			t.logger.WithFields(logrus.Fields{
				"owner": t.owner,
				"key":   key.String(),
			}).Debug("Subscription slot already taken")
			return device.NewConflictError(conflictOp(key.Kind), t.owner, key.String())
		}
	}
	for _, key := range keys {
		t.slots.Set(key, sink)
	}
	return nil
}

// Deregister removes whatever is registered under key. No-op if absent.
func (t *Table) Deregister(key Key) {
	t.mu.Lock()
	t.slots.Delete(key)
	t.mu.Unlock()
}

// Release removes key only while it still maps to sink.
func (t *Table) Release(key Key, sink Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.slots.Get(key); ok && current == sink {
		t.slots.Delete(key)
	}
}

// Has reports whether key is occupied.
func (t *Table) Has(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.slots.Get(key)
	return ok
}

// Len returns the number of occupied keys.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots.Len()
}

// Dispatch routes ev to the sink under key. A failure event removes the slot
// before the sink is finished. Returns false when nothing is registered.
func (t *Table) Dispatch(key Key, ev Event) bool {
	ev.Key = key

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	sink, ok := t.slots.Get(key)
	if !ok {
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"owner": t.owner,
			"key":   key.String(),
		}).Trace("Dropping event without subscriber")
		return false
	}
	if ev.Err != nil {
		t.slots.Delete(key)
	}
	t.mu.Unlock()

	if ev.Err != nil {
		sink.Finish(ev.Err)
	} else {
		sink.Receive(ev)
	}
	return true
}

// DispatchKind routes ev to every key of the given kind, in registration
// order. Returns the number of sinks reached.
func (t *Table) DispatchKind(kind Kind, ev Event) int {
	type target struct {
		key  Key
		sink Sink
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	var targets []target
	for pair := t.slots.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key.Kind == kind {
			targets = append(targets, target{key: pair.Key, sink: pair.Value})
		}
	}
	if ev.Err != nil {
		for _, tg := range targets {
			t.slots.Delete(tg.key)
		}
	}
	t.mu.Unlock()

	for _, tg := range targets {
		e := ev
		e.Key = tg.key
		if e.Err != nil {
			tg.sink.Finish(e.Err)
		} else {
			tg.sink.Receive(e)
		}
	}
	return len(targets)
}

// Complete removes key and finishes its sink successfully.
func (t *Table) Complete(key Key) bool {
	t.mu.Lock()
	sink, ok := t.slots.Get(key)
	if ok {
		t.slots.Delete(key)
	}
	t.mu.Unlock()

	if ok {
		sink.Finish(nil)
	}
	return ok
}

// Teardown closes the table and finishes every registered sink exactly once
// with err (nil meaning completion). Later dispatches are dropped.
func (t *Table) Teardown(err error) int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true

	seen := make(map[Sink]struct{}, t.slots.Len())
	var sinks []Sink
	for pair := t.slots.Oldest(); pair != nil; pair = pair.Next() {
		if _, dup := seen[pair.Value]; dup {
			continue
		}
		seen[pair.Value] = struct{}{}
		sinks = append(sinks, pair.Value)
	}
	t.slots = orderedmap.New[Key, Sink]()
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"owner": t.owner,
		"sinks": len(sinks),
		"error": err,
	}).Debug("Tearing down subscription table")

	for _, sink := range sinks {
		sink.Finish(err)
	}
	return len(sinks)
}

func conflictOp(kind Kind) string {
	switch kind {
	case KindScan:
		return device.OpScan
	case KindAdvertising:
		return device.OpAdvertise
	default:
		return kind.String()
	}
}
