package mux

import (
	"errors"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/pkg/device"
)

// Registry maps owners to their subscription tables. A table lives from the
// first time its owner is observed until Teardown.
type Registry struct {
	tables *hashmap.Map[device.OwnerID, *Table]
	logger *logrus.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		tables: hashmap.New[device.OwnerID, *Table](),
		logger: logger,
	}
}

// Open returns the table of owner, creating it on first use.
func (r *Registry) Open(owner device.OwnerID) *Table {
	if t, ok := r.tables.Get(owner); ok {
		return t
	}
	t, loaded := r.tables.GetOrInsert(owner, newTable(owner, r.logger))
	if !loaded {
		r.logger.WithField("owner", owner).Debug("Subscription table created")
	}
	return t
}

// Lookup returns the live table of owner, if any.
func (r *Registry) Lookup(owner device.OwnerID) (*Table, bool) {
	return r.tables.Get(owner)
}

// Register stores sink under all keys of owner. It fails with a conflict
// error when any key is occupied, leaving the incumbent untouched.
func (r *Registry) Register(owner device.OwnerID, sink Sink, keys ...Key) error {
	for {
		err := r.Open(owner).Register(sink, keys...)
		if !errors.Is(err, errTableClosed) {
			return err
		}
		// Lost a race with Teardown, which unlinks a table before closing it.
	}
}

// Deregister removes key from owner's table. No-op if absent.
func (r *Registry) Deregister(owner device.OwnerID, key Key) {
	if t, ok := r.tables.Get(owner); ok {
		t.Deregister(key)
	}
}

// Release removes key from owner's table if it still maps to sink.
func (r *Registry) Release(owner device.OwnerID, key Key, sink Sink) {
	if t, ok := r.tables.Get(owner); ok {
		t.Release(key, sink)
	}
}

// Dispatch routes ev to the sink registered under (owner, key), dropping it
// when there is none.
func (r *Registry) Dispatch(owner device.OwnerID, key Key, ev Event) bool {
	t, ok := r.tables.Get(owner)
	if !ok {
		return false
	}
	return t.Dispatch(key, ev)
}

// DispatchKind routes ev to every key of kind registered for owner.
func (r *Registry) DispatchKind(owner device.OwnerID, kind Kind, ev Event) int {
	t, ok := r.tables.Get(owner)
	if !ok {
		return 0
	}
	return t.DispatchKind(kind, ev)
}

// Complete finishes the sink under (owner, key) successfully.
func (r *Registry) Complete(owner device.OwnerID, key Key) bool {
	t, ok := r.tables.Get(owner)
	if !ok {
		return false
	}
	return t.Complete(key)
}

// Teardown unlinks owner's table and finishes all of its sinks with err.
func (r *Registry) Teardown(owner device.OwnerID, err error) int {
	t, ok := r.tables.Get(owner)
	if !ok {
		return 0
	}
	r.tables.Del(owner)
	return t.Teardown(err)
}

// Owners returns the number of owners with a live table.
func (r *Registry) Owners() int {
	return r.tables.Len()
}
