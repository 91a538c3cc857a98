// Package events defines the event records storage plugins push to the
// responder (spec.md §4.5 "Events", §9 "Signals/slots -> message
// passing"). Storage never calls the responder directly; it only
// appends to a bounded channel the responder drains between containers.
package events

import "github.com/go-mtp/mtpd/internal/mtp"

// Kind identifies the shape of an Event's payload.
type Kind int

const (
	ObjectAdded Kind = iota
	ObjectRemoved
	ObjectInfoChanged
	ObjectPropChanged
	StorageInfoChanged
	DevicePropChanged
	StorageReady
)

// Event is a single occurrence pushed from a storage plugin (or the
// responder's own device-property layer) toward the event channel.
// Only the fields relevant to Kind are populated. Parent carries the
// affected object's parent handle so the factory can drop that
// directory's mass-queried marker (spec.md §4.4); for a move it is the
// parent the object left.
type Event struct {
	Kind      Kind
	StorageID uint32
	Handle    uint32
	Parent    uint32
	PropCode  mtp.ObjectPropCode
	DevProp   mtp.DevicePropCode
}

// Code maps an event Kind to the MTP event code forwarded on the
// interrupt endpoint. StorageReady has no wire representation; it is
// consumed internally by the responder's WaitStorage transition.
func (k Kind) Code() mtp.EventCode {
	switch k {
	case ObjectAdded:
		return mtp.EventObjectAdded
	case ObjectRemoved:
		return mtp.EventObjectRemoved
	case ObjectInfoChanged:
		return mtp.EventObjectInfoChanged
	case ObjectPropChanged:
		return mtp.EventObjectPropChanged
	case StorageInfoChanged:
		return mtp.EventStorageInfoChanged
	case DevicePropChanged:
		return mtp.EventDevicePropChanged
	default:
		return mtp.EventUndefined
	}
}

// Bus is a bounded channel of events shared between storage plugins
// (producers) and the responder (sole consumer). When the bus is full,
// Publish blocks until there is room and TryPublish drops the new event
// and returns false, whatever its kind; no queued event is replaced.
// StorageInfoChanged coalescing happens in the responder, not here.
type Bus struct {
	ch chan Event
}

// NewBus creates a bus with the given channel capacity.
func NewBus(capacity int) *Bus {
	return &Bus{ch: make(chan Event, capacity)}
}

// Publish pushes ev onto the bus, blocking if it is full.
func (b *Bus) Publish(ev Event) {
	b.ch <- ev
}

// TryPublish pushes ev without blocking, reporting whether it was
// accepted.
func (b *Bus) TryPublish(ev Event) bool {
	select {
	case b.ch <- ev:
		return true
	default:
		return false
	}
}

// Events exposes the receive side for the responder's drain loop.
func (b *Bus) Events() <-chan Event {
	return b.ch
}
