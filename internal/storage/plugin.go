package storage

import (
	"context"
	"io"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/events"
	"github.com/go-mtp/mtpd/internal/mtp"
)

// AccessMode is a storage's read-write capability (spec.md §3 "Storage").
type AccessMode int

const (
	AccessReadWrite AccessMode = iota
	AccessReadOnly
)

// StorageKind distinguishes a fixed storage from removable media.
type StorageKind int

const (
	KindFixed StorageKind = iota
	KindRemovable
)

// Info is the subset of Storage attributes reported by GetStorageInfo
// (spec.md §3 "Storage").
type Info struct {
	StorageID    uint32
	Kind         StorageKind
	RootPath     string
	Description  string
	FilesystemUUID string
	FreeSpace    uint64
	Capacity     uint64
	Access       AccessMode
	Enumerated   bool
}

// CancelFunc is polled at segment boundaries by long-running storage
// loops (copy, streamed reads), per spec.md §5 "Global cancel";
// enumeration stops on its context instead. Storage takes this as a plain function rather than depending
// on the transport package, so the two can be imported independently.
type CancelFunc func() bool

// Plugin is the capability set every storage backend must implement
// (spec.md §9 "Polymorphic storage": "Abstract a single StoragePlugin
// capability set ... Variants are concrete plugin instances; never
// expose plugin identity outside the factory"). The filesystem-backed
// implementation lives in fsplugin.go; other backends (e.g. Bluetooth
// OBEX) would implement the same interface.
type Plugin interface {
	StorageID() uint32
	Info() Info

	// Enumerate walks the storage's root and populates its object
	// graph. It yields periodically so the caller's transport stays
	// responsive, and reports completion by publishing a StorageReady
	// event.
	Enumerate(ctx context.Context) error

	GetItem(handle uint32) (*Item, bool)
	GetItemByPath(path string) (*Item, bool)
	Children(parent uint32) []*Item

	AddItem(parent uint32, info container.ObjectInfo) (*Item, error)
	// DeleteItem removes handle. If formatFilter is non-nil, handle must
	// be the sentinel 0xFFFFFFFF and only objects matching the filter
	// are removed.
	DeleteItem(handle uint32, formatFilter *mtp.ObjectFormatCode) error
	MoveItem(handle, newParent uint32) error

	// WriteSegment appends (or, on isFirst, truncates-then-writes) data
	// to handle's backing file (spec.md §4.3 "Write & truncate").
	WriteSegment(handle uint32, isFirst, isLast bool, data []byte) error
	// WriteAt writes data at an explicit offset, for the edit-object
	// style partial-write extension.
	WriteAt(handle uint32, offset uint64, data []byte) error
	// TruncateItem truncates handle's backing file to size.
	TruncateItem(handle uint32, size uint64) error
	// StreamRead writes handle's full content to w, polling cancel
	// between chunks (spec.md §4.5 "Segmented send").
	StreamRead(handle uint32, w io.Writer, cancel CancelFunc) error
	// ReadRange reads a [offset, offset+length) slice, for GetPartialObject.
	ReadRange(handle uint32, offset, length uint64) ([]byte, error)

	GetObjectPropertyValue(handle uint32, prop mtp.ObjectPropCode) (any, error)
	SetObjectPropertyValue(handle uint32, prop mtp.ObjectPropCode, value any) error
	// GetChildPropertyValues batches a property fetch across every
	// child of parent (spec.md §4.3 "Property queries" mass query).
	GetChildPropertyValues(parent uint32, props []mtp.ObjectPropCode) (map[uint32]map[mtp.ObjectPropCode]any, error)

	GetReferences(handle uint32) ([]uint32, error)
	SetReferences(handle uint32, refs []uint32) error

	// CopyWithin duplicates handle under newParent inside the same
	// storage, streaming through cancel checks (spec.md §4.3 "Move/copy").
	CopyWithin(ctx context.Context, handle, newParent uint32, cancel CancelFunc) (*Item, error)

	Events() *events.Bus
	Close() error
}
