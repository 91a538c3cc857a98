package storage

import (
	"time"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/mtp"
)

// Item is a node in one storage's object tree (spec.md §3 "StorageItem").
// Ownership of every Item for a given storage lives in exactly one map,
// keyed by handle, inside that storage's plugin (spec.md §9 "Cyclic
// parent/child references" -> arena indexed by handle).
type Item struct {
	Handle uint32
	PUOID  PUOID
	Path   string
	Parent uint32
	IsDir  bool

	Info container.ObjectInfo

	// References holds the handles SyncPlaylistReferences resolved from
	// a playlist's entries. SetReferences does not update it, and
	// GetReferences reads the plugin's PUOID-keyed reference cache.
	References []uint32

	// WatchHandle is set to the item's own handle once a directory's
	// fsnotify watch is registered; it is 0 for files, for directories
	// whose watch failed, and for the storage root.
	WatchHandle uint32

	ModTime time.Time
}

// Clone returns a deep-enough copy of it, safe for a caller to mutate
// without affecting the item stored in the index (References is copied;
// Info's string fields are immutable by convention).
func (it *Item) Clone() *Item {
	clone := *it
	clone.References = append([]uint32(nil), it.References...)
	return &clone
}

// Filename returns the item's own path component.
func (it *Item) Filename() string {
	return it.Info.Filename
}

// Format returns the item's object format code.
func (it *Item) Format() mtp.ObjectFormatCode {
	return it.Info.Format
}
