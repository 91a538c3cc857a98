package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/events"
	"github.com/go-mtp/mtpd/internal/logger"
	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
	"github.com/go-mtp/mtpd/internal/propcache"
)

// Factory is the sole holder of plugin identity (spec.md §9 "Polymorphic
// storage": "never expose plugin identity outside the factory"). It
// routes handle-addressed operations to the owning plugin, allocates
// handles and PUOIDs, owns the process-wide ObjectPropertyCache, and
// fans every plugin's event stream into one channel for the responder
// to drain.
type Factory struct {
	mu          sync.RWMutex
	plugins     map[uint32]Plugin
	handleOwner map[uint32]uint32

	counter uint64
	cache   *propcache.Cache
	bus     *events.Bus
}

// NewFactory creates an empty factory. eventCapacity bounds the merged
// event bus; 0 picks a sane default.
func NewFactory(eventCapacity int) *Factory {
	if eventCapacity <= 0 {
		eventCapacity = 512
	}
	return &Factory{
		plugins:     make(map[uint32]Plugin),
		handleOwner: make(map[uint32]uint32),
		cache:       propcache.New(),
		bus:         events.NewBus(eventCapacity),
	}
}

// scopedAllocator hands out factory-wide handles on behalf of one
// storage, recording which storage owns each handle as it is minted.
type scopedAllocator struct {
	f         *Factory
	storageID uint32
}

func (a *scopedAllocator) NextHandle() uint32 {
	h := uint32(atomic.AddUint64(&a.f.counter, 1))
	a.f.mu.Lock()
	a.f.handleOwner[h] = a.storageID
	a.f.mu.Unlock()
	return h
}

// AllocatorFor returns a HandleAllocator scoped to storageID, for a
// plugin constructor to use.
func (f *Factory) AllocatorFor(storageID uint32) HandleAllocator {
	return &scopedAllocator{f: f, storageID: storageID}
}

// Register adds p under its own StorageID and starts draining its event
// stream into the factory's merged bus, invalidating the property cache
// as events arrive.
func (f *Factory) Register(p Plugin) {
	f.mu.Lock()
	f.plugins[p.StorageID()] = p
	f.mu.Unlock()
	go f.drain(p)
}

func (f *Factory) drain(p Plugin) {
	for ev := range p.Events().Events() {
		switch ev.Kind {
		case events.ObjectAdded:
			f.cache.ClearMassQueried(ev.Parent)
		case events.ObjectRemoved:
			f.cache.Remove(ev.Handle)
			f.cache.ClearMassQueried(ev.Parent)
		case events.ObjectPropChanged:
			f.cache.InvalidateProp(ev.Handle, ev.PropCode)
			f.cache.ClearMassQueried(ev.Parent)
		case events.ObjectInfoChanged:
			f.cache.Invalidate(ev.Handle)
			f.cache.ClearMassQueried(ev.Parent)
			// A move carries the parent the object left in ev.Parent;
			// the directory it arrived in is found from the live item.
			if item, ok := p.GetItem(ev.Handle); ok {
				f.cache.ClearMassQueried(item.Parent)
			}
		}
		f.bus.TryPublish(ev)
	}
}

// Events exposes the merged event stream for the responder's drain loop.
func (f *Factory) Events() *events.Bus { return f.bus }

// Cache exposes the shared object-property cache.
func (f *Factory) Cache() *propcache.Cache { return f.cache }

// EnumerateAll walks every registered storage's object tree.
func (f *Factory) EnumerateAll(ctx context.Context) error {
	f.mu.RLock()
	plugins := make([]Plugin, 0, len(f.plugins))
	for _, p := range f.plugins {
		plugins = append(plugins, p)
	}
	f.mu.RUnlock()
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].StorageID() < plugins[j].StorageID() })

	for _, p := range plugins {
		if err := p.Enumerate(ctx); err != nil {
			return fmt.Errorf("storage %08x: enumerate: %w", p.StorageID(), err)
		}
	}
	return nil
}

// StorageIDs returns every registered storage ID in ascending order.
func (f *Factory) StorageIDs() []uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]uint32, 0, len(f.plugins))
	for id := range f.plugins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StorageInfo returns the Info for storageID.
func (f *Factory) StorageInfo(storageID uint32) (Info, error) {
	p, ok := f.plugin(storageID)
	if !ok {
		return Info{}, mtperr.New(mtperr.CodeInvalidStorageID, "no such storage")
	}
	return p.Info(), nil
}

func (f *Factory) plugin(storageID uint32) (Plugin, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.plugins[storageID]
	return p, ok
}

// resolve returns the plugin owning handle.
func (f *Factory) resolve(handle uint32) (Plugin, error) {
	f.mu.RLock()
	storageID, ok := f.handleOwner[handle]
	f.mu.RUnlock()
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidObjectHandle, "handle not owned by any storage")
	}
	p, ok := f.plugin(storageID)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidStorageID, "owning storage no longer registered")
	}
	return p, nil
}

// GetItem routes a lookup to the owning plugin.
func (f *Factory) GetItem(handle uint32) (*Item, error) {
	p, err := f.resolve(handle)
	if err != nil {
		return nil, err
	}
	item, ok := p.GetItem(handle)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	return item, nil
}

// Children lists parent's direct children. parent == 0 (or a storage's
// root handle) is resolved against storageID.
func (f *Factory) Children(storageID, parent uint32) ([]*Item, error) {
	p, ok := f.plugin(storageID)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidStorageID, "no such storage")
	}
	return p.Children(parent), nil
}

// AddItem routes SendObjectInfo's object creation to the storage named
// by storageID.
func (f *Factory) AddItem(storageID, parent uint32, info container.ObjectInfo) (*Item, error) {
	p, ok := f.plugin(storageID)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidStorageID, "no such storage")
	}
	return p.AddItem(parent, info)
}

// DeleteObject routes deletion to the owning plugin, honoring the
// 0xFFFFFFFF "every object" sentinel by fanning out to every storage
// when storageID is also the sentinel.
func (f *Factory) DeleteObject(handle uint32, storageID uint32, formatFilter *mtp.ObjectFormatCode) error {
	if handle != 0xFFFFFFFF {
		p, err := f.resolve(handle)
		if err != nil {
			return err
		}
		return p.DeleteItem(handle, formatFilter)
	}

	f.mu.RLock()
	var targets []Plugin
	for id, p := range f.plugins {
		if storageID == 0xFFFFFFFF || id == storageID {
			targets = append(targets, p)
		}
	}
	f.mu.RUnlock()

	var failed bool
	for _, p := range targets {
		if err := p.DeleteItem(0xFFFFFFFF, formatFilter); err != nil {
			failed = true
		}
	}
	if failed {
		return mtperr.New(mtperr.CodePartialDeletion, "one or more objects failed to delete")
	}
	return nil
}

// MoveObject moves handle to newParent under destStorageID, performing a
// streamed copy-then-delete when the destination is a different storage
// than the one currently owning handle (spec.md §4.4 "Storage factory":
// cross-storage move/copy is handled above the plugin boundary, since no
// single plugin can see both sides).
func (f *Factory) MoveObject(ctx context.Context, handle, newParent, destStorageID uint32, cancel CancelFunc) error {
	src, err := f.resolve(handle)
	if err != nil {
		return err
	}
	if src.StorageID() == destStorageID {
		return src.MoveItem(handle, newParent)
	}
	if _, err := f.crossStorageCopy(ctx, handle, newParent, destStorageID, cancel); err != nil {
		return err
	}
	return src.DeleteItem(handle, nil)
}

// CopyObject duplicates handle under newParent, staying within one
// plugin when possible and falling back to the cross-storage helper
// otherwise.
func (f *Factory) CopyObject(ctx context.Context, handle, newParent, destStorageID uint32, cancel CancelFunc) (*Item, error) {
	src, err := f.resolve(handle)
	if err != nil {
		return nil, err
	}
	if src.StorageID() == destStorageID {
		return src.CopyWithin(ctx, handle, newParent, cancel)
	}
	return f.crossStorageCopy(ctx, handle, newParent, destStorageID, cancel)
}

// crossStorageCopy is the base-class copy helper referenced by
// spec.md §4.4: it streams the source object's bytes through a pipe
// into a freshly created destination object, since no plugin
// implementation can reach across another plugin's storage root.
func (f *Factory) crossStorageCopy(ctx context.Context, handle, newParent, destStorageID uint32, cancel CancelFunc) (*Item, error) {
	src, err := f.resolve(handle)
	if err != nil {
		return nil, err
	}
	item, ok := src.GetItem(handle)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	if item.IsDir {
		return nil, mtperr.New(mtperr.CodeInvalidObjectFormatCode, "copying directories across storages is not supported")
	}
	dest, ok := f.plugin(destStorageID)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidStorageID, "no such destination storage")
	}

	info := item.Info
	info.StorageID = destStorageID
	info.Parent = newParent
	newItem, err := dest.AddItem(newParent, info)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(src.StreamRead(handle, pw, cancel))
	}()

	buf := make([]byte, 64*1024)
	first := true
	for {
		select {
		case <-ctx.Done():
			dest.DeleteItem(newItem.Handle, nil)
			return nil, mtperr.New(mtperr.CodeGeneralError, "copy cancelled by context")
		default:
		}
		n, rerr := pr.Read(buf)
		if n > 0 {
			if werr := dest.WriteSegment(newItem.Handle, first, rerr == io.EOF, buf[:n]); werr != nil {
				dest.DeleteItem(newItem.Handle, nil)
				return nil, werr
			}
			first = false
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			dest.DeleteItem(newItem.Handle, nil)
			return nil, mtperr.New(mtperr.CodeGeneralError, "cross-storage copy read failed")
		}
	}
	if first {
		// Zero-length source: still finalize with an empty last segment.
		dest.WriteSegment(newItem.Handle, true, true, nil)
	}
	logger.Info("cross-storage copy complete", logger.Handle(handle), logger.StorageID(destStorageID))
	return newItem, nil
}

// GetObjectPropertyValue serves from cache when possible, falling
// through to the owning plugin and populating the cache on a miss
// (spec.md §4.4 "Property queries").
func (f *Factory) GetObjectPropertyValue(handle uint32, prop mtp.ObjectPropCode) (any, error) {
	if v, ok := f.cache.Get(handle, prop); ok {
		return v, nil
	}
	p, err := f.resolve(handle)
	if err != nil {
		return nil, err
	}
	v, err := p.GetObjectPropertyValue(handle, prop)
	if err != nil {
		return nil, err
	}
	f.cache.Set(handle, prop, v)
	return v, nil
}

// SetObjectPropertyValue routes a write to the owning plugin and
// invalidates the cached value (the plugin's own ObjectPropChanged event
// will also reach the drain loop, but invalidating here closes the
// window before that event is processed).
func (f *Factory) SetObjectPropertyValue(handle uint32, prop mtp.ObjectPropCode, value any) error {
	p, err := f.resolve(handle)
	if err != nil {
		return err
	}
	if err := p.SetObjectPropertyValue(handle, prop, value); err != nil {
		return err
	}
	f.cache.InvalidateProp(handle, prop)
	return nil
}

// GetChildPropertyValues runs the mass query across parent's children
// the first time a directory is asked for child properties, populating
// the cache for every returned handle and recording the parent as
// mass-queried. Later calls for the same parent skip the bulk fetch
// and serve each child individually, cache first (spec.md §4.3
// "Property queries": repeated bulk fetches are avoided once the
// parent is marked).
func (f *Factory) GetChildPropertyValues(storageID, parent uint32, props []mtp.ObjectPropCode) (map[uint32]map[mtp.ObjectPropCode]any, error) {
	p, ok := f.plugin(storageID)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidStorageID, "no such storage")
	}
	children := p.Children(parent)
	if len(children) == 0 {
		return map[uint32]map[mtp.ObjectPropCode]any{}, nil
	}
	// The caller may name the root as 0 or 0xFFFFFFFF; the children
	// carry the resolved parent handle the marker is keyed by.
	realParent := children[0].Parent

	if f.cache.IsMassQueried(realParent) {
		result := make(map[uint32]map[mtp.ObjectPropCode]any, len(children))
		for _, child := range children {
			values := make(map[mtp.ObjectPropCode]any, len(props))
			for _, prop := range props {
				if v, ok := f.cache.Get(child.Handle, prop); ok {
					values[prop] = v
					continue
				}
				v, err := p.GetObjectPropertyValue(child.Handle, prop)
				if err != nil {
					continue
				}
				f.cache.Set(child.Handle, prop, v)
				values[prop] = v
			}
			result[child.Handle] = values
		}
		return result, nil
	}

	values, err := p.GetChildPropertyValues(parent, props)
	if err != nil {
		return nil, err
	}
	for handle, v := range values {
		f.cache.SetAll(handle, v)
	}
	f.cache.MarkMassQueried(realParent)
	return values, nil
}

// GetReferences and SetReferences route directly to the owning plugin.
func (f *Factory) GetReferences(handle uint32) ([]uint32, error) {
	p, err := f.resolve(handle)
	if err != nil {
		return nil, err
	}
	return p.GetReferences(handle)
}

func (f *Factory) SetReferences(handle uint32, refs []uint32) error {
	p, err := f.resolve(handle)
	if err != nil {
		return err
	}
	return p.SetReferences(handle, refs)
}

// WriteSegment, WriteAt, StreamRead and ReadRange route directly to the
// owning plugin; the factory adds no behavior beyond resolution.
func (f *Factory) WriteSegment(handle uint32, isFirst, isLast bool, data []byte) error {
	p, err := f.resolve(handle)
	if err != nil {
		return err
	}
	return p.WriteSegment(handle, isFirst, isLast, data)
}

func (f *Factory) WriteAt(handle uint32, offset uint64, data []byte) error {
	p, err := f.resolve(handle)
	if err != nil {
		return err
	}
	return p.WriteAt(handle, offset, data)
}

func (f *Factory) TruncateObject(handle uint32, size uint64) error {
	p, err := f.resolve(handle)
	if err != nil {
		return err
	}
	return p.TruncateItem(handle, size)
}

func (f *Factory) StreamRead(handle uint32, w io.Writer, cancel CancelFunc) error {
	p, err := f.resolve(handle)
	if err != nil {
		return err
	}
	return p.StreamRead(handle, w, cancel)
}

func (f *Factory) ReadRange(handle uint32, offset, length uint64) ([]byte, error) {
	p, err := f.resolve(handle)
	if err != nil {
		return nil, err
	}
	return p.ReadRange(handle, offset, length)
}

// Close shuts down every registered plugin.
func (f *Factory) Close() error {
	f.mu.RLock()
	plugins := make([]Plugin, 0, len(f.plugins))
	for _, p := range f.plugins {
		plugins = append(plugins, p)
	}
	f.mu.RUnlock()
	var firstErr error
	for _, p := range plugins {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
