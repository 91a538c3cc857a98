package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/events"
	"github.com/go-mtp/mtpd/internal/logger"
	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
)

// HandleAllocator hands out fresh, process-wide-unique object handles.
// The storage factory is the sole implementation (spec.md §4.3 "Handle &
// PUOID allocation": "Handles are allocated by the storage factory").
type HandleAllocator interface {
	NextHandle() uint32
}

// MetadataSource answers rich object-property queries (artist,
// duration, dimensions) the filesystem alone cannot, and is told about
// new objects so its index stays current. internal/collab's gRPC
// client is the production implementation; nil disables both paths.
type MetadataSource interface {
	ObjectProperty(ctx context.Context, path string, format uint16, prop uint16) (any, bool)
	IndexObject(ctx context.Context, path string, format uint16) error
}

// Config describes one exported filesystem root (spec.md §6
// "Configuration files" fsstorage.d equivalent).
type Config struct {
	StorageID        uint32
	RootPath         string
	Description      string
	FilesystemUUID   string
	Kind             StorageKind
	Access           AccessMode
	ExcludePaths     []string
	StateDir         string
	EventBusCapacity int
	Metadata         MetadataSource
}

// FSPlugin is the filesystem-backed Plugin implementation (spec.md §4.3).
type FSPlugin struct {
	cfg     Config
	handles HandleAllocator

	puoids *PUOIDStore
	refs   *ReferenceStore
	watch  *watcher
	bus    *events.Bus

	mu          sync.RWMutex
	byHandle    map[uint32]*Item
	byPath      map[string]*Item
	byPUOID     map[PUOID]*Item
	rootHandle  uint32
	enumerated  bool

	suppressMu sync.Mutex
	suppress   map[string]int

	refMu    sync.RWMutex
	refCache map[PUOID][]PUOID
}

var _ Plugin = (*FSPlugin)(nil)

// NewFSPlugin opens the plugin's persistence stores and constructs the
// root item. Call Enumerate to populate the tree.
func NewFSPlugin(cfg Config, handles HandleAllocator) (*FSPlugin, error) {
	puoids, err := OpenPUOIDStore(filepath.Join(cfg.StateDir, "puoid"))
	if err != nil {
		return nil, fmt.Errorf("storage %08x: open puoid store: %w", cfg.StorageID, err)
	}
	refs, err := OpenReferenceStore(filepath.Join(cfg.StateDir, "refs"))
	if err != nil {
		puoids.Close()
		return nil, fmt.Errorf("storage %08x: open reference store: %w", cfg.StorageID, err)
	}

	capacity := cfg.EventBusCapacity
	if capacity <= 0 {
		capacity = 256
	}

	p := &FSPlugin{
		cfg:      cfg,
		handles:  handles,
		puoids:   puoids,
		refs:     refs,
		bus:      events.NewBus(capacity),
		byHandle: make(map[uint32]*Item),
		byPath:   make(map[string]*Item),
		byPUOID:  make(map[PUOID]*Item),
		suppress: make(map[string]int),
		refCache: make(map[PUOID][]PUOID),
	}

	w, err := newWatcher(p)
	if err != nil {
		puoids.Close()
		refs.Close()
		return nil, fmt.Errorf("storage %08x: create watcher: %w", cfg.StorageID, err)
	}
	p.watch = w

	return p, nil
}

func (p *FSPlugin) StorageID() uint32 { return p.cfg.StorageID }

func (p *FSPlugin) Info() Info {
	var stat syscall.Statfs_t
	var free, capacity uint64
	if err := syscall.Statfs(p.cfg.RootPath, &stat); err == nil {
		free = stat.Bavail * uint64(stat.Bsize)
		capacity = stat.Blocks * uint64(stat.Bsize)
	}
	p.mu.RLock()
	enumerated := p.enumerated
	p.mu.RUnlock()
	return Info{
		StorageID:      p.cfg.StorageID,
		Kind:           p.cfg.Kind,
		RootPath:       p.cfg.RootPath,
		Description:    p.cfg.Description,
		FilesystemUUID: p.cfg.FilesystemUUID,
		FreeSpace:      free,
		Capacity:       capacity,
		Access:         p.cfg.Access,
		Enumerated:     enumerated,
	}
}

func (p *FSPlugin) Events() *events.Bus { return p.bus }

func (p *FSPlugin) Close() error {
	p.watch.Close()
	p.puoids.Close()
	p.refs.Close()
	return nil
}

func (p *FSPlugin) isExcluded(path string) bool {
	for _, ex := range p.cfg.ExcludePaths {
		if strings.HasPrefix(path, ex) {
			return true
		}
	}
	return false
}

// Enumerate walks the storage root depth-first, creating an Item per
// file and directory, registering an inotify watch on every directory,
// and yielding periodically so the caller's transport stays responsive
// (spec.md §4.3 "Enumeration").
func (p *FSPlugin) Enumerate(ctx context.Context) error {
	rootInfo, err := os.Stat(p.cfg.RootPath)
	if err != nil {
		return mtperr.NewPath(mtperr.CodeStoreNotAvailable, "cannot stat storage root", p.cfg.RootPath)
	}

	root := p.newItem(p.cfg.RootPath, 0, rootInfo, true)
	p.mu.Lock()
	p.rootHandle = root.Handle
	p.mu.Unlock()
	if err := p.watch.Add(p.cfg.RootPath); err != nil {
		logger.Warn("failed to watch storage root", logger.Path(p.cfg.RootPath), logger.Err(err))
	}

	liveExact := map[string]bool{p.cfg.RootPath: true}
	yieldEvery := 64
	count := 0

	var walk func(dir *Item) error
	walk = func(dir *Item) error {
		entries, err := os.ReadDir(dir.Path)
		if err != nil {
			logger.Warn("enumeration: cannot read directory", logger.Path(dir.Path), logger.Err(err))
			return nil
		}
		// Insertion order is deterministic and stable for repeat
		// enumerations (spec.md §9 "iteration order is insertion order").
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			path := filepath.Join(dir.Path, entry.Name())
			if p.isExcluded(path) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			item := p.newItem(path, dir.Handle, info, entry.IsDir())
			liveExact[path] = true

			if entry.IsDir() {
				if err := p.watch.Add(path); err == nil {
					item.WatchHandle = item.Handle
				}
				count++
				if count%yieldEvery == 0 {
					runtime.Gosched()
				}
				if err := walk(item); err != nil {
					return err
				}
			}
			count++
			if count%yieldEvery == 0 {
				runtime.Gosched()
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return err
	}

	if removed, err := p.puoids.Prune(liveExact); err != nil {
		logger.Warn("puoid prune failed", logger.StorageID(p.cfg.StorageID), logger.Err(err))
	} else {
		logPruneResult(p.cfg.StorageID, removed)
	}

	if err := p.loadReferences(); err != nil {
		logger.Warn("reference load failed", logger.StorageID(p.cfg.StorageID), logger.Err(err))
	}

	// Playlists are synced in a second pass so every entry they might
	// reference has already been assigned a handle.
	p.mu.RLock()
	var playlists []*Item
	for _, it := range p.byHandle {
		if !it.IsDir && mtp.IsPlaylistFormat(it.Format()) {
			playlists = append(playlists, it)
		}
	}
	p.mu.RUnlock()
	for _, it := range playlists {
		if err := p.SyncPlaylistReferences(it); err != nil {
			logger.Warn("playlist sync failed", logger.Path(it.Path), logger.Err(err))
		}
	}

	p.mu.Lock()
	p.enumerated = true
	p.mu.Unlock()

	p.bus.Publish(events.Event{Kind: events.StorageReady, StorageID: p.cfg.StorageID})
	return nil
}

// newItem allocates a handle and PUOID for path and inserts it into the
// three indices, reusing a persisted PUOID when one exists for this path.
func (p *FSPlugin) newItem(path string, parent uint32, fi os.FileInfo, isDir bool) *Item {
	handle := p.handles.NextHandle()

	puoid, found, err := p.puoids.Lookup(path)
	if err != nil || !found {
		counter, cerr := p.puoids.LoadCounter()
		if cerr != nil {
			counter = ZeroPUOID
		}
		puoid = counter.Next()
	}
	if err := p.puoids.Assign(path, puoid); err != nil {
		logger.Warn("puoid assign failed", logger.Path(path), logger.Err(err))
	}

	format := mtp.FormatUndefined
	if !isDir {
		format = mtp.InferFormat(fi.Name(), false)
	} else {
		format = mtp.FormatAssociation
	}

	protection := mtp.ProtectionNone
	if fi.Mode().Perm()&0200 == 0 {
		protection = mtp.ProtectionReadOnly
	}

	item := &Item{
		Handle: handle,
		PUOID:  puoid,
		Path:   path,
		Parent: parent,
		IsDir:  isDir,
		Info: container.ObjectInfo{
			StorageID:        p.cfg.StorageID,
			Format:           format,
			Protection:       protection,
			Size:             uint64(fi.Size()),
			Parent:           parent,
			Filename:         fi.Name(),
			ModificationDate: fi.ModTime().UTC().Format("20060102T150405"),
		},
		ModTime: fi.ModTime(),
	}
	if isDir {
		item.Info.AssociationType = mtp.AssocGenericFolder
	}

	p.mu.Lock()
	p.byHandle[handle] = item
	p.byPath[path] = item
	p.byPUOID[puoid] = item
	p.mu.Unlock()
	return item
}

func (p *FSPlugin) GetItem(handle uint32) (*Item, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	it, ok := p.byHandle[handle]
	return it, ok
}

func (p *FSPlugin) GetItemByPath(path string) (*Item, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	it, ok := p.byPath[path]
	return it, ok
}

// resolveParent maps the initiator's "place at root" conventions (a
// parent handle of 0 or 0xFFFFFFFF) onto this storage's actual root
// item handle.
func (p *FSPlugin) resolveParent(parent uint32) uint32 {
	if parent == 0 || parent == 0xFFFFFFFF {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.rootHandle
	}
	return parent
}

// Children returns parent's direct children in insertion order.
func (p *FSPlugin) Children(parent uint32) []*Item {
	parent = p.resolveParent(parent)
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Item
	for _, it := range p.byHandle {
		if it.Parent == parent {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// existsChildCI reports whether parent already has a child named name,
// compared case-insensitively for Windows-initiator compatibility
// (spec.md §4.3 "add_item"; DESIGN.md Open Question decision: enforced
// uniformly, not just hinted at).
func (p *FSPlugin) existsChildCI(parent uint32, name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	lower := strings.ToLower(name)
	for _, it := range p.byHandle {
		if it.Parent == parent && strings.ToLower(it.Filename()) == lower {
			return true
		}
	}
	return false
}

func (p *FSPlugin) AddItem(parent uint32, info container.ObjectInfo) (*Item, error) {
	if info.Filename == "" || strings.ContainsRune(info.Filename, '/') {
		return nil, mtperr.New(mtperr.CodeInvalidParameter, "filename empty or contains '/'")
	}
	parent = p.resolveParent(parent)
	parentItem, ok := p.GetItem(parent)
	if !ok || !parentItem.IsDir {
		return nil, mtperr.New(mtperr.CodeInvalidParentObject, "parent is not a directory in this storage")
	}
	if p.existsChildCI(parent, info.Filename) {
		return nil, mtperr.New(mtperr.CodeInvalidParameter, "filename collides with an existing sibling")
	}
	if p.cfg.Access == AccessReadOnly {
		return nil, mtperr.New(mtperr.CodeStoreReadOnly, "storage is read-only")
	}

	path := filepath.Join(parentItem.Path, info.Filename)
	isDir := info.Format == mtp.FormatAssociation

	p.suppressOnce(path)
	if isDir {
		if err := os.Mkdir(path, 0755); err != nil {
			return nil, mtperr.NewPath(mtperr.CodeGeneralError, "mkdir failed", path)
		}
	} else {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return nil, mtperr.NewPath(mtperr.CodeGeneralError, "create failed", path)
		}
		f.Close()
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, mtperr.NewPath(mtperr.CodeGeneralError, "stat after create failed", path)
	}
	item := p.newItem(path, parent, fi, isDir)
	if !isDir && info.Format != 0 && info.Format != mtp.FormatUndefined {
		p.mu.Lock()
		item.Info.Format = info.Format
		p.mu.Unlock()
	}
	if isDir {
		if err := p.watch.Add(path); err == nil {
			item.WatchHandle = item.Handle
		}
	}

	if p.cfg.Metadata != nil && !isDir {
		go p.cfg.Metadata.IndexObject(context.Background(), path, uint16(item.Format()))
	}
	p.bus.TryPublish(events.Event{Kind: events.ObjectAdded, StorageID: p.cfg.StorageID, Handle: item.Handle, Parent: parent})
	return item, nil
}

// DeleteItem removes handle, recursing into descendants if it is a
// directory. The sentinel handle 0xFFFFFFFF deletes every object,
// optionally filtered by formatFilter (spec.md §4.3 "Object add/delete").
func (p *FSPlugin) DeleteItem(handle uint32, formatFilter *mtp.ObjectFormatCode) error {
	if handle == 0xFFFFFFFF {
		return p.deleteAll(formatFilter)
	}
	item, ok := p.GetItem(handle)
	if !ok {
		return mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	if p.cfg.Access == AccessReadOnly {
		return mtperr.New(mtperr.CodeStoreReadOnly, "storage is read-only")
	}
	return p.deleteRecursive(item)
}

func (p *FSPlugin) deleteAll(formatFilter *mtp.ObjectFormatCode) error {
	p.mu.RLock()
	var targets []*Item
	for _, it := range p.byHandle {
		if it.Handle == p.rootHandle {
			continue
		}
		if it.Parent != p.rootHandle {
			continue
		}
		if formatFilter != nil && it.Format() != *formatFilter {
			continue
		}
		targets = append(targets, it)
	}
	p.mu.RUnlock()

	var failures []error
	for _, t := range targets {
		if err := p.deleteRecursive(t); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return mtperr.New(mtperr.CodePartialDeletion, fmt.Sprintf("%d objects failed to delete", len(failures)))
	}
	return nil
}

// deleteRecursive removes item and, if it is a directory, every
// descendant, collecting the affected set before mutating state so a
// filesystem failure partway through is reported without leaving
// indices referencing a half-deleted path (spec.md §4.3 "partial
// failures are reported per-object as PartialDeletion").
func (p *FSPlugin) deleteRecursive(item *Item) error {
	var descendants []*Item
	if item.IsDir {
		var collect func(parent uint32)
		collect = func(parent uint32) {
			for _, child := range p.Children(parent) {
				descendants = append(descendants, child)
				if child.IsDir {
					collect(child.Handle)
				}
			}
		}
		collect(item.Handle)
	}

	// Delete children first (deepest last in traversal order reversed),
	// then item itself.
	var failed bool
	for i := len(descendants) - 1; i >= 0; i-- {
		if err := p.removeOne(descendants[i]); err != nil {
			failed = true
		}
	}
	if err := p.removeOne(item); err != nil {
		failed = true
	}
	if failed {
		return mtperr.New(mtperr.CodePartialDeletion, "one or more descendants failed to delete")
	}
	return nil
}

func (p *FSPlugin) removeOne(item *Item) error {
	p.suppressOnce(item.Path)
	err := os.Remove(item.Path)
	if err != nil && !os.IsNotExist(err) {
		// Still on disk: the item stays indexed and watched, and the
		// suppression mark that no inotify event will consume is dropped.
		p.suppressed(item.Path)
		return err
	}
	if item.IsDir {
		p.watch.Remove(item.Path)
	}

	p.mu.Lock()
	delete(p.byHandle, item.Handle)
	delete(p.byPath, item.Path)
	delete(p.byPUOID, item.PUOID)
	p.mu.Unlock()

	p.bus.TryPublish(events.Event{Kind: events.ObjectRemoved, StorageID: p.cfg.StorageID, Handle: item.Handle, Parent: item.Parent})
	return err
}

// MoveItem renames item to live under newParent within this storage
// (spec.md §4.3 "Move/copy").
func (p *FSPlugin) MoveItem(handle, newParent uint32) error {
	item, ok := p.GetItem(handle)
	if !ok {
		return mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	newParent = p.resolveParent(newParent)
	parentItem, ok := p.GetItem(newParent)
	if !ok || !parentItem.IsDir {
		return mtperr.New(mtperr.CodeInvalidParentObject, "destination parent is not a directory")
	}
	if p.existsChildCI(newParent, item.Filename()) {
		return mtperr.New(mtperr.CodeInvalidParameter, "filename collides at destination")
	}

	newPath := filepath.Join(parentItem.Path, item.Filename())
	p.suppressOnce(item.Path)
	p.suppressOnce(newPath)
	if err := os.Rename(item.Path, newPath); err != nil {
		return mtperr.NewPath(mtperr.CodeGeneralError, "rename failed", item.Path)
	}

	p.mu.Lock()
	delete(p.byPath, item.Path)
	oldPath := item.Path
	oldParent := item.Parent
	item.Path = newPath
	item.Parent = newParent
	item.Info.Parent = newParent
	p.byPath[newPath] = item
	p.mu.Unlock()

	if item.IsDir {
		p.rewriteDescendantPaths(item, oldPath, newPath)
	}

	p.bus.TryPublish(events.Event{Kind: events.ObjectInfoChanged, StorageID: p.cfg.StorageID, Handle: item.Handle, Parent: oldParent})
	return nil
}

func (p *FSPlugin) rewriteDescendantPaths(dir *Item, oldPrefix, newPrefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range p.byHandle {
		if it.Handle == dir.Handle {
			continue
		}
		if strings.HasPrefix(it.Path, oldPrefix+string(filepath.Separator)) {
			delete(p.byPath, it.Path)
			it.Path = newPrefix + strings.TrimPrefix(it.Path, oldPrefix)
			p.byPath[it.Path] = it
		}
	}
}

// CopyWithin duplicates handle under newParent inside this storage,
// streaming through 64 KiB buffers and checking cancel between blocks
// (spec.md §4.3 "Move/copy"). On cancellation the partially-created
// destination is removed.
func (p *FSPlugin) CopyWithin(ctx context.Context, handle, newParent uint32, cancel CancelFunc) (*Item, error) {
	item, ok := p.GetItem(handle)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	newParent = p.resolveParent(newParent)
	parentItem, ok := p.GetItem(newParent)
	if !ok || !parentItem.IsDir {
		return nil, mtperr.New(mtperr.CodeInvalidParentObject, "destination parent is not a directory")
	}
	if item.IsDir {
		return nil, mtperr.New(mtperr.CodeInvalidObjectFormatCode, "copying directories is not supported")
	}

	destPath := filepath.Join(parentItem.Path, item.Filename())
	p.suppressOnce(destPath)
	dest, err := os.Create(destPath)
	if err != nil {
		return nil, mtperr.NewPath(mtperr.CodeGeneralError, "create destination failed", destPath)
	}
	defer dest.Close()

	src, err := os.Open(item.Path)
	if err != nil {
		os.Remove(destPath)
		return nil, mtperr.NewPath(mtperr.CodeGeneralError, "open source failed", item.Path)
	}
	defer src.Close()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			os.Remove(destPath)
			return nil, mtperr.New(mtperr.CodeGeneralError, "copy cancelled by context")
		default:
		}
		if cancel != nil && cancel() {
			os.Remove(destPath)
			return nil, mtperr.New(mtperr.CodeGeneralError, "copy cancelled")
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dest.Write(buf[:n]); werr != nil {
				os.Remove(destPath)
				return nil, mtperr.NewPath(mtperr.CodeGeneralError, "write failed", destPath)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			os.Remove(destPath)
			return nil, mtperr.NewPath(mtperr.CodeGeneralError, "read failed", item.Path)
		}
	}

	fi, err := os.Stat(destPath)
	if err != nil {
		return nil, mtperr.NewPath(mtperr.CodeGeneralError, "stat destination failed", destPath)
	}
	newItem := p.newItem(destPath, newParent, fi, false)
	p.bus.TryPublish(events.Event{Kind: events.ObjectAdded, StorageID: p.cfg.StorageID, Handle: newItem.Handle, Parent: newParent})
	return newItem, nil
}

// WriteSegment implements segmented SendObject writes (spec.md §4.3
// "Write & truncate"): isFirst truncates (or creates) the file, middle
// segments append, and isLast closes out by refreshing the cached size
// and modification date.
func (p *FSPlugin) WriteSegment(handle uint32, isFirst, isLast bool, data []byte) error {
	item, ok := p.GetItem(handle)
	if !ok {
		return mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	flags := os.O_WRONLY
	if isFirst {
		flags |= os.O_TRUNC | os.O_CREATE
	} else {
		flags |= os.O_APPEND
	}
	p.suppressOnce(item.Path)
	f, err := os.OpenFile(item.Path, flags, 0644)
	if err != nil {
		return mtperr.NewPath(mtperr.CodeGeneralError, "open for write failed", item.Path)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return mtperr.NewPath(mtperr.CodeGeneralError, "write failed", item.Path)
	}
	if isLast {
		fi, err := f.Stat()
		if err == nil {
			p.mu.Lock()
			item.Info.Size = uint64(fi.Size())
			item.Info.ModificationDate = time.Now().UTC().Format("20060102T150405")
			item.ModTime = fi.ModTime()
			p.mu.Unlock()
		}
	}
	return nil
}

// WriteAt writes data at an explicit offset (the edit-object extension).
func (p *FSPlugin) WriteAt(handle uint32, offset uint64, data []byte) error {
	item, ok := p.GetItem(handle)
	if !ok {
		return mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	p.suppressOnce(item.Path)
	f, err := os.OpenFile(item.Path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return mtperr.NewPath(mtperr.CodeGeneralError, "open for write failed", item.Path)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return mtperr.NewPath(mtperr.CodeGeneralError, "write failed", item.Path)
	}
	if fi, err := f.Stat(); err == nil {
		p.mu.Lock()
		item.Info.Size = uint64(fi.Size())
		p.mu.Unlock()
	}
	return nil
}

// TruncateItem truncates handle's backing file to size and refreshes
// the cached object size.
func (p *FSPlugin) TruncateItem(handle uint32, size uint64) error {
	item, ok := p.GetItem(handle)
	if !ok {
		return mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	if item.IsDir {
		return mtperr.New(mtperr.CodeInvalidObjectFormatCode, "cannot truncate a directory")
	}
	p.suppressOnce(item.Path)
	if err := os.Truncate(item.Path, int64(size)); err != nil {
		return mtperr.NewPath(mtperr.CodeGeneralError, "truncate failed", item.Path)
	}
	p.mu.Lock()
	item.Info.Size = size
	p.mu.Unlock()
	p.bus.TryPublish(events.Event{Kind: events.ObjectInfoChanged, StorageID: p.cfg.StorageID, Handle: handle, Parent: item.Parent})
	return nil
}

// StreamRead writes handle's full content to w in 64 KiB chunks,
// checking cancel between chunks (spec.md §4.5 "Segmented send").
func (p *FSPlugin) StreamRead(handle uint32, w io.Writer, cancel CancelFunc) error {
	item, ok := p.GetItem(handle)
	if !ok {
		return mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	f, err := os.Open(item.Path)
	if err != nil {
		return mtperr.NewPath(mtperr.CodeGeneralError, "open for read failed", item.Path)
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		if cancel != nil && cancel() {
			return mtperr.New(mtperr.CodeIncompleteTransfer, "read cancelled")
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return mtperr.NewPath(mtperr.CodeGeneralError, "write to transport failed", item.Path)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return mtperr.NewPath(mtperr.CodeGeneralError, "read failed", item.Path)
		}
	}
}

// ReadRange reads [offset, offset+length) for GetPartialObject.
func (p *FSPlugin) ReadRange(handle uint32, offset, length uint64) ([]byte, error) {
	item, ok := p.GetItem(handle)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	f, err := os.Open(item.Path)
	if err != nil {
		return nil, mtperr.NewPath(mtperr.CodeGeneralError, "open for read failed", item.Path)
	}
	defer f.Close()
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, mtperr.NewPath(mtperr.CodeGeneralError, "read failed", item.Path)
	}
	return buf[:n], nil
}

// suppressOnce marks path so the next inotify event it generates is
// ignored, avoiding feedback loops from initiator-driven mutations
// (spec.md §4.3 "Events that originate from the current initiator-driven
// operation are suppressed").
func (p *FSPlugin) suppressOnce(path string) {
	p.suppressMu.Lock()
	p.suppress[path]++
	p.suppressMu.Unlock()
}

func (p *FSPlugin) suppressed(path string) bool {
	p.suppressMu.Lock()
	defer p.suppressMu.Unlock()
	if n, ok := p.suppress[path]; ok && n > 0 {
		if n == 1 {
			delete(p.suppress, path)
		} else {
			p.suppress[path] = n - 1
		}
		return true
	}
	return false
}

// handleCreate is invoked by the watcher for IN_CREATE/IN_MOVED_TO with
// no matching pending removal.
func (p *FSPlugin) handleCreate(path string) {
	if _, ok := p.GetItemByPath(path); ok {
		return
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return
	}
	parentItem, ok := p.GetItemByPath(filepath.Dir(path))
	if !ok {
		return
	}
	item := p.newItem(path, parentItem.Handle, fi, fi.IsDir())
	if fi.IsDir() {
		if err := p.watch.Add(path); err == nil {
			item.WatchHandle = item.Handle
		}
	} else if mtp.IsPlaylistFormat(item.Format()) {
		p.SyncPlaylistReferences(item)
	}
	p.bus.TryPublish(events.Event{Kind: events.ObjectAdded, StorageID: p.cfg.StorageID, Handle: item.Handle, Parent: item.Parent})
}

// handleRemove is invoked once a pending removal's window expires
// without a matching create.
func (p *FSPlugin) handleRemove(path string) {
	item, ok := p.GetItemByPath(path)
	if !ok {
		return
	}
	p.removeOne(item)
}

// handleMove pairs a removal at oldPath with a create at newPath within
// the same directory inside the pending window.
func (p *FSPlugin) handleMove(oldPath, newPath string) {
	item, ok := p.GetItemByPath(oldPath)
	if !ok {
		p.handleCreate(newPath)
		return
	}
	p.mu.Lock()
	delete(p.byPath, oldPath)
	item.Path = newPath
	item.Info.Filename = filepath.Base(newPath)
	p.byPath[newPath] = item
	p.mu.Unlock()
	p.bus.TryPublish(events.Event{Kind: events.ObjectInfoChanged, StorageID: p.cfg.StorageID, Handle: item.Handle, Parent: item.Parent})
}

func (p *FSPlugin) handleModify(path string) {
	item, ok := p.GetItemByPath(path)
	if !ok {
		return
	}
	fi, err := os.Stat(path)
	if err == nil {
		p.mu.Lock()
		item.Info.Size = uint64(fi.Size())
		item.ModTime = fi.ModTime()
		p.mu.Unlock()
	}
	if mtp.IsPlaylistFormat(item.Format()) {
		p.SyncPlaylistReferences(item)
	}
	p.bus.TryPublish(events.Event{Kind: events.ObjectInfoChanged, StorageID: p.cfg.StorageID, Handle: item.Handle, Parent: item.Parent})
}

// loadReferences reads the persisted PUOID-keyed reference graph into
// memory once enumeration has populated byPUOID, so handle-addressed
// lookups can resolve without touching Badger on the hot path.
func (p *FSPlugin) loadReferences() error {
	refs, err := p.refs.Load()
	if err != nil {
		return err
	}
	p.refMu.Lock()
	p.refCache = refs
	p.refMu.Unlock()
	return nil
}

// GetReferences returns the handles referenced by handle, translating
// from the persisted PUOID graph and silently dropping targets that no
// longer resolve to a live item (spec.md §4.3 "References").
func (p *FSPlugin) GetReferences(handle uint32) ([]uint32, error) {
	item, ok := p.GetItem(handle)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	p.refMu.RLock()
	targets := p.refCache[item.PUOID]
	p.refMu.RUnlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	var handles []uint32
	for _, t := range targets {
		if target, ok := p.byPUOID[t]; ok {
			handles = append(handles, target.Handle)
		}
	}
	return handles, nil
}

// SetReferences replaces handle's reference list, persisting it keyed
// by PUOID so it survives a restart even though the handles themselves
// do not (spec.md §4.3 "References"). Any target handle that does not
// resolve to a live item rejects the whole update, leaving the stored
// list untouched.
func (p *FSPlugin) SetReferences(handle uint32, refs []uint32) error {
	item, ok := p.GetItem(handle)
	if !ok {
		return mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	targets := make([]PUOID, 0, len(refs))
	p.mu.RLock()
	for _, h := range refs {
		target, ok := p.byHandle[h]
		if !ok {
			p.mu.RUnlock()
			return mtperr.New(mtperr.CodeInvalidObjectReference, "reference target does not exist")
		}
		targets = append(targets, target.PUOID)
	}
	p.mu.RUnlock()

	if err := p.refs.Set(item.PUOID, targets); err != nil {
		return mtperr.New(mtperr.CodeGeneralError, "persist references failed")
	}
	p.refMu.Lock()
	p.refCache[item.PUOID] = targets
	p.refMu.Unlock()
	p.bus.TryPublish(events.Event{Kind: events.ObjectPropChanged, StorageID: p.cfg.StorageID, Handle: handle, Parent: item.Parent})
	return nil
}

// GetObjectPropertyValue answers a single object-property query directly
// from the in-memory Item, independent of the factory-owned property
// cache (spec.md §4.3 "Property queries").
func (p *FSPlugin) GetObjectPropertyValue(handle uint32, prop mtp.ObjectPropCode) (any, error) {
	item, ok := p.GetItem(handle)
	if !ok {
		return nil, mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	return p.propertyValue(item, prop)
}

func (p *FSPlugin) propertyValue(item *Item, prop mtp.ObjectPropCode) (any, error) {
	switch prop {
	case mtp.PropStorageID:
		return item.Info.StorageID, nil
	case mtp.PropObjectFormat:
		return uint16(item.Info.Format), nil
	case mtp.PropProtectionStatus:
		return uint16(item.Info.Protection), nil
	case mtp.PropObjectSize:
		return item.Info.Size, nil
	case mtp.PropAssociationType:
		return uint16(item.Info.AssociationType), nil
	case mtp.PropAssociationDesc:
		return item.Info.AssociationDesc, nil
	case mtp.PropObjectFileName, mtp.PropName, mtp.PropDisplayName:
		return item.Filename(), nil
	case mtp.PropDateCreated:
		return item.Info.CaptureDate, nil
	case mtp.PropDateModified:
		return item.Info.ModificationDate, nil
	case mtp.PropKeywords:
		return item.Info.Keywords, nil
	case mtp.PropParentObject:
		return item.Parent, nil
	case mtp.PropPersistentUID:
		// The variant encoder expects the codec's Uint128, not the raw
		// 16-byte array.
		return container.Uint128FromBytes(item.PUOID.Bytes()), nil
	default:
		// Rich properties (artist, duration, dimensions) come from the
		// metadata collaborator, the last stop in the spec.md §4.3
		// resolution order.
		if p.cfg.Metadata != nil {
			if v, ok := p.cfg.Metadata.ObjectProperty(context.Background(), item.Path, uint16(item.Format()), uint16(prop)); ok {
				return v, nil
			}
		}
		return nil, mtperr.New(mtperr.CodeInvalidObjectPropCode, "unsupported object property")
	}
}

// SetObjectPropertyValue updates the subset of object properties that
// are writable (file name, keywords); everything else is
// derived from the filesystem and rejected.
func (p *FSPlugin) SetObjectPropertyValue(handle uint32, prop mtp.ObjectPropCode, value any) error {
	item, ok := p.GetItem(handle)
	if !ok {
		return mtperr.New(mtperr.CodeInvalidObjectHandle, "no such object")
	}
	switch prop {
	case mtp.PropObjectFileName, mtp.PropName:
		name, ok := value.(string)
		if !ok || name == "" || strings.ContainsRune(name, '/') {
			return mtperr.New(mtperr.CodeInvalidObjectPropValue, "invalid filename")
		}
		newPath := filepath.Join(filepath.Dir(item.Path), name)
		p.suppressOnce(item.Path)
		p.suppressOnce(newPath)
		if err := os.Rename(item.Path, newPath); err != nil {
			return mtperr.NewPath(mtperr.CodeGeneralError, "rename failed", item.Path)
		}
		p.mu.Lock()
		delete(p.byPath, item.Path)
		item.Path = newPath
		item.Info.Filename = name
		p.byPath[newPath] = item
		p.mu.Unlock()
	case mtp.PropKeywords:
		keywords, ok := value.(string)
		if !ok {
			return mtperr.New(mtperr.CodeInvalidObjectPropValue, "invalid keywords")
		}
		p.mu.Lock()
		item.Info.Keywords = keywords
		p.mu.Unlock()
	default:
		return mtperr.New(mtperr.CodeObjectPropNotSupported, "property is read-only or unsupported")
	}
	p.bus.TryPublish(events.Event{Kind: events.ObjectPropChanged, StorageID: p.cfg.StorageID, Handle: handle, Parent: item.Parent, PropCode: prop})
	return nil
}

// GetChildPropertyValues batches a property fetch across every child of
// parent in one pass (spec.md §4.3 "Property queries" mass query). The
// factory records the parent as mass-queried in its property cache so
// repeat requests skip this bulk fetch.
func (p *FSPlugin) GetChildPropertyValues(parent uint32, props []mtp.ObjectPropCode) (map[uint32]map[mtp.ObjectPropCode]any, error) {
	children := p.Children(parent)
	result := make(map[uint32]map[mtp.ObjectPropCode]any, len(children))
	for _, child := range children {
		values := make(map[mtp.ObjectPropCode]any, len(props))
		for _, prop := range props {
			v, err := p.propertyValue(child, prop)
			if err != nil {
				continue
			}
			values[prop] = v
		}
		result[child.Handle] = values
	}
	return result, nil
}
