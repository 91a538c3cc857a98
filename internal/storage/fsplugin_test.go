package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/events"
	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
)

// seqAllocator is a test stand-in for the factory's handle allocator.
type seqAllocator struct{ n uint32 }

func (a *seqAllocator) NextHandle() uint32 {
	a.n++
	return a.n
}

func newTestPlugin(t *testing.T) (*FSPlugin, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(root, 0755))

	p, err := NewFSPlugin(Config{
		StorageID:   0x00010001,
		RootPath:    root,
		Description: "Test Storage",
		StateDir:    filepath.Join(dir, "state"),
	}, &seqAllocator{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, root
}

func enumerated(t *testing.T, p *FSPlugin) {
	t.Helper()
	require.NoError(t, p.Enumerate(context.Background()))
	drainReady(t, p)
}

// drainReady consumes the StorageReady event so later assertions on the
// bus see only object events.
func drainReady(t *testing.T, p *FSPlugin) {
	t.Helper()
	for {
		select {
		case ev := <-p.Events().Events():
			if ev.Kind == events.StorageReady {
				return
			}
		default:
			t.Fatal("no StorageReady event published")
		}
	}
}

func TestEnumerateKeepsIndicesConsistent(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "music"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "music", "b.mp3"), []byte("bbb"), 0644))

	enumerated(t, p)

	p.mu.RLock()
	defer p.mu.RUnlock()
	require.Len(t, p.byHandle, 4) // root, a.txt, music, b.mp3
	for handle, item := range p.byHandle {
		require.Equal(t, handle, item.Handle)
		byPath, ok := p.byPath[item.Path]
		require.True(t, ok, "path index missing %s", item.Path)
		require.Same(t, item, byPath)
		byPUOID, ok := p.byPUOID[item.PUOID]
		require.True(t, ok, "puoid index missing %s", item.Path)
		require.Same(t, item, byPUOID)

		if item.Handle != p.rootHandle {
			parent, ok := p.byHandle[item.Parent]
			require.True(t, ok, "parent of %s missing", item.Path)
			require.True(t, parent.IsDir)
			require.Equal(t, filepath.Join(parent.Path, item.Filename()), item.Path)
		}
	}
}

func TestEnumerateInfersFormats(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "song.mp3"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "photo.jpg"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "mystery.zzz"), nil, 0644))

	enumerated(t, p)

	song, ok := p.GetItemByPath(filepath.Join(root, "song.mp3"))
	require.True(t, ok)
	require.Equal(t, mtp.FormatMP3, song.Format())
	photo, ok := p.GetItemByPath(filepath.Join(root, "photo.jpg"))
	require.True(t, ok)
	require.Equal(t, mtp.FormatEXIFJPEG, photo.Format())
	mystery, ok := p.GetItemByPath(filepath.Join(root, "mystery.zzz"))
	require.True(t, ok)
	require.Equal(t, mtp.FormatUndefined, mystery.Format())
}

func TestExcludedPathsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "private"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "private", "secret.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "public.txt"), []byte("x"), 0644))

	p, err := NewFSPlugin(Config{
		StorageID:    0x00010001,
		RootPath:     root,
		Description:  "Test Storage",
		StateDir:     filepath.Join(dir, "state"),
		ExcludePaths: []string{filepath.Join(root, "private")},
	}, &seqAllocator{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	enumerated(t, p)

	_, ok := p.GetItemByPath(filepath.Join(root, "private"))
	require.False(t, ok)
	_, ok = p.GetItemByPath(filepath.Join(root, "public.txt"))
	require.True(t, ok)
}

func TestAddItemCreatesFileAndIndices(t *testing.T) {
	p, root := newTestPlugin(t)
	enumerated(t, p)

	item, err := p.AddItem(0, container.ObjectInfo{Filename: "note.txt", Format: mtp.FormatText})
	require.NoError(t, err)
	require.NotZero(t, item.Handle)

	_, err = os.Stat(filepath.Join(root, "note.txt"))
	require.NoError(t, err)

	got, ok := p.GetItem(item.Handle)
	require.True(t, ok)
	require.Same(t, item, got)
}

func TestAddItemRejectsBadFilenames(t *testing.T) {
	p, _ := newTestPlugin(t)
	enumerated(t, p)

	_, err := p.AddItem(0, container.ObjectInfo{Filename: ""})
	require.Error(t, err)
	_, err = p.AddItem(0, container.ObjectInfo{Filename: "a/b"})
	require.Error(t, err)
}

func TestAddItemRejectsCaseInsensitiveCollision(t *testing.T) {
	p, _ := newTestPlugin(t)
	enumerated(t, p)

	_, err := p.AddItem(0, container.ObjectInfo{Filename: "Readme.TXT", Format: mtp.FormatText})
	require.NoError(t, err)
	_, err = p.AddItem(0, container.ObjectInfo{Filename: "readme.txt", Format: mtp.FormatText})
	require.Error(t, err)
	se, ok := err.(*mtperr.StoreError)
	require.True(t, ok)
	require.Equal(t, mtperr.CodeInvalidParameter, se.Code)
}

func TestAddItemRejectsNonDirectoryParent(t *testing.T) {
	p, _ := newTestPlugin(t)
	enumerated(t, p)

	file, err := p.AddItem(0, container.ObjectInfo{Filename: "f.txt", Format: mtp.FormatText})
	require.NoError(t, err)

	_, err = p.AddItem(file.Handle, container.ObjectInfo{Filename: "child.txt", Format: mtp.FormatText})
	se, ok := err.(*mtperr.StoreError)
	require.True(t, ok)
	require.Equal(t, mtperr.CodeInvalidParentObject, se.Code)
}

func TestDeleteDirectoryRemovesDescendants(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "sub", "b.txt"), []byte("b"), 0644))
	enumerated(t, p)

	docs, ok := p.GetItemByPath(filepath.Join(root, "docs"))
	require.True(t, ok)
	child, ok := p.GetItemByPath(filepath.Join(root, "docs", "sub", "b.txt"))
	require.True(t, ok)

	require.NoError(t, p.DeleteItem(docs.Handle, nil))

	_, ok = p.GetItem(docs.Handle)
	require.False(t, ok)
	_, ok = p.GetItem(child.Handle)
	require.False(t, ok)
	_, err := os.Stat(filepath.Join(root, "docs"))
	require.True(t, os.IsNotExist(err))
}

func TestDeleteAllHonorsFormatFilter(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.mp3"), []byte("b"), 0644))
	enumerated(t, p)

	format := mtp.FormatText
	require.NoError(t, p.DeleteItem(0xFFFFFFFF, &format))

	_, ok := p.GetItemByPath(filepath.Join(root, "a.txt"))
	require.False(t, ok)
	_, ok = p.GetItemByPath(filepath.Join(root, "b.mp3"))
	require.True(t, ok)
}

func TestMoveItemRewritesDescendantPaths(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "inner"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "inner", "deep.txt"), []byte("d"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dst"), 0755))
	enumerated(t, p)

	src, ok := p.GetItemByPath(filepath.Join(root, "src"))
	require.True(t, ok)
	dst, ok := p.GetItemByPath(filepath.Join(root, "dst"))
	require.True(t, ok)

	require.NoError(t, p.MoveItem(src.Handle, dst.Handle))

	moved, ok := p.GetItemByPath(filepath.Join(root, "dst", "src", "inner", "deep.txt"))
	require.True(t, ok)
	require.Equal(t, "deep.txt", moved.Filename())
	_, ok = p.GetItemByPath(filepath.Join(root, "src", "inner", "deep.txt"))
	require.False(t, ok)
}

func TestWriteSegmentLifecycle(t *testing.T) {
	p, root := newTestPlugin(t)
	enumerated(t, p)

	item, err := p.AddItem(0, container.ObjectInfo{Filename: "data.bin", Format: mtp.FormatUndefined})
	require.NoError(t, err)

	require.NoError(t, p.WriteSegment(item.Handle, true, false, []byte("hello ")))
	require.NoError(t, p.WriteSegment(item.Handle, false, true, []byte("world")))

	data, err := os.ReadFile(filepath.Join(root, "data.bin"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
	require.Equal(t, uint64(11), item.Info.Size)

	// A fresh first segment truncates.
	require.NoError(t, p.WriteSegment(item.Handle, true, true, []byte("x")))
	data, err = os.ReadFile(filepath.Join(root, "data.bin"))
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
	require.Equal(t, uint64(1), item.Info.Size)
}

func TestCopyWithinCancelRollsBack(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "orig.txt"), []byte("content"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "copies"), 0755))
	enumerated(t, p)

	orig, ok := p.GetItemByPath(filepath.Join(root, "orig.txt"))
	require.True(t, ok)
	dest, ok := p.GetItemByPath(filepath.Join(root, "copies"))
	require.True(t, ok)

	_, err := p.CopyWithin(context.Background(), orig.Handle, dest.Handle, func() bool { return true })
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, "copies", "orig.txt"))
	require.True(t, os.IsNotExist(statErr))
}

func TestStreamReadCancelReportsIncomplete(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), make([]byte, 256), 0644))
	enumerated(t, p)

	item, ok := p.GetItemByPath(filepath.Join(root, "big.bin"))
	require.True(t, ok)

	err := p.StreamRead(item.Handle, io.Discard, func() bool { return true })
	se, isStore := err.(*mtperr.StoreError)
	require.True(t, isStore)
	require.Equal(t, mtperr.CodeIncompleteTransfer, se.Code)
}

func TestSetReferencesRejectsUnknownTarget(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "list.pla"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "song.mp3"), nil, 0644))
	enumerated(t, p)

	list, ok := p.GetItemByPath(filepath.Join(root, "list.pla"))
	require.True(t, ok)
	song, ok := p.GetItemByPath(filepath.Join(root, "song.mp3"))
	require.True(t, ok)

	err := p.SetReferences(list.Handle, []uint32{song.Handle, 0xFFFFFFFF})
	se, isStore := err.(*mtperr.StoreError)
	require.True(t, isStore)
	require.Equal(t, mtperr.CodeInvalidObjectReference, se.Code)

	refs, err := p.GetReferences(list.Handle)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestReferencesRoundTripAndPruning(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "list.pla"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "one.mp3"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "two.mp3"), nil, 0644))
	enumerated(t, p)

	list, _ := p.GetItemByPath(filepath.Join(root, "list.pla"))
	one, _ := p.GetItemByPath(filepath.Join(root, "one.mp3"))
	two, _ := p.GetItemByPath(filepath.Join(root, "two.mp3"))

	require.NoError(t, p.SetReferences(list.Handle, []uint32{one.Handle, two.Handle}))
	refs, err := p.GetReferences(list.Handle)
	require.NoError(t, err)
	require.Equal(t, []uint32{one.Handle, two.Handle}, refs)

	// A deleted target drops out of the returned list.
	require.NoError(t, p.DeleteItem(two.Handle, nil))
	refs, err = p.GetReferences(list.Handle)
	require.NoError(t, err)
	require.Equal(t, []uint32{one.Handle}, refs)
}

func TestPlaylistSyncResolvesEntries(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "one.mp3"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "two.mp3"), nil, 0644))
	playlist := "#EXTM3U\none.mp3\ntwo.mp3\nmissing.mp3\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "mix.m3u"), []byte(playlist), 0644))
	enumerated(t, p)

	mix, ok := p.GetItemByPath(filepath.Join(root, "mix.m3u"))
	require.True(t, ok)
	one, _ := p.GetItemByPath(filepath.Join(root, "one.mp3"))
	two, _ := p.GetItemByPath(filepath.Join(root, "two.mp3"))

	refs, err := p.GetReferences(mix.Handle)
	require.NoError(t, err)
	require.Equal(t, []uint32{one.Handle, two.Handle}, refs)
}

func TestPropertyValues(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("abc"), 0644))
	enumerated(t, p)

	item, _ := p.GetItemByPath(filepath.Join(root, "a.txt"))

	v, err := p.GetObjectPropertyValue(item.Handle, mtp.PropObjectFileName)
	require.NoError(t, err)
	require.Equal(t, "a.txt", v)

	v, err = p.GetObjectPropertyValue(item.Handle, mtp.PropObjectSize)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)

	v, err = p.GetObjectPropertyValue(item.Handle, mtp.PropObjectFormat)
	require.NoError(t, err)
	require.Equal(t, uint16(mtp.FormatText), v)

	_, err = p.GetObjectPropertyValue(item.Handle, mtp.ObjectPropCode(0xDCFF))
	require.Error(t, err)
}

func TestSetFileNamePropertyRenamesOnDisk(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "old.txt"), []byte("x"), 0644))
	enumerated(t, p)

	item, _ := p.GetItemByPath(filepath.Join(root, "old.txt"))
	require.NoError(t, p.SetObjectPropertyValue(item.Handle, mtp.PropObjectFileName, "new.txt"))

	_, err := os.Stat(filepath.Join(root, "new.txt"))
	require.NoError(t, err)
	_, ok := p.GetItemByPath(filepath.Join(root, "new.txt"))
	require.True(t, ok)
	_, ok = p.GetItemByPath(filepath.Join(root, "old.txt"))
	require.False(t, ok)
}

func TestGetChildPropertyValuesBatches(t *testing.T) {
	p, root := newTestPlugin(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bb"), 0644))
	enumerated(t, p)

	values, err := p.GetChildPropertyValues(0, []mtp.ObjectPropCode{mtp.PropObjectFileName, mtp.PropObjectSize})
	require.NoError(t, err)
	require.Len(t, values, 2)
	for _, child := range p.Children(0) {
		got, ok := values[child.Handle]
		require.True(t, ok)
		require.Equal(t, child.Filename(), got[mtp.PropObjectFileName])
	}
}

func TestPUOIDStableAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("k"), 0644))

	cfg := Config{
		StorageID:   0x00010001,
		RootPath:    root,
		Description: "Test Storage",
		StateDir:    filepath.Join(dir, "state"),
	}

	p1, err := NewFSPlugin(cfg, &seqAllocator{})
	require.NoError(t, err)
	require.NoError(t, p1.Enumerate(context.Background()))
	item1, ok := p1.GetItemByPath(filepath.Join(root, "keep.txt"))
	require.True(t, ok)
	first := item1.PUOID
	require.NoError(t, p1.Close())

	p2, err := NewFSPlugin(cfg, &seqAllocator{})
	require.NoError(t, err)
	defer p2.Close()
	require.NoError(t, p2.Enumerate(context.Background()))
	item2, ok := p2.GetItemByPath(filepath.Join(root, "keep.txt"))
	require.True(t, ok)
	require.Equal(t, first, item2.PUOID)
}
