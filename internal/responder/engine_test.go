package responder_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
	"github.com/go-mtp/mtpd/internal/responder"
	"github.com/go-mtp/mtpd/internal/storage"
)

const testStorageID = 0x00010001

// fakeTransport drives the engine from a test the same way the
// FunctionFS transport does in production: a frame channel in, recorded
// bulk-in writes out.
type fakeTransport struct {
	frames    chan []byte
	writes    chan []byte
	events    chan []byte
	suspend   chan bool
	cancelled atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:  make(chan []byte, 16),
		writes:  make(chan []byte, 64),
		events:  make(chan []byte, 64),
		suspend: make(chan bool),
	}
}

func (t *fakeTransport) Frames() <-chan []byte { return t.frames }

func (t *fakeTransport) WriteBulkIn(b []byte) error {
	t.writes <- append([]byte(nil), b...)
	return nil
}

func (t *fakeTransport) WriteInterrupt(b []byte) error {
	select {
	case t.events <- append([]byte(nil), b...):
	default:
	}
	return nil
}

func (t *fakeTransport) Cancelled() bool      { return t.cancelled.Load() }
func (t *fakeTransport) ClearCancel()         { t.cancelled.Store(false) }
func (t *fakeTransport) Suspended() <-chan bool { return t.suspend }

// fakeDeviceInfo is a minimal DeviceInfoProvider for engine tests.
type fakeDeviceInfo struct {
	battery uint8
}

func (d fakeDeviceInfo) EncodeDeviceInfo(e *container.Encoder) {
	e.PutU16(100)
	e.PutU32(0)
	e.PutU16(0)
	e.PutString("")
	e.PutU16(0)
	e.PutU16Array(nil)
	e.PutU16Array(nil)
	e.PutU16Array(nil)
	e.PutU16Array(nil)
	e.PutU16Array(nil)
	e.PutString("test")
	e.PutString("test")
	e.PutString("1.0")
	e.PutString("serial")
}

func (d fakeDeviceInfo) GetDevicePropDesc(code mtp.DevicePropCode) (container.PropDesc, error) {
	if code == mtp.DevPropBatteryLevel {
		return container.BatteryLevelPropDesc(d.battery), nil
	}
	return container.PropDesc{}, mtperr.New(mtperr.CodeOperationNotSupported, "unsupported device property")
}

func (d fakeDeviceInfo) GetDevicePropValue(code mtp.DevicePropCode) (any, error) {
	if code == mtp.DevPropBatteryLevel {
		return d.battery, nil
	}
	return nil, mtperr.New(mtperr.CodeOperationNotSupported, "unsupported device property")
}

func (d fakeDeviceInfo) SetDevicePropValue(code mtp.DevicePropCode, value any) error {
	return mtperr.New(mtperr.CodeOperationNotSupported, "read-only")
}

// harness wires a real filesystem-backed storage, a real factory, and
// the engine over a fake transport.
type harness struct {
	t       *testing.T
	tr      *fakeTransport
	rootDir string
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	rootDir := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(rootDir, 0755))

	factory := storage.NewFactory(64)
	plugin, err := storage.NewFSPlugin(storage.Config{
		StorageID:   testStorageID,
		RootPath:    rootDir,
		Description: "Internal",
		StateDir:    filepath.Join(dir, "state"),
	}, factory.AllocatorFor(testStorageID))
	require.NoError(t, err)
	factory.Register(plugin)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, factory.EnumerateAll(ctx))

	engine := responder.New(factory, fakeDeviceInfo{battery: 80})
	engine.RegisterEditObjectExtensions()
	tr := newFakeTransport()
	go engine.Run(ctx, tr)

	t.Cleanup(func() {
		cancel()
		factory.Close()
	})
	return &harness{t: t, tr: tr, rootDir: rootDir, cancel: cancel}
}

func (h *harness) command(op mtp.OpCode, txID uint32, params ...uint32) {
	enc := container.NewEncoder(mtp.ContainerCommand, uint16(op), txID)
	for _, p := range params {
		enc.PutU32(p)
	}
	h.tr.frames <- enc.Finish()
}

func (h *harness) data(op mtp.OpCode, txID uint32, payload []byte) {
	enc := container.NewEncoder(mtp.ContainerData, uint16(op), txID)
	enc.PutBytes(payload)
	h.tr.frames <- enc.Finish()
}

// response waits for the next Response container, returning any Data
// container payload seen before it.
func (h *harness) response() (code mtp.ResponseCode, params []uint32, dataPayload []byte) {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-h.tr.writes:
			header, err := container.ParseHeader(frame)
			require.NoError(h.t, err)
			switch header.Type {
			case mtp.ContainerData:
				dataPayload = append([]byte(nil), frame[mtp.HeaderSize:]...)
			case mtp.ContainerResponse:
				d := container.NewDecoder(frame[mtp.HeaderSize:])
				for d.Remaining() >= 4 {
					v, err := d.U32()
					require.NoError(h.t, err)
					params = append(params, v)
				}
				return mtp.ResponseCode(header.Code), params, dataPayload
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for response container")
			return
		}
	}
}

func (h *harness) openSession() {
	h.t.Helper()
	h.command(mtp.OpOpenSession, 1, 1)
	code, _, _ := h.response()
	require.Equal(h.t, mtp.RespOK, code)
}

// createFile drives the SendObjectPropList + SendObject pair and
// returns the new object's handle.
func (h *harness) createFile(txID uint32, name, content string) uint32 {
	h.t.Helper()
	enc := container.NewEncoder(mtp.ContainerData, uint16(mtp.OpSendObjectPropList), txID)
	enc.PutU32(3)
	enc.PutU32(0)
	enc.PutU16(uint16(mtp.PropObjectFileName))
	enc.PutU16(uint16(mtp.TypeString))
	enc.PutString(name)
	enc.PutU32(0)
	enc.PutU16(uint16(mtp.PropObjectFormat))
	enc.PutU16(uint16(mtp.TypeUint16))
	enc.PutU16(uint16(mtp.FormatText))
	enc.PutU32(0)
	enc.PutU16(uint16(mtp.PropObjectSize))
	enc.PutU16(uint16(mtp.TypeUint64))
	enc.PutU64(uint64(len(content)))

	h.command(mtp.OpSendObjectPropList, txID, testStorageID, 0, uint32(mtp.FormatText), 0, uint32(len(content)))
	h.tr.frames <- enc.Finish()
	code, params, _ := h.response()
	require.Equal(h.t, mtp.RespOK, code)
	require.Len(h.t, params, 3)
	require.Equal(h.t, uint32(testStorageID), params[0])
	handle := params[2]
	require.NotZero(h.t, handle)

	h.command(mtp.OpSendObject, txID+1)
	h.data(mtp.OpSendObject, txID+1, []byte(content))
	code, _, _ = h.response()
	require.Equal(h.t, mtp.RespOK, code)
	return handle
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)

	h.command(mtp.OpCloseSession, 1)
	code, _, _ := h.response()
	require.Equal(t, mtp.RespSessionNotOpen, code)

	h.command(mtp.OpOpenSession, 1, 1)
	code, _, _ = h.response()
	require.Equal(t, mtp.RespOK, code)

	h.command(mtp.OpOpenSession, 2, 2)
	code, params, _ := h.response()
	require.Equal(t, mtp.RespSessionAlreadyOpen, code)
	require.Equal(t, []uint32{1}, params)

	h.command(mtp.OpCloseSession, 2)
	code, _, _ = h.response()
	require.Equal(t, mtp.RespOK, code)
}

func TestOperationsRequireOpenSession(t *testing.T) {
	h := newHarness(t)

	h.command(mtp.OpGetStorageIDs, 1)
	code, _, _ := h.response()
	require.Equal(t, mtp.RespSessionNotOpen, code)
}

func TestTransactionIDMustIncrease(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	h.command(mtp.OpGetStorageIDs, 5)
	code, _, _ := h.response()
	require.Equal(t, mtp.RespOK, code)

	h.command(mtp.OpGetStorageIDs, 5)
	code, _, _ = h.response()
	require.Equal(t, mtp.RespInvalidTransactionID, code)

	h.command(mtp.OpGetStorageIDs, 6)
	code, _, _ = h.response()
	require.Equal(t, mtp.RespOK, code)
}

func TestCreateTextFileRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	handle := h.createFile(2, "tmpfile", "xxxxx")

	h.command(mtp.OpGetObjectInfo, 4, handle)
	code, _, payload := h.response()
	require.Equal(t, mtp.RespOK, code)
	info, err := container.DecodeObjectInfo(container.NewDecoder(payload))
	require.NoError(t, err)
	require.Equal(t, uint64(5), info.Size)
	require.Equal(t, mtp.FormatText, info.Format)
	require.Equal(t, "tmpfile", info.Filename)

	h.command(mtp.OpGetObject, 5, handle)
	code, _, payload = h.response()
	require.Equal(t, mtp.RespOK, code)
	require.Equal(t, []byte("xxxxx"), payload)

	data, err := os.ReadFile(filepath.Join(h.rootDir, "tmpfile"))
	require.NoError(t, err)
	require.Equal(t, "xxxxx", string(data))

	h.command(mtp.OpDeleteObject, 6, handle)
	code, _, _ = h.response()
	require.Equal(t, mtp.RespOK, code)

	h.command(mtp.OpGetObjectInfo, 7, handle)
	code, _, _ = h.response()
	require.Equal(t, mtp.RespInvalidObjectHandle, code)
}

func TestRenameByProperty(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	handle := h.createFile(2, "oldname", "abc")

	enc := container.NewEncoder(mtp.ContainerData, uint16(mtp.OpSetObjectPropValue), 4)
	enc.PutString("newname")
	h.command(mtp.OpSetObjectPropValue, 4, handle, uint32(mtp.PropObjectFileName))
	h.tr.frames <- enc.Finish()
	code, _, _ := h.response()
	require.Equal(t, mtp.RespOK, code)

	h.command(mtp.OpGetObjectPropValue, 5, handle, uint32(mtp.PropObjectFileName))
	code, _, payload := h.response()
	require.Equal(t, mtp.RespOK, code)
	name, err := container.NewDecoder(payload).String()
	require.NoError(t, err)
	require.Equal(t, "newname", name)

	_, err = os.Stat(filepath.Join(h.rootDir, "newname"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.rootDir, "oldname"))
	require.True(t, os.IsNotExist(err))
}

func TestObjectSizeAndPersistentUIDProperties(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	handle := h.createFile(2, "sized.txt", "xxxxx")

	// ObjectSize travels as a UINT64 on the property path, unlike the
	// ObjectInfo dataset's sentinel-bearing u32.
	h.command(mtp.OpGetObjectPropValue, 4, handle, uint32(mtp.PropObjectSize))
	code, _, payload := h.response()
	require.Equal(t, mtp.RespOK, code)
	size, err := container.NewDecoder(payload).U64()
	require.NoError(t, err)
	require.Equal(t, uint64(5), size)

	h.command(mtp.OpGetObjectPropValue, 5, handle, uint32(mtp.PropPersistentUID))
	code, _, payload = h.response()
	require.Equal(t, mtp.RespOK, code)
	require.Len(t, payload, 16)
	puoid, err := container.NewDecoder(payload).U128()
	require.NoError(t, err)
	require.NotEqual(t, container.Uint128{}, puoid)

	h.command(mtp.OpGetObjectPropDesc, 6, uint32(mtp.PropObjectSize))
	code, _, payload = h.response()
	require.Equal(t, mtp.RespOK, code)
	d := container.NewDecoder(payload)
	propCode, err := d.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(mtp.PropObjectSize), propCode)
	dataType, err := d.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(mtp.TypeUint64), dataType)
}

func TestSetObjectReferencesRejectsBadHandle(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	handle := h.createFile(2, "track.mp3", "riff")

	enc := container.NewEncoder(mtp.ContainerData, uint16(mtp.OpSetObjectReferences), 4)
	enc.PutU32Array([]uint32{0xFFFFFFFF})
	h.command(mtp.OpSetObjectReferences, 4, handle)
	h.tr.frames <- enc.Finish()
	code, _, _ := h.response()
	require.Equal(t, mtp.RespInvalidObjectReference, code)

	h.command(mtp.OpGetObjectReferences, 5, handle)
	code, _, payload := h.response()
	require.Equal(t, mtp.RespOK, code)
	refs, err := container.NewDecoder(payload).U32Array()
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestMoveToInvalidParentFails(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	handle := h.createFile(2, "keepme.txt", "data")

	// The destination parent is the file itself, which is not a
	// directory.
	h.command(mtp.OpMoveObject, 4, handle, testStorageID, handle)
	code, _, _ := h.response()
	require.Equal(t, mtp.RespInvalidParentObject, code)

	_, err := os.Stat(filepath.Join(h.rootDir, "keepme.txt"))
	require.NoError(t, err)
}

func TestBatteryLevelPropDescIsRange(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	h.command(mtp.OpGetDevicePropDesc, 2, uint32(mtp.DevPropBatteryLevel))
	code, _, payload := h.response()
	require.Equal(t, mtp.RespOK, code)

	d := container.NewDecoder(payload)
	propCode, err := d.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(mtp.DevPropBatteryLevel), propCode)
	dataType, err := d.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(mtp.TypeUint8), dataType)
	getSet, err := d.U8()
	require.NoError(t, err)
	require.Equal(t, uint8(0), getSet)
	_, err = d.U8() // factory default
	require.NoError(t, err)
	current, err := d.U8()
	require.NoError(t, err)
	require.Equal(t, uint8(80), current)
	form, err := d.U8()
	require.NoError(t, err)
	require.Equal(t, uint8(container.FormRange), form)
	min, err := d.U8()
	require.NoError(t, err)
	max, err := d.U8()
	require.NoError(t, err)
	step, err := d.U8()
	require.NoError(t, err)
	require.Equal(t, uint8(0), min)
	require.Equal(t, uint8(100), max)
	require.Equal(t, uint8(10), step)
}

func TestEditObjectPartialReadWrite(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	handle := h.createFile(2, "doc.txt", "abcdef")

	h.command(mtp.OpBeginEditObject, 4, handle)
	code, _, _ := h.response()
	require.Equal(t, mtp.RespOK, code)

	h.command(mtp.OpSendPartialObject, 5, handle, 2, 0, 2)
	h.data(mtp.OpSendPartialObject, 5, []byte("XY"))
	code, params, _ := h.response()
	require.Equal(t, mtp.RespOK, code)
	require.Equal(t, []uint32{2}, params)

	h.command(mtp.OpEndEditObject, 6, handle)
	code, _, _ = h.response()
	require.Equal(t, mtp.RespOK, code)

	h.command(mtp.OpGetPartialObject64, 7, handle, 1, 0, 4)
	code, params, payload := h.response()
	require.Equal(t, mtp.RespOK, code)
	require.Equal(t, []uint32{4}, params)
	require.Equal(t, []byte("bXYe"), payload)

	data, err := os.ReadFile(filepath.Join(h.rootDir, "doc.txt"))
	require.NoError(t, err)
	require.Equal(t, "abXYef", string(data))

	h.command(mtp.OpTruncateObject, 8, handle, 3, 0)
	code, _, _ = h.response()
	require.Equal(t, mtp.RespOK, code)
	data, err = os.ReadFile(filepath.Join(h.rootDir, "doc.txt"))
	require.NoError(t, err)
	require.Equal(t, "abX", string(data))
}

func TestGetThumbWithoutCollaborator(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	handle := h.createFile(2, "photo.jpg", "notreallyajpeg")
	h.command(mtp.OpGetThumb, 4, handle)
	code, _, _ := h.response()
	require.Equal(t, mtp.RespNoThumbnailPresent, code)
}

func TestUnknownOpcodeNotSupported(t *testing.T) {
	h := newHarness(t)
	h.openSession()

	h.command(mtp.OpCode(0x9FFF), 2)
	code, _, _ := h.response()
	require.Equal(t, mtp.RespOperationNotSupported, code)
}

func TestRegisteredExtensionIsDispatched(t *testing.T) {
	// Extensions are registered before the engine starts serving, so
	// this test builds its own engine rather than using the harness.
	dir := t.TempDir()
	rootDir := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(rootDir, 0755))

	factory := storage.NewFactory(64)
	plugin, err := storage.NewFSPlugin(storage.Config{
		StorageID:   testStorageID,
		RootPath:    rootDir,
		Description: "Internal",
		StateDir:    filepath.Join(dir, "state"),
	}, factory.AllocatorFor(testStorageID))
	require.NoError(t, err)
	factory.Register(plugin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, factory.EnumerateAll(ctx))

	engine := responder.New(factory, fakeDeviceInfo{battery: 50})
	const vendorOp = mtp.OpCode(0x9C01)
	ok := engine.RegisterExtension(vendorOp, "VendorEcho", false, func(txID uint32, params []uint32, data []byte) (mtp.ResponseCode, []uint32, *container.Encoder) {
		return mtp.RespOK, params, nil
	})
	require.True(t, ok)
	require.False(t, engine.RegisterExtension(mtp.OpGetDeviceInfo, "Clobber", false, nil))

	tr := newFakeTransport()
	go engine.Run(ctx, tr)
	t.Cleanup(func() { factory.Close() })

	h := &harness{t: t, tr: tr, rootDir: rootDir, cancel: cancel}
	h.openSession()

	h.command(vendorOp, 2, 42, 7)
	code, params, _ := h.response()
	require.Equal(t, mtp.RespOK, code)
	require.Equal(t, []uint32{42, 7}, params)
}
