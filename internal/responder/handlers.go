package responder

import (
	"context"
	"io"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/storage"
)

// procedure pairs a handler with a display name, the same shape the
// teacher's NFS dispatch table uses for its opcode -> handler map.
type procedure struct {
	Name    string
	Handler func(e *Engine, tx *transaction) result
}

var dispatchTable = map[mtp.OpCode]procedure{
	mtp.OpGetDeviceInfo:          {"GetDeviceInfo", handleGetDeviceInfo},
	mtp.OpOpenSession:            {"OpenSession", handleOpenSession},
	mtp.OpCloseSession:           {"CloseSession", handleCloseSession},
	mtp.OpGetStorageIDs:          {"GetStorageIDs", handleGetStorageIDs},
	mtp.OpGetStorageInfo:         {"GetStorageInfo", handleGetStorageInfo},
	mtp.OpGetNumObjects:          {"GetNumObjects", handleGetNumObjects},
	mtp.OpGetObjectHandles:       {"GetObjectHandles", handleGetObjectHandles},
	mtp.OpGetObjectInfo:          {"GetObjectInfo", handleGetObjectInfo},
	mtp.OpGetObject:              {"GetObject", handleGetObject},
	mtp.OpGetThumb:               {"GetThumb", handleGetThumb},
	mtp.OpGetPartialObject:       {"GetPartialObject", handleGetPartialObject},
	mtp.OpDeleteObject:           {"DeleteObject", handleDeleteObject},
	mtp.OpSendObjectInfo:         {"SendObjectInfo", handleSendObjectInfo},
	mtp.OpSendObject:             {"SendObject", handleSendObject},
	mtp.OpMoveObject:             {"MoveObject", handleMoveObject},
	mtp.OpCopyObject:             {"CopyObject", handleCopyObject},
	mtp.OpGetDevicePropDesc:      {"GetDevicePropDesc", handleGetDevicePropDesc},
	mtp.OpGetDevicePropValue:     {"GetDevicePropValue", handleGetDevicePropValue},
	mtp.OpSetDevicePropValue:     {"SetDevicePropValue", handleSetDevicePropValue},
	mtp.OpGetObjectPropValue:     {"GetObjectPropValue", handleGetObjectPropValue},
	mtp.OpSetObjectPropValue:     {"SetObjectPropValue", handleSetObjectPropValue},
	mtp.OpGetObjectPropList:      {"GetObjectPropList", handleGetObjectPropList},
	mtp.OpSendObjectPropList:     {"SendObjectPropList", handleSendObjectPropList},
	mtp.OpGetObjectPropsSupported: {"GetObjectPropsSupported", handleGetObjectPropsSupported},
	mtp.OpGetObjectPropDesc:      {"GetObjectPropDesc", handleGetObjectPropDesc},
	mtp.OpGetObjectReferences:    {"GetObjectReferences", handleGetObjectReferences},
	mtp.OpSetObjectReferences:    {"SetObjectReferences", handleSetObjectReferences},
}

func handleGetDeviceInfo(e *Engine, tx *transaction) result {
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	e.deviceInfo.EncodeDeviceInfo(enc)
	return result{code: mtp.RespOK, data: enc}
}

func handleOpenSession(e *Engine, tx *transaction) result {
	if e.sess.open {
		// Parameter 0 of the failure response carries the currently open
		// session ID (spec.md §4.5 "Session rules").
		return result{code: mtp.RespSessionAlreadyOpen, params: []uint32{e.sess.id}}
	}
	e.sess.open = true
	e.sess.id = tx.param(0)
	e.sess.noteOpen(tx.header.TransactionID)
	return ok()
}

func handleCloseSession(e *Engine, tx *transaction) result {
	if !e.sess.open {
		return fail(mtp.RespSessionNotOpen)
	}
	e.sess.reset()
	return ok()
}

func handleGetStorageIDs(e *Engine, tx *transaction) result {
	ids := e.factory.StorageIDs()
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	enc.PutU32Array(ids)
	return result{code: mtp.RespOK, data: enc}
}

func handleGetStorageInfo(e *Engine, tx *transaction) result {
	info, err := e.factory.StorageInfo(tx.param(0))
	if err != nil {
		return respond(err)
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	storageType := uint16(0x0003) // FixedRAM
	if info.Kind == storage.KindRemovable {
		storageType = 0x0004 // RemovableRAM
	}
	access := uint16(0x0000)
	if info.Access == storage.AccessReadOnly {
		access = 0x0001
	}
	enc.PutU16(storageType)
	enc.PutU16(0x0002) // filesystem type: generic hierarchical
	enc.PutU16(access)
	enc.PutU64(info.Capacity)
	enc.PutU64(info.FreeSpace)
	enc.PutU32(0xFFFFFFFF) // free space in objects: not tracked
	enc.PutString(info.Description)
	enc.PutString(info.FilesystemUUID)
	return result{code: mtp.RespOK, data: enc}
}

func handleGetNumObjects(e *Engine, tx *transaction) result {
	handles, err := objectHandles(e, tx.param(0), tx.param(2))
	if err != nil {
		return respond(err)
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	enc.PutU32(uint32(len(handles)))
	return result{code: mtp.RespOK, data: enc}
}

func handleGetObjectHandles(e *Engine, tx *transaction) result {
	handles, err := objectHandles(e, tx.param(0), tx.param(2))
	if err != nil {
		return respond(err)
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	enc.PutU32Array(handles)
	return result{code: mtp.RespOK, data: enc}
}

// objectHandles resolves GetObjectHandles/GetNumObjects' parent
// parameter: 0x00000000 means the storage root, 0xFFFFFFFF means every
// object in the storage (flattened), per MTP 1.1 §10.2.3.
func objectHandles(e *Engine, storageID, parent uint32) ([]uint32, error) {
	if parent == 0xFFFFFFFF {
		var all []uint32
		var walk func(p uint32) error
		walk = func(p uint32) error {
			children, err := e.factory.Children(storageID, p)
			if err != nil {
				return err
			}
			for _, c := range children {
				all = append(all, c.Handle)
				if c.IsDir {
					if err := walk(c.Handle); err != nil {
						return err
					}
				}
			}
			return nil
		}
		if err := walk(0); err != nil {
			return nil, err
		}
		return all, nil
	}
	children, err := e.factory.Children(storageID, parent)
	if err != nil {
		return nil, err
	}
	handles := make([]uint32, len(children))
	for i, c := range children {
		handles[i] = c.Handle
	}
	return handles, nil
}

func handleGetObjectInfo(e *Engine, tx *transaction) result {
	item, err := e.factory.GetItem(tx.param(0))
	if err != nil {
		return respond(err)
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	container.EncodeObjectInfo(enc, item.Info)
	return result{code: mtp.RespOK, data: enc}
}

// bulkInWriter streams a GetObject data phase directly from storage to
// the bulk-in endpoint, writing the 12-byte container header ahead of
// the first chunk instead of buffering the whole object in memory
// (spec.md §4.5 "Segmented send").
type bulkInWriter struct {
	t         Transport
	header    []byte
	wroteHead bool
}

func (w *bulkInWriter) Write(p []byte) (int, error) {
	if !w.wroteHead {
		buf := append(append([]byte(nil), w.header...), p...)
		if err := w.t.WriteBulkIn(buf); err != nil {
			return 0, err
		}
		w.wroteHead = true
		return len(p), nil
	}
	if err := w.t.WriteBulkIn(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func handleGetObject(e *Engine, tx *transaction) result {
	item, err := e.factory.GetItem(tx.param(0))
	if err != nil {
		return respond(err)
	}

	header := make([]byte, mtp.HeaderSize)
	h := container.Header{Type: mtp.ContainerData, Code: uint16(tx.op), TransactionID: tx.header.TransactionID}
	if item.Info.Size >= uint64(mtp.ExtraLargeLength) {
		h.Length = mtp.ExtraLargeLength
	} else {
		h.Length = uint32(mtp.HeaderSize) + uint32(item.Info.Size)
	}
	h.Write(header)

	w := &bulkInWriter{t: e.transport, header: header}
	cancel := storage.CancelFunc(e.transport.Cancelled)
	if err := e.factory.StreamRead(item.Handle, w, cancel); err != nil {
		return respond(err)
	}
	if !w.wroteHead {
		// Zero-length object: still need to emit the header on its own.
		if werr := e.transport.WriteBulkIn(header); werr != nil {
			return respond(werr)
		}
	}
	return ok()
}

func handleGetPartialObject(e *Engine, tx *transaction) result {
	handle, offset, length := tx.param(0), tx.param(1), tx.param(2)
	data, err := e.factory.ReadRange(handle, uint64(offset), uint64(length))
	if err != nil {
		return respond(err)
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	enc.PutBytes(data)
	return result{code: mtp.RespOK, params: []uint32{uint32(len(data))}, data: enc}
}

func handleGetThumb(e *Engine, tx *transaction) result {
	item, err := e.factory.GetItem(tx.param(0))
	if err != nil {
		return respond(err)
	}
	if e.thumbnailer == nil {
		return fail(mtp.RespNoThumbnailPresent)
	}
	thumb, err := e.thumbnailer.GenerateThumbnail(context.Background(), item.Path, uint16(item.Info.Format))
	if err != nil || len(thumb) == 0 {
		return fail(mtp.RespNoThumbnailPresent)
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	enc.PutBytes(thumb)
	return result{code: mtp.RespOK, data: enc}
}

func handleDeleteObject(e *Engine, tx *transaction) result {
	handle := tx.param(0)
	var formatFilter *mtp.ObjectFormatCode
	if tx.nparam > 1 {
		if f := mtp.ObjectFormatCode(tx.param(1)); f != 0 {
			formatFilter = &f
		}
	}
	err := e.factory.DeleteObject(handle, 0xFFFFFFFF, formatFilter)
	return respond(err)
}

func handleSendObjectInfo(e *Engine, tx *transaction) result {
	storageID, parent := tx.param(0), tx.param(1)
	d := container.NewDecoder(tx.dataIn[mtp.HeaderSize:])
	info, err := container.DecodeObjectInfo(d)
	if err != nil {
		return fail(mtp.RespInvalidDataset)
	}
	if storageID == 0 {
		ids := e.factory.StorageIDs()
		if len(ids) == 0 {
			return fail(mtp.RespStoreNotAvailable)
		}
		storageID = ids[0]
	}
	info.StorageID = storageID
	info.Parent = parent
	item, err := e.factory.AddItem(storageID, parent, info)
	if err != nil {
		return respond(err)
	}
	e.sess.lastSentObject = item.Handle
	return ok(storageID, parent, item.Handle)
}

func handleSendObject(e *Engine, tx *transaction) result {
	// The most recently created handle from SendObjectInfo is carried
	// implicitly by MTP's transaction pairing; the engine tracks it on
	// the session for the duration of a single Idle->WaitData->Idle cycle.
	handle := e.sess.lastSentObject
	if handle == 0 {
		return fail(mtp.RespNoValidObjectInfo)
	}
	payload := tx.dataIn[mtp.HeaderSize:]
	if err := e.factory.WriteSegment(handle, true, true, payload); err != nil {
		return respond(err)
	}
	return ok()
}

func handleMoveObject(e *Engine, tx *transaction) result {
	handle, destStorageID, newParent := tx.param(0), tx.param(1), tx.param(2)
	cancel := storage.CancelFunc(e.transport.Cancelled)
	err := e.factory.MoveObject(context.Background(), handle, newParent, destStorageID, cancel)
	return respond(err)
}

func handleCopyObject(e *Engine, tx *transaction) result {
	handle, destStorageID, newParent := tx.param(0), tx.param(1), tx.param(2)
	cancel := storage.CancelFunc(e.transport.Cancelled)
	item, err := e.factory.CopyObject(context.Background(), handle, newParent, destStorageID, cancel)
	if err != nil {
		return respond(err)
	}
	return ok(item.Handle)
}

func handleGetDevicePropDesc(e *Engine, tx *transaction) result {
	prop := mtp.DevicePropCode(tx.param(0))
	pd, err := e.deviceInfo.GetDevicePropDesc(prop)
	if err != nil {
		return respond(err)
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	if err := container.EncodeDevicePropDesc(enc, pd); err != nil {
		return fail(mtp.RespInvalidDevicePropFormat)
	}
	return result{code: mtp.RespOK, data: enc}
}

func handleGetDevicePropValue(e *Engine, tx *transaction) result {
	prop := mtp.DevicePropCode(tx.param(0))
	v, err := e.deviceInfo.GetDevicePropValue(prop)
	if err != nil {
		return respond(err)
	}
	pd, _ := e.deviceInfo.GetDevicePropDesc(prop)
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	if err := enc.PutVariant(pd.DataType, v); err != nil {
		return fail(mtp.RespInvalidDevicePropFormat)
	}
	return result{code: mtp.RespOK, data: enc}
}

func handleSetDevicePropValue(e *Engine, tx *transaction) result {
	prop := mtp.DevicePropCode(tx.param(0))
	pd, err := e.deviceInfo.GetDevicePropDesc(prop)
	if err != nil {
		return respond(err)
	}
	d := container.NewDecoder(tx.dataIn[mtp.HeaderSize:])
	v, err := d.Variant(pd.DataType)
	if err != nil {
		return fail(mtp.RespInvalidDevicePropFormat)
	}
	if err := e.deviceInfo.SetDevicePropValue(prop, v); err != nil {
		return respond(err)
	}
	return ok()
}

func handleGetObjectPropValue(e *Engine, tx *transaction) result {
	handle, prop := tx.param(0), mtp.ObjectPropCode(tx.param(1))
	v, err := e.factory.GetObjectPropertyValue(handle, prop)
	if err != nil {
		return respond(err)
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	if err := enc.PutVariant(dataTypeOf(prop), v); err != nil {
		return fail(mtp.RespInvalidObjectPropFormat)
	}
	return result{code: mtp.RespOK, data: enc}
}

func handleSetObjectPropValue(e *Engine, tx *transaction) result {
	handle, prop := tx.param(0), mtp.ObjectPropCode(tx.param(1))
	d := container.NewDecoder(tx.dataIn[mtp.HeaderSize:])
	v, err := d.Variant(dataTypeOf(prop))
	if err != nil {
		return fail(mtp.RespInvalidObjectPropFormat)
	}
	if err := e.factory.SetObjectPropertyValue(handle, prop, v); err != nil {
		return respond(err)
	}
	return ok()
}

func handleGetObjectPropsSupported(e *Engine, tx *transaction) result {
	supported := []uint16{
		uint16(mtp.PropStorageID), uint16(mtp.PropObjectFormat), uint16(mtp.PropProtectionStatus),
		uint16(mtp.PropObjectSize), uint16(mtp.PropAssociationType), uint16(mtp.PropAssociationDesc),
		uint16(mtp.PropObjectFileName), uint16(mtp.PropDateCreated), uint16(mtp.PropDateModified),
		uint16(mtp.PropKeywords), uint16(mtp.PropParentObject), uint16(mtp.PropPersistentUID),
		uint16(mtp.PropName), uint16(mtp.PropDisplayName),
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	enc.PutU16Array(supported)
	return result{code: mtp.RespOK, data: enc}
}

func handleGetObjectPropDesc(e *Engine, tx *transaction) result {
	prop := mtp.ObjectPropCode(tx.param(0))
	dt := dataTypeOf(prop)
	pd := container.PropDesc{PropCode: uint16(prop), DataType: dt, GetSet: getSetOf(prop), DefaultValue: zeroValueOf(dt)}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	if err := container.EncodeObjectPropDesc(enc, pd); err != nil {
		return fail(mtp.RespInvalidObjectPropFormat)
	}
	return result{code: mtp.RespOK, data: enc}
}

// handleGetObjectPropList serves a single object's properties, or, when
// the handle names a directory, mass-queries every child through the
// factory's property cache (spec.md §4.3/§4.4 "mass query").
func handleGetObjectPropList(e *Engine, tx *transaction) result {
	handle := tx.param(0)
	propParam := tx.param(2)
	var props []mtp.ObjectPropCode
	if propParam == 0xFFFFFFFF || propParam == 0 {
		props = []mtp.ObjectPropCode{mtp.PropObjectFormat, mtp.PropObjectSize, mtp.PropObjectFileName, mtp.PropParentObject}
	} else {
		props = []mtp.ObjectPropCode{mtp.ObjectPropCode(propParam)}
	}

	item, err := e.factory.GetItem(handle)
	if err != nil {
		return respond(err)
	}

	values := make(map[uint32]map[mtp.ObjectPropCode]any)
	if item.IsDir {
		values, err = e.factory.GetChildPropertyValues(item.Info.StorageID, handle, props)
		if err != nil {
			return respond(err)
		}
	} else {
		perHandle := make(map[mtp.ObjectPropCode]any)
		for _, p := range props {
			if v, verr := e.factory.GetObjectPropertyValue(handle, p); verr == nil {
				perHandle[p] = v
			}
		}
		values[handle] = perHandle
	}

	type entry struct {
		handle uint32
		prop   mtp.ObjectPropCode
		value  any
	}
	var entries []entry
	for h, propValues := range values {
		for _, p := range props {
			if v, ok := propValues[p]; ok {
				entries = append(entries, entry{h, p, v})
			}
		}
	}

	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	enc.PutU32(uint32(len(entries)))
	for _, en := range entries {
		enc.PutU32(en.handle)
		enc.PutU16(uint16(en.prop))
		enc.PutU16(uint16(dataTypeOf(en.prop)))
		enc.PutVariant(dataTypeOf(en.prop), en.value)
	}
	return result{code: mtp.RespOK, data: enc}
}

func handleSendObjectPropList(e *Engine, tx *transaction) result {
	storageID, parent := tx.param(0), tx.param(1)
	d := container.NewDecoder(tx.dataIn[mtp.HeaderSize:])
	count, err := d.U32()
	if err != nil {
		return fail(mtp.RespInvalidDataset)
	}
	info := container.ObjectInfo{StorageID: storageID, Parent: parent}
	for i := uint32(0); i < count; i++ {
		if _, err := d.U32(); err != nil { // handle placeholder, always 0
			return fail(mtp.RespInvalidDataset)
		}
		propCode, err := d.U16()
		if err != nil {
			return fail(mtp.RespInvalidDataset)
		}
		dt, err := d.U16()
		if err != nil {
			return fail(mtp.RespInvalidDataset)
		}
		v, err := d.Variant(mtp.DataTypeCode(dt))
		if err != nil {
			return fail(mtp.RespInvalidDataset)
		}
		switch mtp.ObjectPropCode(propCode) {
		case mtp.PropObjectFileName, mtp.PropName:
			if s, ok := v.(string); ok {
				info.Filename = s
			}
		case mtp.PropObjectFormat:
			if n, ok := v.(uint16); ok {
				info.Format = mtp.ObjectFormatCode(n)
			}
		case mtp.PropObjectSize:
			switch n := v.(type) {
			case uint32:
				info.Size = uint64(n)
			case uint64:
				info.Size = n
			}
		}
	}
	if info.Filename == "" {
		return fail(mtp.RespInvalidDataset)
	}
	item, err := e.factory.AddItem(storageID, parent, info)
	if err != nil {
		return respond(err)
	}
	e.sess.lastSentObject = item.Handle
	return ok(storageID, parent, item.Handle)
}

func handleGetObjectReferences(e *Engine, tx *transaction) result {
	refs, err := e.factory.GetReferences(tx.param(0))
	if err != nil {
		return respond(err)
	}
	enc := container.NewEncoder(mtp.ContainerData, uint16(tx.op), tx.header.TransactionID)
	enc.PutU32Array(refs)
	return result{code: mtp.RespOK, data: enc}
}

func handleSetObjectReferences(e *Engine, tx *transaction) result {
	handle := tx.param(0)
	d := container.NewDecoder(tx.dataIn[mtp.HeaderSize:])
	refs, err := d.U32Array()
	if err != nil {
		return fail(mtp.RespInvalidDataset)
	}
	if err := e.factory.SetReferences(handle, refs); err != nil {
		return respond(err)
	}
	return ok()
}

// dataTypeOf and getSetOf give every object property a fixed data type
// and read/write capability, since this responder's property set is
// the fixed MTP 1.1 base set rather than a vendor extension.
func dataTypeOf(prop mtp.ObjectPropCode) mtp.DataTypeCode {
	switch prop {
	case mtp.PropStorageID, mtp.PropAssociationDesc, mtp.PropParentObject:
		return mtp.TypeUint32
	case mtp.PropObjectSize:
		// ObjectSize is UINT64 on the property path; only the
		// ObjectInfo dataset narrows it to a sentinel-bearing u32.
		return mtp.TypeUint64
	case mtp.PropObjectFormat, mtp.PropProtectionStatus, mtp.PropAssociationType:
		return mtp.TypeUint16
	case mtp.PropPersistentUID:
		return mtp.TypeUint128
	default:
		return mtp.TypeString
	}
}

// zeroValueOf returns the variant-encodable zero value for dt, for
// property descriptions whose factory default is "empty".
func zeroValueOf(dt mtp.DataTypeCode) any {
	switch dt {
	case mtp.TypeUint8:
		return uint8(0)
	case mtp.TypeUint16:
		return uint16(0)
	case mtp.TypeUint32:
		return uint32(0)
	case mtp.TypeUint64:
		return uint64(0)
	case mtp.TypeUint128:
		return container.Uint128{}
	default:
		return ""
	}
}

func getSetOf(prop mtp.ObjectPropCode) uint8 {
	switch prop {
	case mtp.PropObjectFileName, mtp.PropName, mtp.PropKeywords:
		return 1
	default:
		return 0
	}
}

var _ io.Writer = (*bulkInWriter)(nil)
