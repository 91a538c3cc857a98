package responder

import (
	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
)

// RegisterEditObjectExtensions installs the edit-object vendor
// operations on top of the core MTP 1.1 table: partial reads with a
// 64-bit offset, explicit-offset partial writes, truncation, and the
// begin/end edit markers bracketing a host-side editing session.
func (e *Engine) RegisterEditObjectExtensions() {
	e.RegisterExtension(mtp.OpGetPartialObject64, "GetPartialObject64", false,
		func(txID uint32, params []uint32, _ []byte) (mtp.ResponseCode, []uint32, *container.Encoder) {
			if len(params) < 4 {
				return mtp.RespInvalidParameter, nil, nil
			}
			handle := params[0]
			offset := uint64(params[1]) | uint64(params[2])<<32
			length := params[3]
			data, err := e.factory.ReadRange(handle, offset, uint64(length))
			if err != nil {
				return mtperr.ToResponseCode(err), nil, nil
			}
			enc := container.NewEncoder(mtp.ContainerData, uint16(mtp.OpGetPartialObject64), txID)
			enc.PutBytes(data)
			return mtp.RespOK, []uint32{uint32(len(data))}, enc
		})

	e.RegisterExtension(mtp.OpSendPartialObject, "SendPartialObject", true,
		func(txID uint32, params []uint32, data []byte) (mtp.ResponseCode, []uint32, *container.Encoder) {
			if len(params) < 3 {
				return mtp.RespInvalidParameter, nil, nil
			}
			handle := params[0]
			offset := uint64(params[1]) | uint64(params[2])<<32
			if err := e.factory.WriteAt(handle, offset, data); err != nil {
				return mtperr.ToResponseCode(err), nil, nil
			}
			return mtp.RespOK, []uint32{uint32(len(data))}, nil
		})

	e.RegisterExtension(mtp.OpTruncateObject, "TruncateObject", false,
		func(txID uint32, params []uint32, _ []byte) (mtp.ResponseCode, []uint32, *container.Encoder) {
			if len(params) < 3 {
				return mtp.RespInvalidParameter, nil, nil
			}
			handle := params[0]
			size := uint64(params[1]) | uint64(params[2])<<32
			if err := e.factory.TruncateObject(handle, size); err != nil {
				return mtperr.ToResponseCode(err), nil, nil
			}
			return mtp.RespOK, nil, nil
		})

	// Begin/EndEditObject only bracket the partial writes above; the
	// storage layer keeps no per-edit state, so validating the handle
	// is the whole operation.
	editMarker := func(txID uint32, params []uint32, _ []byte) (mtp.ResponseCode, []uint32, *container.Encoder) {
		if len(params) < 1 {
			return mtp.RespInvalidParameter, nil, nil
		}
		if _, err := e.factory.GetItem(params[0]); err != nil {
			return mtperr.ToResponseCode(err), nil, nil
		}
		return mtp.RespOK, nil, nil
	}
	e.RegisterExtension(mtp.OpBeginEditObject, "BeginEditObject", false, editMarker)
	e.RegisterExtension(mtp.OpEndEditObject, "EndEditObject", false, editMarker)
}
