package responder

import (
	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/mtp"
)

// ExtensionHandler serves one vendor-extension opcode. txID is the
// request's transaction ID (needed to frame an outgoing data
// container), params are the raw request parameters, data is the
// incoming data-phase payload (nil when the extension declared no data
// phase). The returned encoder, when non-nil, is sent as the R->I data
// phase before the response.
type ExtensionHandler func(txID uint32, params []uint32, data []byte) (mtp.ResponseCode, []uint32, *container.Encoder)

// extension is one registered vendor opcode (spec.md §4.5 "Extended
// operations": extensions are consulted before falling back to
// OperationNotSupported).
type extension struct {
	name         string
	incomingData bool
	handler      ExtensionHandler
}

// RegisterExtension adds a vendor-extension opcode to the dispatch
// path. Core opcodes cannot be overridden; registering one is a no-op
// returning false. incomingData declares an I->R data phase the engine
// must collect before invoking handler.
func (e *Engine) RegisterExtension(op mtp.OpCode, name string, incomingData bool, handler ExtensionHandler) bool {
	if _, core := dispatchTable[op]; core {
		return false
	}
	if e.extensions == nil {
		e.extensions = make(map[mtp.OpCode]extension)
	}
	e.extensions[op] = extension{name: name, incomingData: incomingData, handler: handler}
	return true
}

// lookup resolves op against the core dispatch table first, then the
// vendor-extension registry, wrapping a matching extension in the
// procedure shape the engine dispatches.
func (e *Engine) lookup(op mtp.OpCode) (procedure, bool) {
	if proc, ok := dispatchTable[op]; ok {
		return proc, true
	}
	ext, ok := e.extensions[op]
	if !ok {
		return procedure{}, false
	}
	return procedure{
		Name: ext.name,
		Handler: func(_ *Engine, tx *transaction) result {
			var data []byte
			if tx.dataIn != nil {
				data = tx.dataIn[mtp.HeaderSize:]
			}
			code, params, enc := ext.handler(tx.header.TransactionID, tx.params[:tx.nparam], data)
			return result{code: code, params: params, data: enc}
		},
	}, true
}

// needsIncomingData reports whether op expects an I->R data phase,
// consulting the fixed MTP table and any registered extension.
func (e *Engine) needsIncomingData(op mtp.OpCode) bool {
	if mtp.HasIncomingDataPhase(op) {
		return true
	}
	return e.extensions[op].incomingData
}
