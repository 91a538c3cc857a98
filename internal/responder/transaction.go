package responder

import (
	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/mtp"
)

// transaction carries one command through precheck, handler dispatch,
// and response encoding.
type transaction struct {
	header container.Header
	op     mtp.OpCode
	params [5]uint32
	nparam int

	// dataIn holds the whole Data container (12-byte header included)
	// the initiator sends before the response, for operations with an
	// incoming data phase (spec.md §4.1 "HasIncomingDataPhase").
	dataIn []byte
}

func (t *transaction) param(i int) uint32 {
	if i >= t.nparam {
		return 0
	}
	return t.params[i]
}

// parseParams decodes a Command container's payload: up to 5 raw
// little-endian uint32 parameters, no length prefix or type tag.
func parseParams(payload []byte) [5]uint32 {
	var out [5]uint32
	d := container.NewDecoder(payload)
	for i := 0; i < 5 && d.Remaining() >= 4; i++ {
		v, err := d.U32()
		if err != nil {
			break
		}
		out[i] = v
	}
	return out
}

func paramCount(payload []byte) int {
	n := len(payload) / 4
	if n > 5 {
		n = 5
	}
	return n
}

// result is what a handler hands back to the engine for response
// encoding: a response code, up to five response parameters, and an
// optional outgoing data-phase payload encoder already filled in.
type result struct {
	code   mtp.ResponseCode
	params []uint32
	data   *container.Encoder // non-nil when an R->I data phase is sent
}

func ok(params ...uint32) result {
	return result{code: mtp.RespOK, params: params}
}

func fail(code mtp.ResponseCode) result {
	return result{code: code}
}
