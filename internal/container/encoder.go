package container

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
)

// minGrowStep is the minimum step the encoder's backing buffer grows by,
// per spec.md §4.1 ("auto-grows its buffer, step size at least 512
// bytes"). append() already amortizes growth; this only sets the floor
// for the initial allocation.
const minGrowStep = 512

// Encoder builds one wire container into a growable byte buffer. The
// header is reserved up front and patched by Finish.
type Encoder struct {
	buf []byte
}

// NewEncoder allocates an encoder with the given header metadata. The
// payload is built by subsequent Put* calls; Finish patches the final
// length.
func NewEncoder(t mtp.ContainerType, code uint16, transactionID uint32) *Encoder {
	capacity := minGrowStep
	e := &Encoder{buf: make([]byte, mtp.HeaderSize, capacity)}
	binary.LittleEndian.PutUint16(e.buf[4:6], uint16(t))
	binary.LittleEndian.PutUint16(e.buf[6:8], code)
	binary.LittleEndian.PutUint32(e.buf[8:12], transactionID)
	return e
}

// Finish writes the accumulated length into the header and returns the
// complete container.
func (e *Encoder) Finish() []byte {
	binary.LittleEndian.PutUint32(e.buf[0:4], uint32(len(e.buf)))
	return e.buf
}

// FinishExtraLarge pins the header length to the extra-large sentinel
// instead of the buffer's actual length, for data phases of 4 GiB or
// more whose true length the initiator already knows from a preceding
// request.
func (e *Encoder) FinishExtraLarge() []byte {
	binary.LittleEndian.PutUint32(e.buf[0:4], mtp.ExtraLargeLength)
	return e.buf
}

// Len returns the number of payload bytes written so far, excluding the
// header.
func (e *Encoder) Len() int {
	return len(e.buf) - mtp.HeaderSize
}

func (e *Encoder) PutU8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutI8(v int8) {
	e.PutU8(uint8(v))
}

func (e *Encoder) PutU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) PutI16(v int16) {
	e.PutU16(uint16(v))
}

func (e *Encoder) PutU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) PutI32(v int32) {
	e.PutU32(uint32(v))
}

func (e *Encoder) PutU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) PutI64(v int64) {
	e.PutU64(uint64(v))
}

func (e *Encoder) PutU128(v Uint128) {
	b := v.Bytes()
	e.buf = append(e.buf, b[:]...)
}

// PutBytes appends raw bytes with no length prefix, for streaming a
// GetObject data phase directly from storage.
func (e *Encoder) PutBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

// PutString encodes s as an MTP string: a one-byte code-unit count
// (including the trailing NUL; 0 means empty, no terminator) followed
// by that many UTF-16 code units. Strings that would need more than 255
// units (254 plus the NUL) are truncated from the right until they fit.
func (e *Encoder) PutString(s string) {
	if s == "" {
		e.PutU8(0)
		return
	}
	units := utf16.Encode([]rune(s))
	for len(units)+1 > 255 {
		units = units[:len(units)-1]
	}
	e.PutU8(uint8(len(units) + 1))
	for _, u := range units {
		e.PutU16(u)
	}
	e.PutU16(0)
}

func (e *Encoder) PutU8Array(vals []uint8) {
	e.PutU32(uint32(len(vals)))
	e.buf = append(e.buf, vals...)
}

func (e *Encoder) PutU16Array(vals []uint16) {
	e.PutU32(uint32(len(vals)))
	for _, v := range vals {
		e.PutU16(v)
	}
}

func (e *Encoder) PutU32Array(vals []uint32) {
	e.PutU32(uint32(len(vals)))
	for _, v := range vals {
		e.PutU32(v)
	}
}

func (e *Encoder) PutU64Array(vals []uint64) {
	e.PutU32(uint32(len(vals)))
	for _, v := range vals {
		e.PutU64(v)
	}
}

// PutVariant writes v, interpreted per dt, switching on the MTP data
// type code the way the teacher's XDR codec switches on a discriminant
// to pick a union arm.
func (e *Encoder) PutVariant(dt mtp.DataTypeCode, v any) error {
	switch dt {
	case mtp.TypeInt8:
		e.PutI8(v.(int8))
	case mtp.TypeUint8:
		e.PutU8(v.(uint8))
	case mtp.TypeInt16:
		e.PutI16(v.(int16))
	case mtp.TypeUint16:
		e.PutU16(v.(uint16))
	case mtp.TypeInt32:
		e.PutI32(v.(int32))
	case mtp.TypeUint32:
		e.PutU32(v.(uint32))
	case mtp.TypeInt64:
		e.PutI64(v.(int64))
	case mtp.TypeUint64:
		e.PutU64(v.(uint64))
	case mtp.TypeUint128, mtp.TypeInt128:
		e.PutU128(v.(Uint128))
	case mtp.TypeString:
		e.PutString(v.(string))
	case mtp.TypeAUint8, mtp.TypeAInt8:
		e.PutU8Array(v.([]uint8))
	case mtp.TypeAUint16, mtp.TypeAInt16:
		e.PutU16Array(v.([]uint16))
	case mtp.TypeAUint32, mtp.TypeAInt32:
		e.PutU32Array(v.([]uint32))
	case mtp.TypeAUint64, mtp.TypeAInt64:
		e.PutU64Array(v.([]uint64))
	default:
		return mtperr.New(mtperr.CodeUnsupportedType, "unsupported data type code in variant encode")
	}
	return nil
}
