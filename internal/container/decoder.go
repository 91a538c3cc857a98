package container

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
)

// Decoder reads payload primitives from a container's bytes, tracking a
// read cursor. Header and payload are decoded separately: callers parse
// the header with ParseHeader and construct a Decoder over the bytes
// following it.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps payload bytes for sequential reads.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// Rest returns all unread bytes without advancing the cursor.
func (d *Decoder) Rest() []byte {
	return d.buf[d.pos:]
}

func (d *Decoder) need(n int) error {
	if d.Remaining() < n {
		return mtperr.New(mtperr.CodeMalformedContainer, "truncated payload")
	}
	return nil
}

func (d *Decoder) U8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) I8() (int8, error) {
	v, err := d.U8()
	return int8(v), err
}

func (d *Decoder) U16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos : d.pos+2])
	d.pos += 2
	return v, nil
}

func (d *Decoder) I16() (int16, error) {
	v, err := d.U16()
	return int16(v), err
}

func (d *Decoder) U32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

func (d *Decoder) I32() (int32, error) {
	v, err := d.U32()
	return int32(v), err
}

func (d *Decoder) U64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

func (d *Decoder) I64() (int64, error) {
	v, err := d.U64()
	return int64(v), err
}

func (d *Decoder) U128() (Uint128, error) {
	if err := d.need(16); err != nil {
		return Uint128{}, err
	}
	var b [16]byte
	copy(b[:], d.buf[d.pos:d.pos+16])
	d.pos += 16
	return Uint128FromBytes(b), nil
}

// String decodes an MTP string: a one-byte code-unit count followed by
// that many UTF-16 code units, the last of which is a NUL terminator
// dropped from the returned string. A count of 0 is the empty string.
func (d *Decoder) String() (string, error) {
	n, err := d.U8()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if err := d.need(int(n) * 2); err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i], _ = d.U16()
	}
	if units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units)), nil
}

func (d *Decoder) U8Array() ([]uint8, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	vals := make([]uint8, n)
	copy(vals, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return vals, nil
}

func (d *Decoder) U16Array() ([]uint16, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	vals := make([]uint16, n)
	for i := range vals {
		if vals[i], err = d.U16(); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

func (d *Decoder) U32Array() ([]uint32, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	vals := make([]uint32, n)
	for i := range vals {
		if vals[i], err = d.U32(); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

func (d *Decoder) U64Array() ([]uint64, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	vals := make([]uint64, n)
	for i := range vals {
		if vals[i], err = d.U64(); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// Variant reads a value whose wire shape is determined by dt, switching
// on the MTP data type code to pick the decode arm.
func (d *Decoder) Variant(dt mtp.DataTypeCode) (any, error) {
	switch dt {
	case mtp.TypeInt8:
		return d.I8()
	case mtp.TypeUint8:
		return d.U8()
	case mtp.TypeInt16:
		return d.I16()
	case mtp.TypeUint16:
		return d.U16()
	case mtp.TypeInt32:
		return d.I32()
	case mtp.TypeUint32:
		return d.U32()
	case mtp.TypeInt64:
		return d.I64()
	case mtp.TypeUint64:
		return d.U64()
	case mtp.TypeUint128, mtp.TypeInt128:
		return d.U128()
	case mtp.TypeString:
		return d.String()
	case mtp.TypeAUint8, mtp.TypeAInt8:
		return d.U8Array()
	case mtp.TypeAUint16, mtp.TypeAInt16:
		return d.U16Array()
	case mtp.TypeAUint32, mtp.TypeAInt32:
		return d.U32Array()
	case mtp.TypeAUint64, mtp.TypeAInt64:
		return d.U64Array()
	default:
		return nil, mtperr.New(mtperr.CodeUnsupportedType, "unsupported data type code in variant decode")
	}
}
