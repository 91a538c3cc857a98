package storage

import (
	"encoding/binary"
	"fmt"
)

// PUOID is a 128-bit persistent unique object identifier, stable across
// sessions (spec.md §3 "StorageItem", §4.3 "Handle & PUOID allocation").
// Allocation is a monotonic counter, not a random value, so that the
// ordering itself needs no extra bookkeeping; only the largest allocated
// value must be persisted.
type PUOID struct {
	Hi uint64
	Lo uint64
}

// ZeroPUOID is the unallocated sentinel, used as the initial counter
// value before any object has been assigned a PUOID.
var ZeroPUOID = PUOID{}

// Next returns the PUOID immediately following p, wrapping Lo into Hi on
// overflow.
func (p PUOID) Next() PUOID {
	lo := p.Lo + 1
	hi := p.Hi
	if lo == 0 {
		hi++
	}
	return PUOID{Hi: hi, Lo: lo}
}

// Less reports whether p sorts before other, for tracking the largest
// allocated value.
func (p PUOID) Less(other PUOID) bool {
	if p.Hi != other.Hi {
		return p.Hi < other.Hi
	}
	return p.Lo < other.Lo
}

func (p PUOID) String() string {
	return fmt.Sprintf("%016x%016x", p.Hi, p.Lo)
}

// Bytes returns the 16-byte big-endian encoding used as a Badger value
// and as the MTP UINT128 PersistentUniqueObjectIdentifier property.
func (p PUOID) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], p.Hi)
	binary.BigEndian.PutUint64(b[8:16], p.Lo)
	return b
}

// PUOIDFromBytes parses the 16-byte big-endian encoding.
func PUOIDFromBytes(b []byte) (PUOID, error) {
	if len(b) != 16 {
		return PUOID{}, fmt.Errorf("puoid: want 16 bytes, got %d", len(b))
	}
	return PUOID{
		Hi: binary.BigEndian.Uint64(b[0:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}
