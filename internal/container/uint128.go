package container

// Uint128 is the wire representation of an MTP UINT128 value: two
// 64-bit little-endian words, low word first. PersistentUniqueObjectID
// is the only dataset field of this type this responder exposes; the
// storage layer converts it to/from a uuid.UUID for in-memory use.
type Uint128 struct {
	Lo uint64
	Hi uint64
}

// Bytes returns the 16-byte little-endian wire encoding.
func (u Uint128) Bytes() [16]byte {
	var b [16]byte
	putU64(b[0:8], u.Lo)
	putU64(b[8:16], u.Hi)
	return b
}

// Uint128FromBytes parses the 16-byte little-endian wire encoding.
func Uint128FromBytes(b [16]byte) Uint128 {
	return Uint128{Lo: getU64(b[0:8]), Hi: getU64(b[8:16])}
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
