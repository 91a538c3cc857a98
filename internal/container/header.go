// Package container implements the MTP binary container codec: the
// 12-byte header plus little-endian payload primitives (scalars,
// strings, arrays, variants, and the ObjectInfo/property-description
// datasets), and the segmented-transfer reassembler used by the
// transport layer.
package container

import (
	"encoding/binary"

	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
)

// Header is the fixed 12-byte prefix of every wire container.
type Header struct {
	Length        uint32
	Type          mtp.ContainerType
	Code          uint16
	TransactionID uint32
}

// ParseHeader reads the 12-byte header from the front of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < mtp.HeaderSize {
		return Header{}, mtperr.New(mtperr.CodeMalformedContainer, "header shorter than 12 bytes")
	}
	return Header{
		Length:        binary.LittleEndian.Uint32(b[0:4]),
		Type:          mtp.ContainerType(binary.LittleEndian.Uint16(b[4:6])),
		Code:          binary.LittleEndian.Uint16(b[6:8]),
		TransactionID: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// IsExtraLarge reports whether the header's length field is the
// extra-large sentinel, meaning the true payload length exceeds 4 GiB
// and is known out-of-band from a preceding request.
func (h Header) IsExtraLarge() bool {
	return h.Length == mtp.ExtraLargeLength
}

// Write encodes h into the first 12 bytes of buf. buf must be at least
// mtp.HeaderSize long.
func (h Header) Write(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(h.Type))
	binary.LittleEndian.PutUint16(buf[6:8], h.Code)
	binary.LittleEndian.PutUint32(buf[8:12], h.TransactionID)
}
