package container

import "github.com/go-mtp/mtpd/internal/mtp"

// Reassembler accumulates bulk-out packet fragments into one complete
// wire container (spec.md §4.2: "a single MTP container may span
// multiple packets, terminated either by a short packet or by exactly
// filling the announced length"). One Reassembler is reused across a
// single container's fragments and reset for the next.
type Reassembler struct {
	buf          []byte
	header       Header
	haveHeader   bool
	extraLarge   bool
	packetSize   int
}

// NewReassembler creates a reassembler for a transport whose bulk-out
// endpoint delivers packets of at most packetSize bytes.
func NewReassembler(packetSize int) *Reassembler {
	return &Reassembler{packetSize: packetSize}
}

// Reset discards any partially-assembled container, for use after a
// cancel or a malformed-container error.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.haveHeader = false
	r.extraLarge = false
}

// Feed appends one packet's bytes. It returns done=true once a full
// container has been assembled, at which point Container returns it and
// the caller should Reset before the next container.
func (r *Reassembler) Feed(packet []byte) (done bool, err error) {
	r.buf = append(r.buf, packet...)

	if !r.haveHeader {
		if len(r.buf) < mtp.HeaderSize {
			return false, nil
		}
		r.header, err = ParseHeader(r.buf)
		if err != nil {
			return false, err
		}
		r.haveHeader = true
		r.extraLarge = r.header.IsExtraLarge()
	}

	if r.extraLarge {
		// Extra-large containers terminate on a short packet: the
		// transport feeds exactly one packet at a time, so a packet
		// shorter than packetSize signals the end.
		return len(packet) < r.packetSize, nil
	}

	return uint32(len(r.buf)) >= r.header.Length, nil
}

// Header returns the header parsed so far. Valid only once Feed has
// observed at least mtp.HeaderSize bytes.
func (r *Reassembler) Header() Header {
	return r.header
}

// Container returns the fully assembled container bytes. Valid only
// after Feed has returned done=true.
func (r *Reassembler) Container() []byte {
	return r.buf
}

// Payload returns the container's payload, i.e. everything after the
// 12-byte header.
func (r *Reassembler) Payload() []byte {
	if len(r.buf) <= mtp.HeaderSize {
		return nil
	}
	return r.buf[mtp.HeaderSize:]
}
