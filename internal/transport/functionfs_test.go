package transport

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorsBlobLayout(t *testing.T) {
	blob := descriptorsBlob()

	require.Equal(t, uint32(ffsDescriptorsMagic), binary.LittleEndian.Uint32(blob[0:4]))
	require.Equal(t, uint32(len(blob)), binary.LittleEndian.Uint32(blob[4:8]))
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(blob[8:12]))
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(blob[12:16]))

	// Full-speed interface descriptor directly after the header:
	// still-image class, PTP subclass and protocol (spec.md §6).
	intf := blob[16 : 16+9]
	require.Equal(t, byte(9), intf[0])
	require.Equal(t, byte(usbDTInterface), intf[1])
	require.Equal(t, byte(3), intf[4])
	require.Equal(t, byte(usbClassStillImage), intf[5])
	require.Equal(t, byte(usbSubclassPTP), intf[6])
	require.Equal(t, byte(usbProtocolPTP), intf[7])

	// First endpoint: bulk-IN at address 0x81 with 64-byte full-speed
	// packets.
	ep := blob[25 : 25+7]
	require.Equal(t, byte(usbDTEndpoint), ep[1])
	require.Equal(t, byte(1|usbDirIn), ep[2])
	require.Equal(t, byte(usbXferBulk), ep[3])
	require.Equal(t, uint16(fsBulkPacketSize), binary.LittleEndian.Uint16(ep[4:6]))

	// High-speed bulk endpoints carry 512-byte packets.
	hsEp := blob[16+30+9 : 16+30+9+7]
	require.Equal(t, uint16(hsBulkPacketSize), binary.LittleEndian.Uint16(hsEp[4:6]))
}

func TestStringsBlobContainsMTP(t *testing.T) {
	blob := stringsBlob()

	require.Equal(t, uint32(ffsStringsMagic), binary.LittleEndian.Uint32(blob[0:4]))
	require.Equal(t, uint32(len(blob)), binary.LittleEndian.Uint32(blob[4:8]))
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(blob[8:12]))
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(blob[12:16]))
	require.Equal(t, uint16(langEnglishUS), binary.LittleEndian.Uint16(blob[16:18]))
	require.Equal(t, "MTP\x00", string(blob[18:]))
}

func setupEvent(bRequest byte) []byte {
	// One-byte tag, then the 8-byte USB setup request
	// (bmRequestType, bRequest, wValue, wIndex, wLength).
	return []byte{ffsEventSetup, 0x21, bRequest, 0, 0, 0, 0, 0, 0}
}

func TestCancelSetupSetsFlag(t *testing.T) {
	tr := &Transport{suspend: make(chan bool, 4)}

	require.False(t, tr.Cancelled())
	tr.handleControlEvent(setupEvent(reqCancel))
	require.True(t, tr.Cancelled())

	tr.ClearCancel()
	require.False(t, tr.Cancelled())
}

func TestDeviceResetClearsCancel(t *testing.T) {
	tr := &Transport{suspend: make(chan bool, 4)}

	tr.handleControlEvent(setupEvent(reqCancel))
	require.True(t, tr.Cancelled())
	tr.handleControlEvent(setupEvent(reqDeviceReset))
	require.False(t, tr.Cancelled())
}

func TestSuspendResumeEventsFlow(t *testing.T) {
	tr := &Transport{suspend: make(chan bool, 4)}

	tr.handleControlEvent([]byte{ffsEventSuspend})
	tr.handleControlEvent([]byte{ffsEventResume})

	require.True(t, <-tr.Suspended())
	require.False(t, <-tr.Suspended())
}

func TestTruncatedSetupEventIgnored(t *testing.T) {
	tr := &Transport{suspend: make(chan bool, 4)}

	tr.handleControlEvent([]byte{ffsEventSetup, 0x21})
	require.False(t, tr.Cancelled())
	tr.handleControlEvent(nil)
	require.False(t, tr.Cancelled())
}
