package transport

import (
	"bytes"
	"encoding/binary"
)

// FunctionFS setup blobs (spec.md §6 "USB descriptors"): one interface
// per speed with three endpoints (bulk-IN data, bulk-OUT data,
// interrupt-IN events), interface class 0x06 (still image), subclass
// 0x01 (PTP), protocol 0x01, and a single "MTP" string in lang 0x0409.
// Layouts follow <linux/usb/functionfs.h>'s legacy descs_head format.
const (
	ffsDescriptorsMagic = 1
	ffsStringsMagic     = 2

	usbDTInterface = 0x04
	usbDTEndpoint  = 0x05

	usbClassStillImage = 0x06
	usbSubclassPTP     = 0x01
	usbProtocolPTP     = 0x01

	usbDirIn  = 0x80
	usbDirOut = 0x00

	usbXferBulk = 0x02
	usbXferInt  = 0x03

	fsBulkPacketSize = 64
	hsBulkPacketSize = 512
	eventPacketSize  = 28

	langEnglishUS = 0x0409
	mtpString     = "MTP"
)

func putInterfaceDesc(b *bytes.Buffer) {
	b.Write([]byte{
		9, usbDTInterface,
		0, // bInterfaceNumber
		0, // bAlternateSetting
		3, // bNumEndpoints
		usbClassStillImage,
		usbSubclassPTP,
		usbProtocolPTP,
		1, // iInterface
	})
}

func putEndpointDesc(b *bytes.Buffer, address, attributes uint8, maxPacket uint16, interval uint8) {
	b.Write([]byte{7, usbDTEndpoint, address, attributes})
	var pkt [2]byte
	binary.LittleEndian.PutUint16(pkt[:], maxPacket)
	b.Write(pkt[:])
	b.WriteByte(interval)
}

// descriptorsBlob builds the full- plus high-speed descriptor set
// written to ep0 once at startup.
func descriptorsBlob() []byte {
	var body bytes.Buffer
	// Full speed: 64-byte bulk packets, slow interrupt polling.
	putInterfaceDesc(&body)
	putEndpointDesc(&body, 1|usbDirIn, usbXferBulk, fsBulkPacketSize, 0)
	putEndpointDesc(&body, 2|usbDirOut, usbXferBulk, fsBulkPacketSize, 0)
	putEndpointDesc(&body, 3|usbDirIn, usbXferInt, eventPacketSize, 255)
	// High speed: 512-byte bulk packets.
	putInterfaceDesc(&body)
	putEndpointDesc(&body, 1|usbDirIn, usbXferBulk, hsBulkPacketSize, 0)
	putEndpointDesc(&body, 2|usbDirOut, usbXferBulk, hsBulkPacketSize, 0)
	putEndpointDesc(&body, 3|usbDirIn, usbXferInt, eventPacketSize, 12)

	var blob bytes.Buffer
	head := make([]byte, 16)
	binary.LittleEndian.PutUint32(head[0:4], ffsDescriptorsMagic)
	binary.LittleEndian.PutUint32(head[4:8], uint32(16+body.Len()))
	binary.LittleEndian.PutUint32(head[8:12], 4)  // fs_count
	binary.LittleEndian.PutUint32(head[12:16], 4) // hs_count
	blob.Write(head)
	blob.Write(body.Bytes())
	return blob.Bytes()
}

// stringsBlob builds the string table: one string ("MTP") in one
// language (US English).
func stringsBlob() []byte {
	var body bytes.Buffer
	var lang [2]byte
	binary.LittleEndian.PutUint16(lang[:], langEnglishUS)
	body.Write(lang[:])
	body.WriteString(mtpString)
	body.WriteByte(0)

	var blob bytes.Buffer
	head := make([]byte, 16)
	binary.LittleEndian.PutUint32(head[0:4], ffsStringsMagic)
	binary.LittleEndian.PutUint32(head[4:8], uint32(16+body.Len()))
	binary.LittleEndian.PutUint32(head[8:12], 1)  // str_count
	binary.LittleEndian.PutUint32(head[12:16], 1) // lang_count
	blob.Write(head)
	blob.Write(body.Bytes())
	return blob.Bytes()
}
