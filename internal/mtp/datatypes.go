package mtp

// DataTypeCode identifies the wire representation of a property or
// dataset field (MTP 1.1 Annex E). The container codec's variant
// encode/decode switches on this.
type DataTypeCode uint16

const (
	TypeUndefined DataTypeCode = 0x0000
	TypeInt8      DataTypeCode = 0x0001
	TypeUint8     DataTypeCode = 0x0002
	TypeInt16     DataTypeCode = 0x0003
	TypeUint16    DataTypeCode = 0x0004
	TypeInt32     DataTypeCode = 0x0005
	TypeUint32    DataTypeCode = 0x0006
	TypeInt64     DataTypeCode = 0x0007
	TypeUint64    DataTypeCode = 0x0008
	TypeInt128    DataTypeCode = 0x0009
	TypeUint128   DataTypeCode = 0x000A
	TypeAInt8     DataTypeCode = 0x4001
	TypeAUint8    DataTypeCode = 0x4002
	TypeAInt16    DataTypeCode = 0x4003
	TypeAUint16   DataTypeCode = 0x4004
	TypeAInt32    DataTypeCode = 0x4005
	TypeAUint32   DataTypeCode = 0x4006
	TypeAInt64    DataTypeCode = 0x4007
	TypeAUint64   DataTypeCode = 0x4008
	TypeAInt128   DataTypeCode = 0x4009
	TypeAUint128  DataTypeCode = 0x400A
	TypeString    DataTypeCode = 0xFFFF
)

// FixedSize returns the wire size in bytes of a scalar data type, or 0
// for variable-length types (strings, arrays).
func (t DataTypeCode) FixedSize() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32:
		return 4
	case TypeInt64, TypeUint64:
		return 8
	case TypeInt128, TypeUint128:
		return 16
	default:
		return 0
	}
}

// IsArray reports whether t is one of the Axxx array variants.
func (t DataTypeCode) IsArray() bool {
	return t&0x4000 != 0 && t != TypeString
}

// AssociationType describes the sub-kind of an object with FormatAssociation.
type AssociationType uint16

const (
	AssocUndefined    AssociationType = 0x0000
	AssocGenericFolder AssociationType = 0x0001
)

// ProtectionStatus is the ObjectInfo protection-status field.
type ProtectionStatus uint16

const (
	ProtectionNone               ProtectionStatus = 0x0000
	ProtectionReadOnly           ProtectionStatus = 0x0001
	ProtectionReadOnlyData       ProtectionStatus = 0x8002
	ProtectionNonTransferableData ProtectionStatus = 0x8003
)
