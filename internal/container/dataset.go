package container

import "github.com/go-mtp/mtpd/internal/mtp"

// ObjectInfo is the MTP 1.1 ObjectInfo dataset (spec.md §3, §4.1). Field
// order here is the wire order fixed by the MTP 1.1 spec; Size is kept
// as a uint64 in memory and narrowed to a sentinel-bearing uint32 only
// at encode time.
type ObjectInfo struct {
	StorageID         uint32
	Format            mtp.ObjectFormatCode
	Protection        mtp.ProtectionStatus
	Size              uint64
	ThumbFormat       uint16
	ThumbSize         uint32
	ThumbWidth        uint32
	ThumbHeight       uint32
	ImageWidth        uint32
	ImageHeight       uint32
	ImageBitDepth     uint32
	Parent            uint32
	AssociationType   mtp.AssociationType
	AssociationDesc   uint32
	SequenceNumber    uint32
	Filename          string
	CaptureDate       string
	ModificationDate  string
	Keywords          string
}

// sizeToWire narrows a 64-bit in-memory size to the wire's u32 field,
// substituting the extra-large sentinel for sizes at or above 4 GiB.
func sizeToWire(size uint64) uint32 {
	if size >= 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(size)
}

// EncodeObjectInfo appends oi to e in MTP 1.1 wire order.
func EncodeObjectInfo(e *Encoder, oi ObjectInfo) {
	e.PutU32(oi.StorageID)
	e.PutU16(uint16(oi.Format))
	e.PutU16(uint16(oi.Protection))
	e.PutU32(sizeToWire(oi.Size))
	e.PutU16(oi.ThumbFormat)
	e.PutU32(oi.ThumbSize)
	e.PutU32(oi.ThumbWidth)
	e.PutU32(oi.ThumbHeight)
	e.PutU32(oi.ImageWidth)
	e.PutU32(oi.ImageHeight)
	e.PutU32(oi.ImageBitDepth)
	e.PutU32(oi.Parent)
	e.PutU16(uint16(oi.AssociationType))
	e.PutU32(oi.AssociationDesc)
	e.PutU32(oi.SequenceNumber)
	e.PutString(oi.Filename)
	e.PutString(oi.CaptureDate)
	e.PutString(oi.ModificationDate)
	e.PutString(oi.Keywords)
}

// DecodeObjectInfo reads an ObjectInfo dataset from d. The wire size
// sentinel (0xFFFFFFFF) is passed through as-is; callers that need the
// true size for an object already at or above 4 GiB must track it
// separately (the dataset alone cannot recover it).
func DecodeObjectInfo(d *Decoder) (ObjectInfo, error) {
	var oi ObjectInfo
	var err error

	if oi.StorageID, err = d.U32(); err != nil {
		return oi, err
	}
	var u16 uint16
	if u16, err = d.U16(); err != nil {
		return oi, err
	}
	oi.Format = mtp.ObjectFormatCode(u16)
	if u16, err = d.U16(); err != nil {
		return oi, err
	}
	oi.Protection = mtp.ProtectionStatus(u16)
	var u32 uint32
	if u32, err = d.U32(); err != nil {
		return oi, err
	}
	oi.Size = uint64(u32)
	if oi.ThumbFormat, err = d.U16(); err != nil {
		return oi, err
	}
	if oi.ThumbSize, err = d.U32(); err != nil {
		return oi, err
	}
	if oi.ThumbWidth, err = d.U32(); err != nil {
		return oi, err
	}
	if oi.ThumbHeight, err = d.U32(); err != nil {
		return oi, err
	}
	if oi.ImageWidth, err = d.U32(); err != nil {
		return oi, err
	}
	if oi.ImageHeight, err = d.U32(); err != nil {
		return oi, err
	}
	if oi.ImageBitDepth, err = d.U32(); err != nil {
		return oi, err
	}
	if oi.Parent, err = d.U32(); err != nil {
		return oi, err
	}
	if u16, err = d.U16(); err != nil {
		return oi, err
	}
	oi.AssociationType = mtp.AssociationType(u16)
	if oi.AssociationDesc, err = d.U32(); err != nil {
		return oi, err
	}
	if oi.SequenceNumber, err = d.U32(); err != nil {
		return oi, err
	}
	if oi.Filename, err = d.String(); err != nil {
		return oi, err
	}
	if oi.CaptureDate, err = d.String(); err != nil {
		return oi, err
	}
	if oi.ModificationDate, err = d.String(); err != nil {
		return oi, err
	}
	if oi.Keywords, err = d.String(); err != nil {
		return oi, err
	}
	return oi, nil
}

// FormFlag selects the optional range/enumeration form appended to a
// property description.
type FormFlag uint8

const (
	FormNone FormFlag = 0
	FormRange FormFlag = 1
	FormEnum FormFlag = 2
)

// PropDesc is the shared shape of ObjectPropDesc and DevicePropDesc
// datasets (MTP 1.1 Annex D). GroupCode is only meaningful for object
// property descriptions; CurrentValue is only meaningful for device
// property descriptions.
type PropDesc struct {
	PropCode     uint16
	DataType     mtp.DataTypeCode
	GetSet       uint8
	DefaultValue any
	CurrentValue any
	GroupCode    uint32
	Form         FormFlag
	RangeMin     any
	RangeMax     any
	RangeStep    any
	EnumValues   []any
}

// EncodeObjectPropDesc writes an ObjectPropDesc dataset: PropertyCode,
// DataType, GetSet, DefaultValue, GroupCode, then the form.
func EncodeObjectPropDesc(e *Encoder, pd PropDesc) error {
	e.PutU16(pd.PropCode)
	e.PutU16(uint16(pd.DataType))
	e.PutU8(pd.GetSet)
	if err := e.PutVariant(pd.DataType, pd.DefaultValue); err != nil {
		return err
	}
	e.PutU32(pd.GroupCode)
	return encodeForm(e, pd)
}

// EncodeDevicePropDesc writes a DevicePropDesc dataset: DevicePropertyCode,
// DataType, GetSet, FactoryDefault, CurrentValue, then the form.
func EncodeDevicePropDesc(e *Encoder, pd PropDesc) error {
	e.PutU16(pd.PropCode)
	e.PutU16(uint16(pd.DataType))
	e.PutU8(pd.GetSet)
	if err := e.PutVariant(pd.DataType, pd.DefaultValue); err != nil {
		return err
	}
	if err := e.PutVariant(pd.DataType, pd.CurrentValue); err != nil {
		return err
	}
	return encodeForm(e, pd)
}

func encodeForm(e *Encoder, pd PropDesc) error {
	e.PutU8(uint8(pd.Form))
	switch pd.Form {
	case FormRange:
		if err := e.PutVariant(pd.DataType, pd.RangeMin); err != nil {
			return err
		}
		if err := e.PutVariant(pd.DataType, pd.RangeMax); err != nil {
			return err
		}
		if err := e.PutVariant(pd.DataType, pd.RangeStep); err != nil {
			return err
		}
	case FormEnum:
		e.PutU16(uint16(len(pd.EnumValues)))
		for _, v := range pd.EnumValues {
			if err := e.PutVariant(pd.DataType, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// BatteryLevelPropDesc builds the PropDesc for the BatteryLevel device
// property: a UINT8 range 0..100 step 10 (spec.md §4.6, §8 scenario 6).
func BatteryLevelPropDesc(current uint8) PropDesc {
	return PropDesc{
		PropCode:     uint16(mtp.DevPropBatteryLevel),
		DataType:     mtp.TypeUint8,
		GetSet:       0,
		DefaultValue: uint8(mtp.BatteryLevelMax),
		CurrentValue: current,
		Form:         FormRange,
		RangeMin:     uint8(mtp.BatteryLevelMin),
		RangeMax:     uint8(mtp.BatteryLevelMax),
		RangeStep:    uint8(mtp.BatteryLevelStep),
	}
}
