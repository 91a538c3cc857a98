package mtp

// ObjectPropCode identifies an MTP 1.1 object property (Annex D.2).
type ObjectPropCode uint16

const (
	PropStorageID           ObjectPropCode = 0xDC01
	PropObjectFormat        ObjectPropCode = 0xDC02
	PropProtectionStatus    ObjectPropCode = 0xDC03
	PropObjectSize          ObjectPropCode = 0xDC04
	PropAssociationType     ObjectPropCode = 0xDC05
	PropAssociationDesc     ObjectPropCode = 0xDC06
	PropObjectFileName      ObjectPropCode = 0xDC07
	PropDateCreated         ObjectPropCode = 0xDC08
	PropDateModified        ObjectPropCode = 0xDC09
	PropKeywords            ObjectPropCode = 0xDC0A
	PropParentObject        ObjectPropCode = 0xDC0B
	PropPersistentUID       ObjectPropCode = 0xDC41
	PropName                ObjectPropCode = 0xDC44
	PropDisplayName         ObjectPropCode = 0xDC46
)

// DevicePropCode identifies an MTP 1.1 device property (Annex D.3).
type DevicePropCode uint16

const (
	DevPropUndefined        DevicePropCode = 0x5000
	DevPropBatteryLevel     DevicePropCode = 0x5001
	DevPropDeviceFriendlyName DevicePropCode = 0xD402
	DevPropSyncPartner      DevicePropCode = 0xD401
)

// EventCode identifies an asynchronous event forwarded to the
// interrupt-in endpoint.
type EventCode uint16

const (
	EventUndefined        EventCode = 0x4000
	EventObjectAdded      EventCode = 0x4002
	EventObjectRemoved    EventCode = 0x4003
	EventStoreAdded       EventCode = 0x4004
	EventStoreRemoved     EventCode = 0x4005
	EventDevicePropChanged EventCode = 0x4006
	EventObjectInfoChanged EventCode = 0x4007
	EventDeviceInfoChanged EventCode = 0x4008
	EventStorageInfoChanged EventCode = 0x400C
	EventObjectPropChanged EventCode = 0xC801
	EventObjectPropDescChanged EventCode = 0xC802
	EventObjectReferencesChanged EventCode = 0xC803
)

// BatteryLevelMin, BatteryLevelMax, BatteryLevelStep describe the range
// form of the BatteryLevel device-property description (spec.md §4.6,
// §8 scenario 6).
const (
	BatteryLevelMin  = 0
	BatteryLevelMax  = 100
	BatteryLevelStep = 10
)
