package responder

import (
	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/mtp"
)

// DeviceInfoProvider is the subset of internal/deviceinfo.Provider the
// responder depends on, kept as a local interface so this package
// never imports deviceinfo directly (spec.md §4.6 is wired in by
// cmd/mtpd at construction time).
type DeviceInfoProvider interface {
	// EncodeDeviceInfo appends the GetDeviceInfo dataset to e.
	EncodeDeviceInfo(e *container.Encoder)
	GetDevicePropDesc(code mtp.DevicePropCode) (container.PropDesc, error)
	GetDevicePropValue(code mtp.DevicePropCode) (any, error)
	SetDevicePropValue(code mtp.DevicePropCode, value any) error
}
