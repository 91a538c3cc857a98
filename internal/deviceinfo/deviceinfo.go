// Package deviceinfo reads deviceinfo.xml and serves the GetDeviceInfo
// dataset and the device property descriptions/values the responder
// needs (spec.md §4.6). Friendly name and serial number are overridden
// by platform-probed values on first run and then persisted back to
// the XML file; every later write rewrites the file whole rather than
// patching it in place (spec.md §9 "Mutable configuration").
package deviceinfo

import (
	"encoding/xml"
	"os"
	"sync"
	"time"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/events"
	"github.com/go-mtp/mtpd/internal/logger"
	"github.com/go-mtp/mtpd/internal/mtp"
	"github.com/go-mtp/mtpd/internal/mtperr"
)

// config is the on-disk shape of deviceinfo.xml.
type config struct {
	XMLName                xml.Name `xml:"deviceinfo"`
	VendorExtensionID      uint32   `xml:"vendorExtensionID"`
	VendorExtensionVersion uint16   `xml:"vendorExtensionVersion"`
	VendorExtensionDesc    string   `xml:"vendorExtensionDesc"`
	FunctionalMode         uint16   `xml:"functionalMode"`
	Manufacturer           string   `xml:"manufacturer"`
	Model                  string   `xml:"model"`
	DeviceVersion          string   `xml:"deviceVersion"`
	SerialNumber           string   `xml:"serialNumber"`
	FriendlyName           string   `xml:"friendlyName"`
	SyncPartner            string   `xml:"syncPartner"`
	Overridden             bool     `xml:"platformOverrideApplied"`

	OperationsSupported []uint16 `xml:"operationsSupported>code"`
	EventsSupported     []uint16 `xml:"eventsSupported>code"`
	DevicePropsSupported []uint16 `xml:"devicePropertiesSupported>code"`
	CaptureFormats      []uint16 `xml:"captureFormats>code"`
	ImageFormats        []uint16 `xml:"imageFormats>code"`
}

// PlatformProbe supplies platform-sourced overrides for static config
// values (spec.md §1 "Out of scope ... device-info discovery from
// platform services"); internal/collab's gRPC client is the production
// implementation, kept behind this narrow interface so deviceinfo never
// imports collab directly.
type PlatformProbe interface {
	FriendlyName() (string, bool)
	SerialNumber() (string, bool)
	BatteryLevel() (uint8, bool)
}

// Provider owns the mutable device-info state: the parsed config, the
// live friendly-name/sync-partner/battery values, and the file path
// changes are persisted to.
type Provider struct {
	path string
	bus  *events.Bus
	mu   sync.RWMutex
	cfg  config

	battery       uint8
	lastPublished uint8
}

// Load reads path, applies a first-run platform override if probe is
// non-nil and the override has not already been applied, and returns a
// ready Provider.
func Load(path string, probe PlatformProbe, bus *events.Bus) (*Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var cfg config
	err = xml.NewDecoder(f).Decode(&cfg)
	f.Close()
	if err != nil {
		return nil, err
	}

	p := &Provider{path: path, bus: bus, cfg: cfg, battery: mtp.BatteryLevelMax}

	if probe != nil {
		changed := false
		if !cfg.Overridden {
			if name, ok := probe.FriendlyName(); ok && name != "" {
				p.cfg.FriendlyName = name
				changed = true
			}
			if serial, ok := probe.SerialNumber(); ok && serial != "" {
				p.cfg.SerialNumber = serial
				changed = true
			}
			p.cfg.Overridden = true
			changed = true
		}
		if level, ok := probe.BatteryLevel(); ok {
			p.battery = level
			p.lastPublished = level
		}
		if changed {
			if err := p.persist(); err != nil {
				logger.Warn("deviceinfo persist failed", logger.Path(path), logger.Err(err))
			}
		}
	}

	if probe != nil {
		go p.pollBattery(probe)
	}
	return p, nil
}

// pollBattery periodically re-reads the platform battery level,
// publishing DevicePropChanged only when it has moved by 10 points or
// more (spec.md §4.6 "10%+ deltas for battery").
func (p *Provider) pollBattery(probe PlatformProbe) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		level, ok := probe.BatteryLevel()
		if !ok {
			continue
		}
		p.mu.Lock()
		p.battery = level
		delta := int(level) - int(p.lastPublished)
		if delta < 0 {
			delta = -delta
		}
		publish := delta >= mtp.BatteryLevelStep
		if publish {
			p.lastPublished = level
		}
		p.mu.Unlock()
		if publish && p.bus != nil {
			p.bus.TryPublish(events.Event{Kind: events.DevicePropChanged, DevProp: mtp.DevPropBatteryLevel})
		}
	}
}

// persist rewrites the whole XML file, never patches it in place.
func (p *Provider) persist() error {
	f, err := os.Create(p.path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := xml.NewEncoder(f)
	enc.Indent("", "  ")
	return enc.Encode(p.cfg)
}

// EncodeDeviceInfo appends the GetDeviceInfo dataset (MTP 1.1 §5.1.1).
func (p *Provider) EncodeDeviceInfo(e *container.Encoder) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e.PutU16(100) // StandardVersion
	e.PutU32(p.cfg.VendorExtensionID)
	e.PutU16(p.cfg.VendorExtensionVersion)
	e.PutString(p.cfg.VendorExtensionDesc)
	e.PutU16(p.cfg.FunctionalMode)
	e.PutU16Array(p.cfg.OperationsSupported)
	e.PutU16Array(p.cfg.EventsSupported)
	e.PutU16Array(p.cfg.DevicePropsSupported)
	e.PutU16Array(p.cfg.CaptureFormats)
	e.PutU16Array(p.cfg.ImageFormats)
	e.PutString(p.cfg.Manufacturer)
	e.PutString(p.cfg.Model)
	e.PutString(p.cfg.DeviceVersion)
	e.PutString(p.cfg.SerialNumber)
}

// GetDevicePropDesc builds the property description for the three
// device properties this responder exposes.
func (p *Provider) GetDevicePropDesc(code mtp.DevicePropCode) (container.PropDesc, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch code {
	case mtp.DevPropBatteryLevel:
		return container.BatteryLevelPropDesc(p.battery), nil
	case mtp.DevPropDeviceFriendlyName:
		return container.PropDesc{
			PropCode: uint16(code), DataType: mtp.TypeString, GetSet: 1,
			DefaultValue: p.cfg.FriendlyName, CurrentValue: p.cfg.FriendlyName,
		}, nil
	case mtp.DevPropSyncPartner:
		return container.PropDesc{
			PropCode: uint16(code), DataType: mtp.TypeString, GetSet: 1,
			DefaultValue: p.cfg.SyncPartner, CurrentValue: p.cfg.SyncPartner,
		}, nil
	default:
		return container.PropDesc{}, mtperr.New(mtperr.CodeOperationNotSupported, "unsupported device property")
	}
}

// GetDevicePropValue returns the current value only (GetDevicePropDesc's
// CurrentValue field, without the surrounding form).
func (p *Provider) GetDevicePropValue(code mtp.DevicePropCode) (any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch code {
	case mtp.DevPropBatteryLevel:
		return p.battery, nil
	case mtp.DevPropDeviceFriendlyName:
		return p.cfg.FriendlyName, nil
	case mtp.DevPropSyncPartner:
		return p.cfg.SyncPartner, nil
	default:
		return nil, mtperr.New(mtperr.CodeOperationNotSupported, "unsupported device property")
	}
}

// SetDevicePropValue updates and persists a writable device property,
// publishing DevicePropChanged so the responder can forward it on the
// interrupt endpoint.
func (p *Provider) SetDevicePropValue(code mtp.DevicePropCode, value any) error {
	switch code {
	case mtp.DevPropDeviceFriendlyName:
		s, ok := value.(string)
		if !ok {
			return mtperr.New(mtperr.CodeInvalidObjectPropValue, "friendly name must be a string")
		}
		p.mu.Lock()
		p.cfg.FriendlyName = s
		err := p.persist()
		p.mu.Unlock()
		if err != nil {
			return err
		}
	case mtp.DevPropSyncPartner:
		s, ok := value.(string)
		if !ok {
			return mtperr.New(mtperr.CodeInvalidObjectPropValue, "sync partner must be a string")
		}
		p.mu.Lock()
		p.cfg.SyncPartner = s
		err := p.persist()
		p.mu.Unlock()
		if err != nil {
			return err
		}
	case mtp.DevPropBatteryLevel:
		return mtperr.New(mtperr.CodeOperationNotSupported, "battery level is read-only")
	default:
		return mtperr.New(mtperr.CodeOperationNotSupported, "unsupported device property")
	}
	if p.bus != nil {
		p.bus.TryPublish(events.Event{Kind: events.DevicePropChanged, DevProp: code})
	}
	return nil
}
