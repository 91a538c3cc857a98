package deviceinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/mtp"
)

const sampleXML = `<deviceinfo>
  <vendorExtensionID>6</vendorExtensionID>
  <vendorExtensionVersion>100</vendorExtensionVersion>
  <vendorExtensionDesc>microsoft.com: 1.0;</vendorExtensionDesc>
  <functionalMode>0</functionalMode>
  <manufacturer>Acme</manufacturer>
  <model>Gadget</model>
  <deviceVersion>1.0</deviceVersion>
  <serialNumber>0000</serialNumber>
  <friendlyName>Acme Gadget</friendlyName>
  <syncPartner></syncPartner>
  <operationsSupported>
    <code>4097</code>
    <code>4098</code>
  </operationsSupported>
  <eventsSupported>
    <code>16386</code>
  </eventsSupported>
</deviceinfo>
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deviceinfo.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleXML), 0644))
	return path
}

// staticProbe is a PlatformProbe with fixed answers.
type staticProbe struct {
	name, serial string
	battery      uint8
}

func (p staticProbe) FriendlyName() (string, bool) { return p.name, p.name != "" }
func (p staticProbe) SerialNumber() (string, bool) { return p.serial, p.serial != "" }
func (p staticProbe) BatteryLevel() (uint8, bool)  { return p.battery, true }

func TestLoadParsesXML(t *testing.T) {
	p, err := Load(writeSample(t), nil, nil)
	require.NoError(t, err)

	v, err := p.GetDevicePropValue(mtp.DevPropDeviceFriendlyName)
	require.NoError(t, err)
	assert.Equal(t, "Acme Gadget", v)
}

func TestBatteryDescIsRangeForm(t *testing.T) {
	p, err := Load(writeSample(t), staticProbe{name: "n", serial: "s", battery: 70}, nil)
	require.NoError(t, err)

	pd, err := p.GetDevicePropDesc(mtp.DevPropBatteryLevel)
	require.NoError(t, err)
	assert.Equal(t, container.FormRange, pd.Form)
	assert.Equal(t, uint8(0), pd.RangeMin)
	assert.Equal(t, uint8(100), pd.RangeMax)
	assert.Equal(t, uint8(10), pd.RangeStep)
	assert.Equal(t, uint8(70), pd.CurrentValue)
}

func TestPlatformOverrideAppliedOnceAndPersisted(t *testing.T) {
	path := writeSample(t)
	_, err := Load(path, staticProbe{name: "Override Name", serial: "SN-42", battery: 90}, nil)
	require.NoError(t, err)

	// A second load without a probe sees the persisted override.
	p, err := Load(path, nil, nil)
	require.NoError(t, err)
	v, err := p.GetDevicePropValue(mtp.DevPropDeviceFriendlyName)
	require.NoError(t, err)
	assert.Equal(t, "Override Name", v)

	// A later probe with a different name must not clobber the stored
	// value: the override is first-run only.
	p, err = Load(path, staticProbe{name: "Other", serial: "SN-43", battery: 90}, nil)
	require.NoError(t, err)
	v, err = p.GetDevicePropValue(mtp.DevPropDeviceFriendlyName)
	require.NoError(t, err)
	assert.Equal(t, "Override Name", v)
}

func TestSetFriendlyNamePersists(t *testing.T) {
	path := writeSample(t)
	p, err := Load(path, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.SetDevicePropValue(mtp.DevPropDeviceFriendlyName, "Renamed"))

	reloaded, err := Load(path, nil, nil)
	require.NoError(t, err)
	v, err := reloaded.GetDevicePropValue(mtp.DevPropDeviceFriendlyName)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", v)
}

func TestBatteryLevelIsReadOnly(t *testing.T) {
	p, err := Load(writeSample(t), nil, nil)
	require.NoError(t, err)
	require.Error(t, p.SetDevicePropValue(mtp.DevPropBatteryLevel, uint8(50)))
}

func TestUnknownDevicePropRejected(t *testing.T) {
	p, err := Load(writeSample(t), nil, nil)
	require.NoError(t, err)
	_, err = p.GetDevicePropDesc(mtp.DevicePropCode(0x5099))
	require.Error(t, err)
	_, err = p.GetDevicePropValue(mtp.DevicePropCode(0x5099))
	require.Error(t, err)
}
