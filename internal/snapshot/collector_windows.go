//go:build windows

package snapshot

import (
	"strings"
	"syscall"
	"unsafe"

	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/prism-av/display-agent/internal/logging"
	"github.com/prism-av/display-agent/internal/model"
)

var log = logging.L("snapshot")

var (
	modUser32                = windows.NewLazySystemDLL("user32.dll")
	procEnumDisplayDevicesW  = modUser32.NewProc("EnumDisplayDevicesW")
	procEnumDisplaySettingsW = modUser32.NewProc("EnumDisplaySettingsExW")
)

const (
	eddGetDeviceInterfaceName = 0x00000001
	displayDeviceAttached     = 0x00000001
	displayDeviceMirroring    = 0x00000008
	enumCurrentSettings       = 0xFFFFFFFF
)

// displayDeviceW mirrors the Win32 DISPLAY_DEVICEW layout.
type displayDeviceW struct {
	CB           uint32
	DeviceName   [32]uint16
	DeviceString [128]uint16
	StateFlags   uint32
	DeviceID     [128]uint16
	DeviceKey    [128]uint16
}

// devModeW mirrors the display subset of the Win32 DEVMODEW layout.
type devModeW struct {
	DeviceName       [32]uint16
	SpecVersion      uint16
	DriverVersion    uint16
	Size             uint16
	DriverExtra      uint16
	Fields           uint32
	X                int32
	Y                int32
	Orientation      uint32
	FixedOutput      uint32
	Color            int16
	Duplex           int16
	YResolution      int16
	TTOption         int16
	Collate          int16
	FormName         [32]uint16
	LogPixels        uint16
	BitsPerPel       uint32
	PelsWidth        uint32
	PelsHeight       uint32
	DisplayFlags     uint32
	DisplayFrequency uint32
	ICMMethod        uint32
	ICMIntent        uint32
	MediaType        uint32
	DitherType       uint32
	Reserved1        uint32
	Reserved2        uint32
	PanningWidth     uint32
	PanningHeight    uint32
}

type osProvider struct{}

// Collect enumerates attached display adapters and their monitors,
// enriching each descriptor with WMI monitor identity and the EDID
// fingerprint read from the PnP registry.
func (osProvider) Collect() (*model.DisplaySnapshot, error) {
	snap := &model.DisplaySnapshot{
		TimestampUTC: model.NowUTC(),
		Displays:     []model.DisplayDescriptor{},
		Paths:        []model.DisplayPath{},
		Metadata:     map[string]any{},
	}

	if id, err := host.HostID(); err == nil && id != "" {
		snap.MachineID = model.Ptr(id)
	}
	if info, err := host.Info(); err == nil {
		snap.Metadata["hostname"] = info.Hostname
		snap.Metadata["platform"] = info.Platform
		snap.Metadata["platform_version"] = info.PlatformVersion
	}

	monitorIDs := queryWmiMonitorIDs()

	var adapterIndex uint32
	for ; ; adapterIndex++ {
		var adapter displayDeviceW
		adapter.CB = uint32(unsafe.Sizeof(adapter))
		ret, _, _ := procEnumDisplayDevicesW.Call(
			0,
			uintptr(adapterIndex),
			uintptr(unsafe.Pointer(&adapter)),
			uintptr(eddGetDeviceInterfaceName),
		)
		if ret == 0 {
			break
		}

		if adapter.StateFlags&displayDeviceAttached == 0 {
			continue
		}
		if adapter.StateFlags&displayDeviceMirroring != 0 {
			continue
		}

		displayName := wideToString(adapter.DeviceName[:])
		adapterString := wideToString(adapter.DeviceString[:])
		normalizedName := model.NormalizeDeviceName(displayName)

		descriptor := model.DisplayDescriptor{
			OSDisplayName:   normalizedName,
			AdapterID:       model.Ptr(uint64(adapterIndex)),
			Connector:       model.ConnectorUnknown,
			CurrentRotation: model.Rotation0,
			IsActive:        true,
		}

		var monitor displayDeviceW
		monitor.CB = uint32(unsafe.Sizeof(monitor))
		nameWide, _ := windows.UTF16PtrFromString(displayName)
		ret, _, _ = procEnumDisplayDevicesW.Call(
			uintptr(unsafe.Pointer(nameWide)),
			0,
			uintptr(unsafe.Pointer(&monitor)),
			uintptr(eddGetDeviceInterfaceName),
		)
		if ret != 0 {
			if devicePath := wideToString(monitor.DeviceID[:]); devicePath != "" {
				descriptor.MonitorDevicePath = model.Ptr(devicePath)
				descriptor.PnpID = model.Ptr(devicePath)
			}
			if monitorString := wideToString(monitor.DeviceString[:]); monitorString != "" {
				descriptor.FriendlyName = model.Ptr(monitorString)
			}
		}
		if descriptor.FriendlyName == nil && adapterString != "" {
			descriptor.FriendlyName = model.Ptr(adapterString)
		}

		var currentRect *model.RectI32
		if mode, ok := queryDevMode(normalizedName); ok {
			currentRect = &model.RectI32{
				X: mode.X,
				Y: mode.Y,
				W: int32(mode.PelsWidth),
				H: int32(mode.PelsHeight),
			}
			descriptor.CurrentRectPx = currentRect
			descriptor.NativeWidth = model.Ptr(mode.PelsWidth)
			descriptor.NativeHeight = model.Ptr(mode.PelsHeight)
			if mode.DisplayFrequency > 0 {
				descriptor.NativeRefreshHz = model.Ptr(float32(mode.DisplayFrequency))
			}
		}

		if descriptor.MonitorDevicePath != nil {
			enrichMonitorIdentity(&descriptor, monitorIDs)
		}

		snap.Displays = append(snap.Displays, descriptor)
		snap.Paths = append(snap.Paths, model.DisplayPath{
			SourceDisplayName: model.Ptr(normalizedName),
			TargetDisplayName: model.Ptr(normalizedName),
			SourceRectPx:      currentRect,
			TargetRectPx:      currentRect,
			Active:            true,
		})
	}

	return snap, nil
}

func queryDevMode(deviceName string) (devModeW, bool) {
	var mode devModeW
	mode.Size = uint16(unsafe.Sizeof(mode))

	nameWide, err := windows.UTF16PtrFromString(deviceName)
	if err != nil {
		return mode, false
	}
	ret, _, _ := procEnumDisplaySettingsW.Call(
		uintptr(unsafe.Pointer(nameWide)),
		uintptr(uint32(enumCurrentSettings)),
		uintptr(unsafe.Pointer(&mode)),
		0,
	)
	return mode, ret != 0
}

// enrichMonitorIdentity matches the descriptor's monitor device path
// against the WMI monitor instances and fills EDID identity fields,
// reading the raw EDID block from the PnP registry for the fingerprint.
func enrichMonitorIdentity(descriptor *model.DisplayDescriptor, monitors []wmiMonitorIdentity) {
	devicePath := *descriptor.MonitorDevicePath
	for i := range monitors {
		mon := &monitors[i]
		if !instanceMatchesDevicePath(mon.InstanceName, devicePath) {
			continue
		}
		if mon.FriendlyName != "" {
			descriptor.FriendlyName = model.Ptr(mon.FriendlyName)
		}
		if raw, err := readEdidBlock(mon.InstanceName); err == nil {
			descriptor.EdidHash = model.Ptr(EdidFingerprint(raw))
			if id, err := ParseEdidIdentity(raw); err == nil {
				descriptor.EdidVendor = model.Ptr(id.Vendor)
				descriptor.EdidProductCode = model.Ptr(id.ProductCode)
				if id.Serial != 0 {
					descriptor.EdidSerial = model.Ptr(id.Serial)
				}
			}
		} else {
			log.Debug("EDID registry read failed", "instance", mon.InstanceName, "error", err)
		}
		return
	}
}

// instanceMatchesDevicePath compares a WMI instance name such as
// DISPLAY\DEL404C\5&1a2b3c4d&0&UID4352_0 with a device interface path
// such as \\?\DISPLAY#DEL404C#5&1a2b3c4d&0&UID4352#{guid}.
func instanceMatchesDevicePath(instanceName, devicePath string) bool {
	instance := strings.ToUpper(strings.TrimSuffix(instanceName, "_0"))
	path := strings.ToUpper(devicePath)
	path = strings.TrimPrefix(path, `\\?\`)
	if idx := strings.LastIndex(path, "#{"); idx >= 0 {
		path = path[:idx]
	}
	path = strings.ReplaceAll(path, "#", `\`)
	return instance == path
}

// readEdidBlock reads the raw EDID for a monitor PnP instance from
// HKLM\SYSTEM\CurrentControlSet\Enum\<instance>\Device Parameters.
func readEdidBlock(instanceName string) ([]byte, error) {
	keyPath := `SYSTEM\CurrentControlSet\Enum\` + strings.TrimSuffix(instanceName, "_0") + `\Device Parameters`
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, keyPath, registry.QUERY_VALUE)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	raw, _, err := key.GetBinaryValue("EDID")
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func wideToString(buf []uint16) string {
	return strings.TrimSpace(syscall.UTF16ToString(buf))
}
