//go:build windows

package applyengine

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/prism-av/display-agent/internal/model"
)

var (
	modUser32                    = windows.NewLazySystemDLL("user32.dll")
	procEnumDisplaySettingsExW   = modUser32.NewProc("EnumDisplaySettingsExW")
	procChangeDisplaySettingsExW = modUser32.NewProc("ChangeDisplaySettingsExW")
)

const (
	enumCurrentSettings  = 0xFFFFFFFF
	cdsUpdateRegistry    = 0x00000001
	cdsNoReset           = 0x10000000
	dispChangeSuccessful = 0

	dmPosition   = 0x00000020
	dmPelsWidth  = 0x00080000
	dmPelsHeight = 0x00100000
)

// devModeW mirrors the display subset of the Win32 DEVMODEW layout.
// The whole record is carried through stage and rollback so fields the
// engine does not touch survive unchanged.
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

// winMode wraps one device's DEVMODEW.
type winMode struct {
	dm devModeW
}

func (m winMode) WithRect(rect model.RectI32) (Mode, error) {
	if rect.W <= 0 || rect.H <= 0 {
		return nil, fmt.Errorf("invalid rect %dx%d for display position update", rect.W, rect.H)
	}
	patched := m.dm
	patched.X = rect.X
	patched.Y = rect.Y
	patched.PelsWidth = uint32(rect.W)
	patched.PelsHeight = uint32(rect.H)
	patched.Fields |= dmPosition | dmPelsWidth | dmPelsHeight
	return winMode{dm: patched}, nil
}

// winAdapter drives ChangeDisplaySettingsExW in its two-phase form:
// per-device staged registry updates with CDS_NORESET, then one global
// commit that applies all drafts atomically.
type winAdapter struct{}

// NewOSAdapter returns the display-control adapter for the running
// platform.
func NewOSAdapter() (ModeAdapter, error) {
	return winAdapter{}, nil
}

func (winAdapter) QueryMode(deviceName string) (Mode, error) {
	var mode devModeW
	mode.Size = uint16(unsafe.Sizeof(mode))

	nameWide, err := windows.UTF16PtrFromString(deviceName)
	if err != nil {
		return nil, fmt.Errorf("invalid device name %q: %w", deviceName, err)
	}
	ret, _, _ := procEnumDisplaySettingsExW.Call(
		uintptr(unsafe.Pointer(nameWide)),
		uintptr(uint32(enumCurrentSettings)),
		uintptr(unsafe.Pointer(&mode)),
		0,
	)
	if ret == 0 {
		return nil, fmt.Errorf("EnumDisplaySettingsExW failed for %s", deviceName)
	}
	if mode.Size == 0 {
		return nil, fmt.Errorf("display %s returned invalid DEVMODE", deviceName)
	}
	return winMode{dm: mode}, nil
}

func (winAdapter) StageMode(deviceName string, mode Mode) error {
	wm, ok := mode.(winMode)
	if !ok {
		return fmt.Errorf("mode for %s is not a Windows display mode", deviceName)
	}
	nameWide, err := windows.UTF16PtrFromString(deviceName)
	if err != nil {
		return fmt.Errorf("invalid device name %q: %w", deviceName, err)
	}
	ret, _, _ := procChangeDisplaySettingsExW.Call(
		uintptr(unsafe.Pointer(nameWide)),
		uintptr(unsafe.Pointer(&wm.dm)),
		0,
		uintptr(uint32(cdsUpdateRegistry|cdsNoReset)),
		0,
	)
	if int32(ret) != dispChangeSuccessful {
		return fmt.Errorf("ChangeDisplaySettingsExW stage failed for %s (code %d)", deviceName, int32(ret))
	}
	return nil
}

func (winAdapter) Commit() error {
	ret, _, _ := procChangeDisplaySettingsExW.Call(
		0,
		0,
		0,
		uintptr(uint32(cdsUpdateRegistry)),
		0,
	)
	if int32(ret) != dispChangeSuccessful {
		return fmt.Errorf("ChangeDisplaySettingsExW commit failed (code %d)", int32(ret))
	}
	return nil
}
