package mosaic

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/prism-av/display-agent/internal/model"
)

// nvidiaBackend fronts the NVIDIA mosaic API. The capability probe is
// cached process-wide; it is the only process-wide state in the display
// engine packages (logging and config keep their own globals), and
// re-probing returns the same answer.
type nvidiaBackend struct{}

var nvCapabilityOnce = sync.OnceValue(func() Capability {
	if runtime.GOOS != "windows" {
		return Capability{
			Available: false,
			Reason:    "NVIDIA mosaic backend is only supported on Windows",
		}
	}
	// TODO(mosaic): link NVAPI and probe topology support for real.
	return Capability{
		Available: false,
		Reason:    "NVIDIA mosaic API integration not yet linked",
	}
})

func (nvidiaBackend) Capability() Capability {
	return nvCapabilityOnce()
}

func (b nvidiaBackend) Apply(group *model.MosaicGroup) error {
	capability := b.Capability()
	if !capability.Available {
		return fmt.Errorf("unable to apply NVIDIA mosaic group '%s': %s", group.ID, capability.Reason)
	}
	return nil
}
