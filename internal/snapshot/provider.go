// Package snapshot defines the provider port the engine consumes and
// the OS-specific collectors behind it. A provider enumerates the
// host's attached displays and reports them as an immutable snapshot
// record; collection is read-only and safe to run concurrently.
package snapshot

import "github.com/prism-av/display-agent/internal/model"

// Provider collects the live display state of the host. At minimum an
// implementation populates os_display_name, current_rect_px, and
// is_active per display; richer identity fields strengthen resolver
// accuracy.
type Provider interface {
	Collect() (*model.DisplaySnapshot, error)
}

// NewOSProvider returns the provider for the running platform. On
// platforms without display enumeration support, Collect fails with a
// textual reason.
func NewOSProvider() Provider {
	return osProvider{}
}
