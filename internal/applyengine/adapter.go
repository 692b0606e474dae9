// Package applyengine executes display plans against the operating
// system's display-control surface with staged-commit-plus-rollback
// semantics. The OS itself is reached only through the ModeAdapter and
// snapshot.Provider ports so the engine stays testable off-host.
package applyengine

import "github.com/prism-av/display-agent/internal/model"

// Mode is one device's display mode as held by the OS. Implementations
// wrap the native mode record so that staging a patched clone carries
// every field the engine does not touch (refresh, color depth,
// rotation) through unchanged.
type Mode interface {
	// WithRect clones the mode and patches position and size to the
	// given desktop rect, leaving all other fields untouched.
	WithRect(rect model.RectI32) (Mode, error)
}

// ModeAdapter is the staged two-phase display-control surface. Stage
// mutates a registry-like draft per device; Commit applies all drafts
// atomically at the OS boundary.
type ModeAdapter interface {
	// QueryMode returns the device's current mode.
	QueryMode(deviceName string) (Mode, error)
	// StageMode records the mode as the device's pending draft without
	// applying it.
	StageMode(deviceName string, mode Mode) error
	// Commit applies every staged draft in one global operation.
	Commit() error
}
