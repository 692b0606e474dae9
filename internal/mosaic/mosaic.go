// Package mosaic exposes driver-level surround backends through a
// narrow capability interface. Backend internals are opaque to the
// apply engine; it only selects a backend for a group and asks it to
// apply.
package mosaic

import (
	"fmt"

	"github.com/prism-av/display-agent/internal/model"
)

// Capability reports whether a backend can currently form mosaics and
// why not when it cannot. Probing is idempotent.
type Capability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason"`
}

// Backend applies mosaic groups through one vendor surface.
type Backend interface {
	// Capability probes the vendor surface. Safe to call repeatedly.
	Capability() Capability
	// Apply forms the group as a single logical surface.
	Apply(group *model.MosaicGroup) error
}

// noopBackend serves the none and software backends: grouping is a
// compositor concern there, so the OS needs no mutation.
type noopBackend struct{}

func (noopBackend) Capability() Capability {
	return Capability{Available: true, Reason: "no driver mutation required"}
}

func (noopBackend) Apply(*model.MosaicGroup) error { return nil }

// ForBackend selects the backend implementation for a group's declared
// backend kind. Unsupported vendors return an error so the apply
// engine can surface them per the step's required flag.
func ForBackend(kind model.MosaicBackend) (Backend, error) {
	switch kind {
	case model.MosaicBackendNone, model.MosaicBackendSoftware:
		return noopBackend{}, nil
	case model.MosaicBackendNvidia:
		return nvidiaBackend{}, nil
	default:
		return nil, fmt.Errorf("mosaic backend %q is not implemented", kind)
	}
}

// ApplyGroup resolves the group's backend and applies it.
func ApplyGroup(group *model.MosaicGroup) error {
	backend, err := ForBackend(group.Backend)
	if err != nil {
		return fmt.Errorf("%v for group %s", err, group.ID)
	}
	return backend.Apply(group)
}
