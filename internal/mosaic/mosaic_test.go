package mosaic

import (
	"strings"
	"testing"

	"github.com/prism-av/display-agent/internal/model"
)

func TestForBackendMapping(t *testing.T) {
	for _, kind := range []model.MosaicBackend{model.MosaicBackendNone, model.MosaicBackendSoftware, model.MosaicBackendNvidia} {
		if _, err := ForBackend(kind); err != nil {
			t.Errorf("ForBackend(%s) error = %v, want nil", kind, err)
		}
	}
	if _, err := ForBackend(model.MosaicBackendAMD); err == nil {
		t.Error("ForBackend(amd) = nil error, want unsupported")
	}
}

func TestNoopBackendsApplyCleanly(t *testing.T) {
	group := &model.MosaicGroup{ID: "soft", Members: []string{"a", "b"}, Backend: model.MosaicBackendSoftware}
	if err := ApplyGroup(group); err != nil {
		t.Fatalf("ApplyGroup(software) error = %v", err)
	}

	group.Backend = model.MosaicBackendNone
	if err := ApplyGroup(group); err != nil {
		t.Fatalf("ApplyGroup(none) error = %v", err)
	}
}

func TestNvidiaBackendReportsUnavailable(t *testing.T) {
	backend, err := ForBackend(model.MosaicBackendNvidia)
	if err != nil {
		t.Fatalf("ForBackend(nvidia) error = %v", err)
	}

	capability := backend.Capability()
	if capability.Available {
		t.Fatal("nvidia capability available without a linked vendor API")
	}
	if capability.Reason == "" {
		t.Fatal("capability reason must explain unavailability")
	}

	// Probe is idempotent.
	if again := backend.Capability(); again != capability {
		t.Fatalf("capability changed between probes: %+v vs %+v", capability, again)
	}

	err = backend.Apply(&model.MosaicGroup{ID: "surround", Backend: model.MosaicBackendNvidia})
	if err == nil || !strings.Contains(err.Error(), "surround") {
		t.Fatalf("Apply() error = %v, want group-scoped failure", err)
	}
}

func TestApplyGroupUnsupportedBackend(t *testing.T) {
	err := ApplyGroup(&model.MosaicGroup{ID: "g", Backend: model.MosaicBackendAMD})
	if err == nil || !strings.Contains(err.Error(), "not implemented") {
		t.Fatalf("ApplyGroup(amd) error = %v, want not-implemented", err)
	}
}
