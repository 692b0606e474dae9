// Package bridge exposes the engine as JSON-in/JSON-out entry points
// for host processes that embed the agent. Every call is wrapped in a
// panic guard so an internal failure surfaces as an error envelope
// instead of destabilizing the host.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prism-av/display-agent/internal/applyengine"
	"github.com/prism-av/display-agent/internal/identity"
	"github.com/prism-av/display-agent/internal/ledger"
	"github.com/prism-av/display-agent/internal/logging"
	"github.com/prism-av/display-agent/internal/model"
	"github.com/prism-av/display-agent/internal/planner"
	"github.com/prism-av/display-agent/internal/snapshot"
	"github.com/prism-av/display-agent/internal/validate"
	"github.com/prism-av/display-agent/internal/version"
)

var log = logging.L("bridge")

// PlanBundle is the plan_profile response payload.
type PlanBundle struct {
	Plan       model.DisplayPlan        `json:"plan"`
	Identity   model.IdentityResolution `json:"identity"`
	Validation model.ValidationReport   `json:"validation"`
	Ledger     model.PixelLedger        `json:"ledger"`
}

type envelope struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Version reports the agent version.
func Version() string {
	return guard(func() (any, error) {
		return map[string]string{"version": version.Version}, nil
	})
}

// CollectSnapshot enumerates the host's displays.
func CollectSnapshot() string {
	return guard(func() (any, error) {
		return snapshot.NewOSProvider().Collect()
	})
}

// BuildKnownFromSnapshot synthesizes a known-set from a snapshot.
func BuildKnownFromSnapshot(snapshotJSON string) string {
	return guard(func() (any, error) {
		snap, err := parseRequired[model.DisplaySnapshot](snapshotJSON, "snapshot")
		if err != nil {
			return nil, err
		}
		return identity.BuildKnownFromSnapshot(snap), nil
	})
}

// ResolveIdentity matches a known-set against a snapshot. pinsJSON may
// be empty.
func ResolveIdentity(knownJSON, snapshotJSON, pinsJSON string) string {
	return guard(func() (any, error) {
		known, err := parseRequired[[]model.KnownDisplay](knownJSON, "known")
		if err != nil {
			return nil, err
		}
		snap, err := parseRequired[model.DisplaySnapshot](snapshotJSON, "snapshot")
		if err != nil {
			return nil, err
		}
		pins, err := parseOptional[[]model.DisplayPin](pinsJSON, "pins")
		if err != nil {
			return nil, err
		}
		var pinList []model.DisplayPin
		if pins != nil {
			pinList = *pins
		}
		return identity.Resolve(*known, snap, pinList), nil
	})
}

// ValidateProfile validates a profile, optionally against a snapshot.
func ValidateProfile(profileJSON, snapshotJSON string) string {
	return guard(func() (any, error) {
		profile, err := parseRequired[model.DisplayProfile](profileJSON, "profile")
		if err != nil {
			return nil, err
		}
		snap, err := parseOptional[model.DisplaySnapshot](snapshotJSON, "snapshot")
		if err != nil {
			return nil, err
		}
		return validate.Profile(profile, snap), nil
	})
}

// PlanProfile plans a profile against a snapshot. When knownJSON is
// empty the known-set is synthesized from the snapshot. The response
// bundles the plan with the identity resolution, validation report,
// and pixel ledger.
func PlanProfile(profileJSON, snapshotJSON, knownJSON string) string {
	return guard(func() (any, error) {
		profile, err := parseRequired[model.DisplayProfile](profileJSON, "profile")
		if err != nil {
			return nil, err
		}
		snap, err := parseRequired[model.DisplaySnapshot](snapshotJSON, "snapshot")
		if err != nil {
			return nil, err
		}
		knownOpt, err := parseOptional[[]model.KnownDisplay](knownJSON, "known")
		if err != nil {
			return nil, err
		}
		var known []model.KnownDisplay
		if knownOpt != nil {
			known = *knownOpt
		} else {
			known = identity.BuildKnownFromSnapshot(snap)
		}

		plan, resolution, validation := planner.PlanProfile(profile, snap, known)
		pixelLedger := ledger.BuildPixelLedger(profile, &resolution, snap)

		return PlanBundle{
			Plan:       plan,
			Identity:   resolution,
			Validation: validation,
			Ledger:     pixelLedger,
		}, nil
	})
}

// ApplyPlan executes a plan through the OS ports.
func ApplyPlan(planJSON string, dryRun bool) string {
	return guard(func() (any, error) {
		plan, err := parseRequired[model.DisplayPlan](planJSON, "plan")
		if err != nil {
			return nil, err
		}
		adapter, err := applyengine.NewOSAdapter()
		if err != nil && !dryRun {
			log.Warn("no display adapter for this platform", "error", err)
		}
		engine := applyengine.New(adapter, snapshot.NewOSProvider())
		return engine.Apply(plan, dryRun), nil
	})
}

// guard runs f, converting errors and panics into the error envelope.
func guard(f func() (any, error)) (out string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in bridge call", "panic", r)
			out = encodeEnvelope(envelope{Ok: false, Error: fmt.Sprintf("panic while executing display bridge call: %v", r)})
		}
	}()

	data, err := f()
	if err != nil {
		return encodeEnvelope(envelope{Ok: false, Error: err.Error()})
	}
	return encodeEnvelope(envelope{Ok: true, Data: data})
}

func encodeEnvelope(env envelope) string {
	raw, err := json.Marshal(env)
	if err != nil {
		return `{"ok":false,"error":"failed to encode bridge envelope"}`
	}
	return string(raw)
}

func parseRequired[T any](raw, name string) (*T, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%s JSON is required", name)
	}
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to parse %s JSON: %v", name, err)
	}
	return &value, nil
}

func parseOptional[T any](raw, name string) (*T, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseRequired[T](raw, name)
}
