// Package planner orders a display profile into a typed apply plan. It
// re-runs the resolver and validator so callers receive the plan
// together with the identity resolution and validation report it was
// built from.
package planner

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/prism-av/display-agent/internal/identity"
	"github.com/prism-av/display-agent/internal/model"
	"github.com/prism-av/display-agent/internal/validate"
)

// VerifyPayload is the payload carried by the final verify step.
type VerifyPayload struct {
	Strict           bool     `json:"strict"`
	RequiredDisplays []string `json:"requiredDisplays"`
}

// PlanProfile assembles the apply plan for a profile against a
// snapshot and known-set. Step order is fixed: resolve-identity first,
// then set-topology (when the topology declares rects), mosaics and
// enabled routes in declaration order, and a final verify step.
func PlanProfile(profile *model.DisplayProfile, snapshot *model.DisplaySnapshot, known []model.KnownDisplay) (model.DisplayPlan, model.IdentityResolution, model.ValidationReport) {
	resolution := identity.Resolve(known, snapshot, profile.Pins)
	validation := validate.ProfileWithIdentity(profile, snapshot, &resolution)

	plan := model.DisplayPlan{
		PlanID:       uuid.NewString(),
		CreatedAtUTC: model.NowUTC(),
		Warnings:     []string{},
		Steps:        []model.DisplayPlanStep{},
	}
	if profile.ProfileID != "" {
		plan.ProfileID = model.Ptr(profile.ProfileID)
	}

	plan.Steps = append(plan.Steps, model.DisplayPlanStep{
		StepID:   "resolve-" + uuid.NewString(),
		Kind:     model.StepResolveIdentity,
		Required: true,
		Payload:  mustMarshal(resolution),
	})

	if len(profile.Topology.ExpectedRects) > 0 {
		plan.Steps = append(plan.Steps, model.DisplayPlanStep{
			StepID:   "topology-" + uuid.NewString(),
			Kind:     model.StepSetTopology,
			Required: profile.Strict,
			Payload:  mustMarshal(profile.Topology),
		})
	}

	for i := range profile.Mosaics {
		mosaic := &profile.Mosaics[i]
		plan.Steps = append(plan.Steps, model.DisplayPlanStep{
			StepID:   "mosaic-" + uuid.NewString(),
			Kind:     model.StepEnableMosaic,
			Required: profile.Strict,
			TargetID: model.Ptr(mosaic.ID),
			Payload:  mustMarshal(mosaic),
		})
	}

	for i := range profile.PixelRoutes {
		route := &profile.PixelRoutes[i]
		if !route.Enabled {
			continue
		}
		// Route steps embed the route id so consumers can cross-reference
		// them without decoding the payload.
		plan.Steps = append(plan.Steps, model.DisplayPlanStep{
			StepID:   "route-" + route.RouteID,
			Kind:     model.StepApplyPixelRoute,
			Required: true,
			TargetID: model.Ptr(route.DestDisplayID),
			Payload:  mustMarshal(route),
		})
	}

	plan.Steps = append(plan.Steps, model.DisplayPlanStep{
		StepID:   "verify-" + uuid.NewString(),
		Kind:     model.StepVerify,
		Required: true,
		Payload: mustMarshal(VerifyPayload{
			Strict:           profile.Strict,
			RequiredDisplays: profile.RequiredDisplays,
		}),
	})

	if !validation.Ok {
		plan.Warnings = append(plan.Warnings,
			"Profile has validation errors; apply may fail in strict mode")
	}
	errorCount, warningCount := 0, 0
	for i := range validation.Issues {
		switch validation.Issues[i].Severity {
		case model.SeverityError:
			errorCount++
		case model.SeverityWarning:
			warningCount++
		}
	}
	if errorCount > 0 {
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("Validation reported %d error(s)", errorCount))
	}
	if warningCount > 0 {
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("Validation reported %d warning(s)", warningCount))
	}

	if len(resolution.UnresolvedKnown) > 0 {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"%d known displays were unresolved during identity resolution",
			len(resolution.UnresolvedKnown)))
	}
	if len(resolution.UnresolvedObserved) > 0 {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"%d observed displays were not mapped to known canonical IDs",
			len(resolution.UnresolvedObserved)))
	}

	return plan, resolution, validation
}

// mustMarshal encodes a value that is always marshalable (core model
// records); a failure falls back to an empty object payload.
func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
