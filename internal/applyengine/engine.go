package applyengine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prism-av/display-agent/internal/logging"
	"github.com/prism-av/display-agent/internal/model"
	"github.com/prism-av/display-agent/internal/mosaic"
	"github.com/prism-av/display-agent/internal/snapshot"
)

var log = logging.L("applyengine")

// Engine executes display plans. It is serializable but must not be
// invoked concurrently against the same host: desktop geometry is a
// process-wide OS resource.
type Engine struct {
	adapter  ModeAdapter
	provider snapshot.Provider
	mosaics  func(group *model.MosaicGroup) error
}

// New builds an engine over the given OS ports. adapter may be nil on
// platforms without display control; live applies then degrade to the
// simulated path plus a failure error.
func New(adapter ModeAdapter, provider snapshot.Provider) *Engine {
	return &Engine{
		adapter:  adapter,
		provider: provider,
		mosaics:  mosaic.ApplyGroup,
	}
}

// topologyTarget is one decoded set-topology entry.
type topologyTarget struct {
	canonicalID string
	rect        model.RectI32
	required    bool
	stepID      string
}

type mosaicTarget struct {
	group    model.MosaicGroup
	required bool
	stepID   string
}

type verifyStep struct {
	stepID   string
	required bool
}

// Apply executes the plan. Dry runs never touch the OS. A live apply
// classifies steps first and refuses to start mutating when any
// required payload is malformed; the topology phase stages every
// target, commits once, and rolls back staged originals on failure.
func (e *Engine) Apply(plan *model.DisplayPlan, dryRun bool) model.ApplyResult {
	if dryRun {
		return Simulate(plan, true)
	}

	if e.adapter == nil {
		result := Simulate(plan, false)
		result.Success = false
		result.Errors = append(result.Errors,
			"display apply is not supported on this platform")
		return result
	}

	result := model.ApplyResult{
		Success:      true,
		DryRun:       false,
		AppliedSteps: []string{},
		FailedSteps:  []string{},
		Warnings:     []string{},
		Errors:       []string{},
	}
	result.Warnings = append(result.Warnings, plan.Warnings...)

	identityMap := extractIdentityMap(plan)

	var topologyTargets []topologyTarget
	var topologyStepIDs []string
	var mosaicTargets []mosaicTarget
	var verifySteps []verifyStep

	for i := range plan.Steps {
		step := &plan.Steps[i]
		switch step.Kind {
		case model.StepResolveIdentity:
			result.AppliedSteps = append(result.AppliedSteps, step.StepID)

		case model.StepSetTopology:
			topologyStepIDs = append(topologyStepIDs, step.StepID)
			// expected_rects must be present; an empty list is valid and
			// simply stages nothing.
			var topology struct {
				ExpectedRects *[]model.DisplayExpectedRect `json:"expected_rects"`
			}
			if err := json.Unmarshal(step.Payload, &topology); err != nil || topology.ExpectedRects == nil {
				if step.Required {
					result.Success = false
					result.FailedSteps = append(result.FailedSteps, step.StepID)
					result.Errors = append(result.Errors, fmt.Sprintf(
						"Unable to parse set-topology payload for step %s", step.StepID))
				} else {
					result.Warnings = append(result.Warnings, fmt.Sprintf(
						"Skipping malformed optional set-topology payload in step %s", step.StepID))
				}
				continue
			}
			for _, expected := range *topology.ExpectedRects {
				topologyTargets = append(topologyTargets, topologyTarget{
					canonicalID: expected.CanonicalDisplayID,
					rect:        expected.RectPx,
					required:    step.Required,
					stepID:      step.StepID,
				})
			}

		case model.StepEnableMosaic:
			var group model.MosaicGroup
			if err := json.Unmarshal(step.Payload, &group); err != nil || group.ID == "" {
				if step.Required {
					result.Success = false
					result.FailedSteps = append(result.FailedSteps, step.StepID)
					result.Errors = append(result.Errors, fmt.Sprintf(
						"Unable to parse enable-mosaic payload for step %s", step.StepID))
				} else {
					result.Warnings = append(result.Warnings, fmt.Sprintf(
						"Skipping malformed optional enable-mosaic payload in step %s", step.StepID))
				}
				continue
			}
			mosaicTargets = append(mosaicTargets, mosaicTarget{
				group:    group,
				required: step.Required,
				stepID:   step.StepID,
			})

		case model.StepApplyPixelRoute:
			// Pixel routes are external contracts; the ledger binds them
			// and no OS mutation happens here.
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"Step %s is a pixel-route contract; no direct display mutation is required", step.StepID))
			result.AppliedSteps = append(result.AppliedSteps, step.StepID)

		case model.StepVerify:
			verifySteps = append(verifySteps, verifyStep{stepID: step.StepID, required: step.Required})

		case model.StepSetMode, model.StepDisableMosaic:
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"Step %s (%s) is not implemented in this revision", step.StepID, step.Kind))
			if step.Required {
				result.Success = false
				result.FailedSteps = append(result.FailedSteps, step.StepID)
				result.Errors = append(result.Errors, fmt.Sprintf(
					"Required step %s (%s) is not implemented", step.StepID, step.Kind))
			}

		default:
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"Step %s has unknown kind %q", step.StepID, step.Kind))
			if step.Required {
				result.Success = false
				result.FailedSteps = append(result.FailedSteps, step.StepID)
				result.Errors = append(result.Errors, fmt.Sprintf(
					"Required step %s has unknown kind %q", step.StepID, step.Kind))
			}
		}
	}

	// Classification errors abort before any OS mutation.
	if len(result.Errors) > 0 {
		return result
	}

	for i := range mosaicTargets {
		target := &mosaicTargets[i]
		if err := e.mosaics(&target.group); err != nil {
			if target.required {
				result.Success = false
				result.FailedSteps = append(result.FailedSteps, target.stepID)
				result.Errors = append(result.Errors, err.Error())
				return result
			}
			result.Warnings = append(result.Warnings, err.Error())
			continue
		}
		result.AppliedSteps = append(result.AppliedSteps, target.stepID)
	}

	if len(topologyTargets) > 0 {
		if err := e.applyTopology(topologyTargets, identityMap, &result); err != nil {
			result.Success = false
			result.FailedSteps = append(result.FailedSteps, topologyStepIDs...)
			result.Errors = append(result.Errors, err.Error())
			return result
		}
		result.AppliedSteps = append(result.AppliedSteps, topologyStepIDs...)
	} else {
		result.Warnings = append(result.Warnings,
			"Plan contains no set-topology targets; no topology mutation executed")
	}

	if len(verifySteps) > 0 {
		e.runVerify(topologyTargets, identityMap, verifySteps, &result)
	}

	return result
}

// applyTopology stages every target mode, commits once, and rolls back
// all staged originals when staging or the commit fails. Because no
// commit happened on the failure paths, the desktop is left unchanged.
func (e *Engine) applyTopology(targets []topologyTarget, identityMap map[string]string, result *model.ApplyResult) error {
	type original struct {
		deviceName string
		mode       Mode
	}
	var originals []original

	rollback := func() error {
		var errs []string
		for _, o := range originals {
			if err := e.adapter.StageMode(o.deviceName, o.mode); err != nil {
				errs = append(errs, fmt.Sprintf("rollback stage failed for %s: %v", o.deviceName, err))
			}
		}
		if len(errs) == 0 && len(originals) > 0 {
			if err := e.adapter.Commit(); err != nil {
				errs = append(errs, fmt.Sprintf("rollback commit failed: %v", err))
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	for _, target := range targets {
		deviceName := resolveDeviceName(target.canonicalID, identityMap)
		normalized := model.NormalizeDeviceName(deviceName)

		originalMode, err := e.adapter.QueryMode(normalized)
		if err != nil {
			if target.required {
				return err
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"Optional topology target %s skipped: %v", target.canonicalID, err))
			continue
		}

		requestedMode, err := originalMode.WithRect(target.rect)
		if err != nil {
			if target.required {
				return err
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"Optional topology target %s skipped: %v", target.canonicalID, err))
			continue
		}

		if err := e.adapter.StageMode(normalized, requestedMode); err != nil {
			if target.required {
				return withOptionalRollback(fmt.Sprintf(
					"Failed to stage required target '%s' (%v)", target.canonicalID, err), rollback())
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"Optional topology target %s skipped during stage: %v", target.canonicalID, err))
			continue
		}

		originals = append(originals, original{deviceName: normalized, mode: originalMode})
	}

	if len(originals) == 0 {
		result.Warnings = append(result.Warnings,
			"No topology targets were staged; commit skipped")
		return nil
	}

	if err := e.adapter.Commit(); err != nil {
		return withOptionalRollback(fmt.Sprintf(
			"Failed to commit staged display modes: %v", err), rollback())
	}

	log.Info("committed topology targets", "count", len(originals))
	return nil
}

// runVerify collects a fresh snapshot and compares each topology
// target's observed rect to what was commanded.
func (e *Engine) runVerify(targets []topologyTarget, identityMap map[string]string, verifySteps []verifyStep, result *model.ApplyResult) {
	post, err := e.provider.Collect()
	if err != nil {
		if anyRequired(verifySteps) {
			result.Success = false
			for _, v := range verifySteps {
				result.FailedSteps = append(result.FailedSteps, v.stepID)
			}
			result.Errors = append(result.Errors, fmt.Sprintf(
				"Required verify step failed to collect post snapshot: %v", err))
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"Verify step skipped: unable to collect post snapshot: %v", err))
		}
		return
	}

	verifyOK := verifyTopologyTargets(targets, identityMap, post, result)
	result.PostSnapshot = post

	if verifyOK {
		for _, v := range verifySteps {
			result.AppliedSteps = append(result.AppliedSteps, v.stepID)
		}
		return
	}
	if anyRequired(verifySteps) {
		result.Success = false
		for _, v := range verifySteps {
			result.FailedSteps = append(result.FailedSteps, v.stepID)
		}
	}
}

func verifyTopologyTargets(targets []topologyTarget, identityMap map[string]string, snap *model.DisplaySnapshot, result *model.ApplyResult) bool {
	ok := true
	for _, target := range targets {
		observedName := resolveDeviceName(target.canonicalID, identityMap)
		normalizedName := model.NormalizeDeviceName(observedName)

		var display *model.DisplayDescriptor
		for i := range snap.Displays {
			if model.NormalizeDeviceName(snap.Displays[i].OSDisplayName) == normalizedName {
				display = &snap.Displays[i]
				break
			}
		}

		if display == nil {
			message := fmt.Sprintf("Post-apply verify missing display '%s' resolved as '%s'",
				target.canonicalID, normalizedName)
			if target.required {
				result.Errors = append(result.Errors, message)
				ok = false
			} else {
				result.Warnings = append(result.Warnings, message)
			}
			continue
		}

		if display.CurrentRectPx == nil {
			message := fmt.Sprintf("Post-apply verify missing rect for display '%s' (%s)",
				target.canonicalID, display.OSDisplayName)
			if target.required {
				result.Errors = append(result.Errors, message)
				ok = false
			} else {
				result.Warnings = append(result.Warnings, message)
			}
			continue
		}

		if *display.CurrentRectPx != target.rect {
			observed := display.CurrentRectPx
			message := fmt.Sprintf(
				"Post-apply verify mismatch for '%s': observed (%d,%d,%d,%d) expected (%d,%d,%d,%d)",
				target.canonicalID,
				observed.X, observed.Y, observed.W, observed.H,
				target.rect.X, target.rect.Y, target.rect.W, target.rect.H)
			if target.required {
				result.Errors = append(result.Errors, message)
				ok = false
			} else {
				result.Warnings = append(result.Warnings, message)
			}
		}
	}
	return ok
}

// extractIdentityMap reads the resolve-identity step's payload into a
// canonical-id to observed-name map. Steps with unreadable payloads
// contribute nothing.
func extractIdentityMap(plan *model.DisplayPlan) map[string]string {
	identityMap := make(map[string]string)
	for i := range plan.Steps {
		if plan.Steps[i].Kind != model.StepResolveIdentity {
			continue
		}
		var resolution model.IdentityResolution
		if err := json.Unmarshal(plan.Steps[i].Payload, &resolution); err != nil {
			continue
		}
		for _, match := range resolution.Matches {
			if match.CanonicalDisplayID != "" && match.ObservedDisplayName != "" {
				identityMap[match.CanonicalDisplayID] = match.ObservedDisplayName
			}
		}
	}
	return identityMap
}

// resolveDeviceName maps a canonical id to its observed device name,
// falling back to the canonical string when the id never resolved.
func resolveDeviceName(canonicalOrDevice string, identityMap map[string]string) string {
	if observed, ok := identityMap[canonicalOrDevice]; ok {
		return observed
	}
	return canonicalOrDevice
}

func withOptionalRollback(primary string, rollbackErr error) error {
	if rollbackErr != nil {
		return fmt.Errorf("%s; rollback failed: %v", primary, rollbackErr)
	}
	return fmt.Errorf("%s", primary)
}

func anyRequired(steps []verifyStep) bool {
	for _, s := range steps {
		if s.required {
			return true
		}
	}
	return false
}
