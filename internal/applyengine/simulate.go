package applyengine

import "github.com/prism-av/display-agent/internal/model"

// Simulate records every plan step as applied without touching the OS.
// Dry runs suffix each step id with "(dry-run)"; plan warnings are
// propagated.
func Simulate(plan *model.DisplayPlan, dryRun bool) model.ApplyResult {
	result := model.ApplyResult{
		Success:      true,
		DryRun:       dryRun,
		AppliedSteps: []string{},
		FailedSteps:  []string{},
		Warnings:     []string{},
		Errors:       []string{},
	}

	for i := range plan.Steps {
		if dryRun {
			result.AppliedSteps = append(result.AppliedSteps, plan.Steps[i].StepID+" (dry-run)")
			continue
		}
		result.AppliedSteps = append(result.AppliedSteps, plan.Steps[i].StepID)
	}

	if len(plan.Warnings) > 0 {
		result.Warnings = append(result.Warnings, plan.Warnings...)
	}

	return result
}
