package applyengine

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/prism-av/display-agent/internal/model"
)

// fakeMode records the rect a target was staged with.
type fakeMode struct {
	rect model.RectI32
}

func (m fakeMode) WithRect(rect model.RectI32) (Mode, error) {
	if rect.W <= 0 || rect.H <= 0 {
		return nil, fmt.Errorf("invalid rect %dx%d for display position update", rect.W, rect.H)
	}
	return fakeMode{rect: rect}, nil
}

type stagedCall struct {
	device string
	rect   model.RectI32
}

// fakeAdapter scripts stage/commit failures and records the call
// sequence so rollback behavior can be asserted.
type fakeAdapter struct {
	current    map[string]model.RectI32
	failQuery  map[string]bool
	failStage  map[string]bool
	failCommit bool
	staged     []stagedCall
	commits    int
	events     []string
}

func newFakeAdapter(devices ...string) *fakeAdapter {
	current := make(map[string]model.RectI32, len(devices))
	for i, d := range devices {
		current[d] = model.RectI32{X: int32(i) * 1920, W: 1920, H: 1080}
	}
	return &fakeAdapter{
		current:   current,
		failQuery: map[string]bool{},
		failStage: map[string]bool{},
	}
}

func (a *fakeAdapter) QueryMode(device string) (Mode, error) {
	if a.failQuery[device] {
		return nil, fmt.Errorf("EnumDisplaySettingsExW failed for %s", device)
	}
	rect, ok := a.current[device]
	if !ok {
		return nil, fmt.Errorf("EnumDisplaySettingsExW failed for %s", device)
	}
	return fakeMode{rect: rect}, nil
}

func (a *fakeAdapter) StageMode(device string, mode Mode) error {
	if a.failStage[device] {
		a.events = append(a.events, "stage-fail:"+device)
		return fmt.Errorf("ChangeDisplaySettingsExW stage failed for %s (code -5)", device)
	}
	fm := mode.(fakeMode)
	a.staged = append(a.staged, stagedCall{device: device, rect: fm.rect})
	a.events = append(a.events, "stage:"+device)
	return nil
}

func (a *fakeAdapter) Commit() error {
	a.events = append(a.events, "commit")
	if a.failCommit {
		return fmt.Errorf("ChangeDisplaySettingsExW commit failed (code -1)")
	}
	a.commits++
	return nil
}

type fakeProvider struct {
	snap *model.DisplaySnapshot
	err  error
}

func (p fakeProvider) Collect() (*model.DisplaySnapshot, error) {
	return p.snap, p.err
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return raw
}

func topologyStep(t *testing.T, stepID string, required bool, rects ...model.DisplayExpectedRect) model.DisplayPlanStep {
	t.Helper()
	return model.DisplayPlanStep{
		StepID:   stepID,
		Kind:     model.StepSetTopology,
		Required: required,
		Payload: mustRaw(t, model.DisplayTopologyProfile{
			Strict:        true,
			ExpectedRects: rects,
		}),
	}
}

func resolveStep(t *testing.T, stepID string, matches map[string]string) model.DisplayPlanStep {
	t.Helper()
	resolution := model.IdentityResolution{}
	for canonical, observed := range matches {
		resolution.Matches = append(resolution.Matches, model.IdentityMatch{
			CanonicalDisplayID:  canonical,
			ObservedDisplayName: observed,
		})
	}
	return model.DisplayPlanStep{
		StepID:   stepID,
		Kind:     model.StepResolveIdentity,
		Required: true,
		Payload:  mustRaw(t, resolution),
	}
}

func verifyStepRecord(t *testing.T, stepID string, required bool) model.DisplayPlanStep {
	t.Helper()
	return model.DisplayPlanStep{
		StepID:   stepID,
		Kind:     model.StepVerify,
		Required: required,
		Payload:  json.RawMessage(`{"strict":true,"requiredDisplays":[]}`),
	}
}

func snapshotWithRects(rects map[string]model.RectI32) *model.DisplaySnapshot {
	snap := &model.DisplaySnapshot{TimestampUTC: "2026-08-02T10:00:00Z"}
	for name, rect := range rects {
		r := rect
		snap.Displays = append(snap.Displays, model.DisplayDescriptor{
			OSDisplayName: name,
			CurrentRectPx: &r,
			IsActive:      true,
		})
	}
	return snap
}

func TestDryRunSimulates(t *testing.T) {
	plan := model.DisplayPlan{
		PlanID:   "p1",
		Warnings: []string{"validation warning"},
		Steps: []model.DisplayPlanStep{
			resolveStep(t, "resolve-1", nil),
			topologyStep(t, "topology-1", true, model.DisplayExpectedRect{CanonicalDisplayID: "wall-left", RectPx: model.RectI32{W: 1920, H: 1080}}),
			verifyStepRecord(t, "verify-1", true),
		},
	}

	adapter := newFakeAdapter()
	engine := New(adapter, fakeProvider{})
	result := engine.Apply(&plan, true)

	if !result.Success || !result.DryRun {
		t.Fatalf("dry run success=%v dryRun=%v, want true/true", result.Success, result.DryRun)
	}
	if len(result.AppliedSteps) != 3 {
		t.Fatalf("applied = %v, want 3 entries", result.AppliedSteps)
	}
	for _, step := range result.AppliedSteps {
		if !strings.HasSuffix(step, " (dry-run)") {
			t.Errorf("applied step %q missing (dry-run) suffix", step)
		}
	}
	if result.PostSnapshot != nil {
		t.Error("dry run must not collect a post snapshot")
	}
	if len(adapter.events) != 0 {
		t.Errorf("dry run touched the adapter: %v", adapter.events)
	}
	if len(result.Warnings) != 1 || result.Warnings[0] != "validation warning" {
		t.Errorf("plan warnings not propagated: %v", result.Warnings)
	}
}

func TestStagedRollbackOnStageFailure(t *testing.T) {
	adapter := newFakeAdapter(`\\.\DISPLAY1`, `\\.\DISPLAY2`)
	adapter.failStage[`\\.\DISPLAY2`] = true

	plan := model.DisplayPlan{
		PlanID: "p-rollback",
		Steps: []model.DisplayPlanStep{
			topologyStep(t, "topology-1", true,
				model.DisplayExpectedRect{CanonicalDisplayID: `\\.\DISPLAY1`, RectPx: model.RectI32{X: 0, W: 2560, H: 1440}},
				model.DisplayExpectedRect{CanonicalDisplayID: `\\.\DISPLAY2`, RectPx: model.RectI32{X: 2560, W: 2560, H: 1440}},
			),
		},
	}

	engine := New(adapter, fakeProvider{})
	result := engine.Apply(&plan, false)

	if result.Success {
		t.Fatal("success = true, want false")
	}
	if len(result.AppliedSteps) != 0 {
		t.Fatalf("applied = %v, want empty", result.AppliedSteps)
	}
	if result.PostSnapshot != nil {
		t.Error("post snapshot must be absent when no commit occurred")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], `Failed to stage required target '\\.\DISPLAY2'`) {
		t.Fatalf("errors = %v, want stage failure for DISPLAY2", result.Errors)
	}

	// The staged original for DISPLAY1 must have been re-staged and
	// committed back.
	wantEvents := []string{
		"stage:" + `\\.\DISPLAY1`, // new mode staged
		"stage-fail:" + `\\.\DISPLAY2`,
		"stage:" + `\\.\DISPLAY1`, // rollback of the original
		"commit",                  // rollback commit
	}
	if len(adapter.events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", adapter.events, wantEvents)
	}
	for i, want := range wantEvents {
		if adapter.events[i] != want {
			t.Fatalf("events[%d] = %s, want %s (all: %v)", i, adapter.events[i], want, adapter.events)
		}
	}
	rollbackRect := adapter.staged[len(adapter.staged)-1].rect
	if rollbackRect.W != 1920 || rollbackRect.H != 1080 {
		t.Errorf("rollback staged rect = %+v, want the original 1920x1080", rollbackRect)
	}
}

func TestRollbackFailureIsAppended(t *testing.T) {
	adapter := newFakeAdapter(`\\.\DISPLAY1`, `\\.\DISPLAY2`)
	adapter.failCommit = true

	plan := model.DisplayPlan{
		PlanID: "p-commit-fail",
		Steps: []model.DisplayPlanStep{
			topologyStep(t, "topology-1", true,
				model.DisplayExpectedRect{CanonicalDisplayID: `\\.\DISPLAY1`, RectPx: model.RectI32{W: 2560, H: 1440}},
			),
		},
	}

	engine := New(adapter, fakeProvider{})
	result := engine.Apply(&plan, false)

	if result.Success {
		t.Fatal("success = true, want false")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want 1", result.Errors)
	}
	if !strings.Contains(result.Errors[0], "Failed to commit staged display modes") {
		t.Fatalf("errors = %v, want commit failure", result.Errors)
	}
	// The rollback commit also fails, so it must be appended.
	if !strings.Contains(result.Errors[0], "; rollback failed:") {
		t.Fatalf("errors = %v, want appended rollback failure", result.Errors)
	}
}

func TestVerifyMismatch(t *testing.T) {
	adapter := newFakeAdapter(`\\.\DISPLAY1`)
	post := snapshotWithRects(map[string]model.RectI32{
		`\\.\DISPLAY1`: {X: 0, Y: 0, W: 1921, H: 1080}, // off by one
	})

	plan := model.DisplayPlan{
		PlanID: "p-verify",
		Steps: []model.DisplayPlanStep{
			resolveStep(t, "resolve-1", map[string]string{"wall-left": `\\.\DISPLAY1`}),
			topologyStep(t, "topology-1", true,
				model.DisplayExpectedRect{CanonicalDisplayID: "wall-left", RectPx: model.RectI32{X: 0, Y: 0, W: 1920, H: 1080}},
			),
			verifyStepRecord(t, "verify-1", true),
		},
	}

	engine := New(adapter, fakeProvider{snap: post})
	result := engine.Apply(&plan, false)

	if result.Success {
		t.Fatal("success = true, want false on verify mismatch")
	}
	if result.PostSnapshot == nil {
		t.Fatal("post snapshot must be attached after verify ran")
	}
	want := "Post-apply verify mismatch for 'wall-left': observed (0,0,1921,1080) expected (0,0,1920,1080)"
	found := false
	for _, e := range result.Errors {
		if e == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors = %v, want %q", result.Errors, want)
	}
	for _, applied := range result.AppliedSteps {
		if applied == "verify-1" {
			t.Error("verify step marked applied despite mismatch")
		}
	}
}

func TestVerifySuccess(t *testing.T) {
	adapter := newFakeAdapter(`\\.\DISPLAY1`)
	post := snapshotWithRects(map[string]model.RectI32{
		`\\.\DISPLAY1`: {X: 0, Y: 0, W: 2560, H: 1440},
	})

	plan := model.DisplayPlan{
		PlanID: "p-ok",
		Steps: []model.DisplayPlanStep{
			resolveStep(t, "resolve-1", map[string]string{"wall-left": `\\.\DISPLAY1`}),
			topologyStep(t, "topology-1", true,
				model.DisplayExpectedRect{CanonicalDisplayID: "wall-left", RectPx: model.RectI32{X: 0, Y: 0, W: 2560, H: 1440}},
			),
			verifyStepRecord(t, "verify-1", true),
		},
	}

	engine := New(adapter, fakeProvider{snap: post})
	result := engine.Apply(&plan, false)

	if !result.Success {
		t.Fatalf("success = false, errors = %v", result.Errors)
	}
	if adapter.commits != 1 {
		t.Fatalf("commits = %d, want 1", adapter.commits)
	}
	// Identity resolution mapped wall-left to DISPLAY1 for staging.
	if adapter.staged[0].device != `\\.\DISPLAY1` {
		t.Fatalf("staged device = %s, want \\\\.\\DISPLAY1", adapter.staged[0].device)
	}
	wantApplied := map[string]bool{"resolve-1": true, "topology-1": true, "verify-1": true}
	for _, step := range result.AppliedSteps {
		delete(wantApplied, step)
	}
	if len(wantApplied) != 0 {
		t.Fatalf("applied = %v, missing %v", result.AppliedSteps, wantApplied)
	}
	if result.PostSnapshot == nil {
		t.Error("post snapshot must be attached")
	}
}

func TestBareDeviceNamesNormalizeForStagingAndVerify(t *testing.T) {
	adapter := newFakeAdapter(`\\.\DISPLAY1`)
	post := snapshotWithRects(map[string]model.RectI32{
		"DISPLAY1": {X: 0, Y: 0, W: 2560, H: 1440}, // bare name in the post snapshot
	})

	plan := model.DisplayPlan{
		PlanID: "p-normalize",
		Steps: []model.DisplayPlanStep{
			resolveStep(t, "resolve-1", map[string]string{"wall-left": "DISPLAY1"}),
			topologyStep(t, "topology-1", true,
				model.DisplayExpectedRect{CanonicalDisplayID: "wall-left", RectPx: model.RectI32{X: 0, Y: 0, W: 2560, H: 1440}},
			),
			verifyStepRecord(t, "verify-1", true),
		},
	}

	engine := New(adapter, fakeProvider{snap: post})
	result := engine.Apply(&plan, false)

	if !result.Success {
		t.Fatalf("success = false, errors = %v", result.Errors)
	}
	if adapter.staged[0].device != `\\.\DISPLAY1` {
		t.Fatalf("staged device = %s, want normalized \\\\.\\DISPLAY1", adapter.staged[0].device)
	}
}

func TestUnsupportedRequiredKindFailsBeforeMutation(t *testing.T) {
	adapter := newFakeAdapter(`\\.\DISPLAY1`)
	plan := model.DisplayPlan{
		PlanID: "p-unsupported",
		Steps: []model.DisplayPlanStep{
			{StepID: "mode-1", Kind: model.StepSetMode, Required: true, Payload: json.RawMessage(`{}`)},
			topologyStep(t, "topology-1", true,
				model.DisplayExpectedRect{CanonicalDisplayID: `\\.\DISPLAY1`, RectPx: model.RectI32{W: 2560, H: 1440}},
			),
		},
	}

	engine := New(adapter, fakeProvider{})
	result := engine.Apply(&plan, false)

	if result.Success {
		t.Fatal("success = true, want false for required unsupported step")
	}
	if len(adapter.events) != 0 {
		t.Fatalf("OS touched despite classification error: %v", adapter.events)
	}
	if len(result.FailedSteps) == 0 || result.FailedSteps[0] != "mode-1" {
		t.Fatalf("failed steps = %v, want [mode-1]", result.FailedSteps)
	}
}

func TestUnsupportedOptionalKindWarns(t *testing.T) {
	adapter := newFakeAdapter()
	plan := model.DisplayPlan{
		PlanID: "p-optional",
		Steps: []model.DisplayPlanStep{
			{StepID: "mosaic-off-1", Kind: model.StepDisableMosaic, Required: false, Payload: json.RawMessage(`{}`)},
		},
	}

	engine := New(adapter, fakeProvider{})
	result := engine.Apply(&plan, false)

	if !result.Success {
		t.Fatalf("success = false, errors = %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("want a warning for the unsupported optional step")
	}
}

func TestMalformedPayloadSeverity(t *testing.T) {
	adapter := newFakeAdapter()
	required := model.DisplayPlan{
		Steps: []model.DisplayPlanStep{
			{StepID: "topology-bad", Kind: model.StepSetTopology, Required: true, Payload: json.RawMessage(`{"nope":1}`)},
		},
	}
	result := New(adapter, fakeProvider{}).Apply(&required, false)
	if result.Success {
		t.Fatal("success = true, want false for malformed required payload")
	}

	optional := model.DisplayPlan{
		Steps: []model.DisplayPlanStep{
			{StepID: "topology-bad", Kind: model.StepSetTopology, Required: false, Payload: json.RawMessage(`{"nope":1}`)},
		},
	}
	result = New(adapter, fakeProvider{}).Apply(&optional, false)
	if !result.Success {
		t.Fatalf("success = false for malformed optional payload, errors = %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("want a skip warning for malformed optional payload")
	}
}

func TestRequiredMosaicFailureStopsApply(t *testing.T) {
	adapter := newFakeAdapter(`\\.\DISPLAY1`)
	plan := model.DisplayPlan{
		Steps: []model.DisplayPlanStep{
			{
				StepID:   "mosaic-1",
				Kind:     model.StepEnableMosaic,
				Required: true,
				Payload: mustRaw(t, model.MosaicGroup{
					ID:      "surround",
					Members: []string{"a", "b"},
					Backend: model.MosaicBackendAMD,
				}),
			},
			topologyStep(t, "topology-1", true,
				model.DisplayExpectedRect{CanonicalDisplayID: `\\.\DISPLAY1`, RectPx: model.RectI32{W: 2560, H: 1440}},
			),
		},
	}

	engine := New(adapter, fakeProvider{})
	result := engine.Apply(&plan, false)

	if result.Success {
		t.Fatal("success = true, want false for unsupported required mosaic backend")
	}
	if len(adapter.events) != 0 {
		t.Fatalf("topology phase ran after mosaic failure: %v", adapter.events)
	}
}

func TestOptionalMosaicFailureDowngrades(t *testing.T) {
	adapter := newFakeAdapter()
	plan := model.DisplayPlan{
		Steps: []model.DisplayPlanStep{
			{
				StepID:   "mosaic-1",
				Kind:     model.StepEnableMosaic,
				Required: false,
				Payload: mustRaw(t, model.MosaicGroup{
					ID:      "surround",
					Members: []string{"a"},
					Backend: model.MosaicBackendNvidia,
				}),
			},
		},
	}

	engine := New(adapter, fakeProvider{})
	result := engine.Apply(&plan, false)

	if !result.Success {
		t.Fatalf("success = false, errors = %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("want a downgrade warning for the failed optional mosaic")
	}
}

func TestNoopMosaicBackendsApply(t *testing.T) {
	adapter := newFakeAdapter()
	plan := model.DisplayPlan{
		Steps: []model.DisplayPlanStep{
			{
				StepID:   "mosaic-1",
				Kind:     model.StepEnableMosaic,
				Required: true,
				Payload: mustRaw(t, model.MosaicGroup{
					ID:      "soft",
					Members: []string{"a", "b"},
					Backend: model.MosaicBackendSoftware,
				}),
			},
		},
	}

	result := New(adapter, fakeProvider{}).Apply(&plan, false)
	if !result.Success {
		t.Fatalf("success = false, errors = %v", result.Errors)
	}
	found := false
	for _, step := range result.AppliedSteps {
		if step == "mosaic-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("applied = %v, want mosaic-1", result.AppliedSteps)
	}
}

func TestOptionalTopologyTargetSkipped(t *testing.T) {
	adapter := newFakeAdapter(`\\.\DISPLAY1`)
	adapter.failQuery[`\\.\DISPLAY9`] = true

	plan := model.DisplayPlan{
		Steps: []model.DisplayPlanStep{
			topologyStep(t, "topology-1", false,
				model.DisplayExpectedRect{CanonicalDisplayID: `\\.\DISPLAY9`, RectPx: model.RectI32{W: 2560, H: 1440}},
				model.DisplayExpectedRect{CanonicalDisplayID: `\\.\DISPLAY1`, RectPx: model.RectI32{W: 2560, H: 1440}},
			),
		},
	}

	result := New(adapter, fakeProvider{}).Apply(&plan, false)
	if !result.Success {
		t.Fatalf("success = false, errors = %v", result.Errors)
	}
	if adapter.commits != 1 {
		t.Fatalf("commits = %d, want 1 (DISPLAY1 staged despite DISPLAY9 skip)", adapter.commits)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("want a skip warning for the optional unreachable target")
	}
}

func TestApplyPixelRouteIsContractOnly(t *testing.T) {
	adapter := newFakeAdapter()
	plan := model.DisplayPlan{
		Steps: []model.DisplayPlanStep{
			{StepID: "route-r1", Kind: model.StepApplyPixelRoute, Required: true, Payload: json.RawMessage(`{}`)},
		},
	}

	result := New(adapter, fakeProvider{}).Apply(&plan, false)
	if !result.Success {
		t.Fatalf("success = false, errors = %v", result.Errors)
	}
	if len(result.AppliedSteps) != 1 || result.AppliedSteps[0] != "route-r1" {
		t.Fatalf("applied = %v, want [route-r1]", result.AppliedSteps)
	}
	if len(adapter.events) != 0 {
		t.Fatalf("pixel route touched the adapter: %v", adapter.events)
	}
}
