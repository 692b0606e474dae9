package bridge

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/prism-av/display-agent/internal/model"
)

type testEnvelope struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func decodeEnvelopeT(t *testing.T, raw string) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v (%s)", err, raw)
	}
	return env
}

func marshalT(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return string(raw)
}

func testSnapshot() model.DisplaySnapshot {
	return model.DisplaySnapshot{
		TimestampUTC: "2026-08-02T10:00:00Z",
		Displays: []model.DisplayDescriptor{
			{OSDisplayName: `\\.\DISPLAY1`, IsActive: true},
			{OSDisplayName: `\\.\DISPLAY2`, IsActive: true},
		},
	}
}

func TestVersionEnvelope(t *testing.T) {
	env := decodeEnvelopeT(t, Version())
	if !env.Ok {
		t.Fatalf("ok = false, error = %s", env.Error)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("Unmarshal(data) error = %v", err)
	}
	if data["version"] == "" {
		t.Fatal("version missing from data")
	}
}

func TestBuildKnownFromSnapshot(t *testing.T) {
	env := decodeEnvelopeT(t, BuildKnownFromSnapshot(marshalT(t, testSnapshot())))
	if !env.Ok {
		t.Fatalf("ok = false, error = %s", env.Error)
	}
	var known []model.KnownDisplay
	if err := json.Unmarshal(env.Data, &known); err != nil {
		t.Fatalf("Unmarshal(data) error = %v", err)
	}
	if len(known) != 2 || known[0].CanonicalDisplayID != "display-1" {
		t.Fatalf("known = %v, want display-1, display-2", known)
	}
}

func TestBuildKnownRejectsBadJSON(t *testing.T) {
	env := decodeEnvelopeT(t, BuildKnownFromSnapshot("{nope"))
	if env.Ok {
		t.Fatal("ok = true for malformed snapshot JSON")
	}
	if !strings.Contains(env.Error, "snapshot") {
		t.Fatalf("error = %q, want a snapshot parse failure", env.Error)
	}
}

func TestBuildKnownRejectsEmptyInput(t *testing.T) {
	env := decodeEnvelopeT(t, BuildKnownFromSnapshot(""))
	if env.Ok || !strings.Contains(env.Error, "required") {
		t.Fatalf("env = %+v, want required-argument error", env)
	}
}

func TestResolveIdentityWithOptionalPins(t *testing.T) {
	snap := testSnapshot()
	knownEnv := decodeEnvelopeT(t, BuildKnownFromSnapshot(marshalT(t, snap)))

	env := decodeEnvelopeT(t, ResolveIdentity(string(knownEnv.Data), marshalT(t, snap), ""))
	if !env.Ok {
		t.Fatalf("ok = false, error = %s", env.Error)
	}
	var resolution model.IdentityResolution
	if err := json.Unmarshal(env.Data, &resolution); err != nil {
		t.Fatalf("Unmarshal(data) error = %v", err)
	}
	if len(resolution.Matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(resolution.Matches))
	}
}

func TestValidateProfileWithoutSnapshot(t *testing.T) {
	profile := model.DisplayProfile{ProfileID: "p", PixelRoutes: []model.PixelRoute{}}
	env := decodeEnvelopeT(t, ValidateProfile(marshalT(t, profile), ""))
	if !env.Ok {
		t.Fatalf("ok = false, error = %s", env.Error)
	}
	var report model.ValidationReport
	if err := json.Unmarshal(env.Data, &report); err != nil {
		t.Fatalf("Unmarshal(data) error = %v", err)
	}
	if !report.Ok {
		t.Fatalf("report not ok: %v", report.Issues)
	}
}

func TestPlanProfileSynthesizesKnown(t *testing.T) {
	profile := model.DisplayProfile{
		ProfileID: "p",
		PixelRoutes: []model.PixelRoute{{
			RouteID:        "r-1",
			SourceCanvasID: "ctx",
			SourceRectPx:   model.RectU32{W: 100, H: 100},
			DestDisplayID:  `\\.\DISPLAY1`,
			DestRectPx:     model.RectU32{W: 100, H: 100},
			Enabled:        true,
		}},
	}

	env := decodeEnvelopeT(t, PlanProfile(marshalT(t, profile), marshalT(t, testSnapshot()), ""))
	if !env.Ok {
		t.Fatalf("ok = false, error = %s", env.Error)
	}
	var bundle PlanBundle
	if err := json.Unmarshal(env.Data, &bundle); err != nil {
		t.Fatalf("Unmarshal(data) error = %v", err)
	}

	if len(bundle.Identity.Matches) != 2 {
		t.Fatalf("identity matches = %d, want 2 from synthesized known", len(bundle.Identity.Matches))
	}
	if len(bundle.Plan.Steps) == 0 {
		t.Fatal("plan has no steps")
	}
	if bundle.Plan.Steps[0].Kind != model.StepResolveIdentity {
		t.Fatalf("first step = %s, want resolve-identity", bundle.Plan.Steps[0].Kind)
	}
	if last := bundle.Plan.Steps[len(bundle.Plan.Steps)-1]; last.Kind != model.StepVerify {
		t.Fatalf("last step = %s, want verify", last.Kind)
	}
	if len(bundle.Ledger.Entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(bundle.Ledger.Entries))
	}
}

func TestApplyPlanDryRun(t *testing.T) {
	plan := model.DisplayPlan{
		PlanID: "p",
		Steps: []model.DisplayPlanStep{{
			StepID:   "resolve-1",
			Kind:     model.StepResolveIdentity,
			Required: true,
			Payload:  json.RawMessage(`{"matches":[]}`),
		}},
	}

	env := decodeEnvelopeT(t, ApplyPlan(marshalT(t, plan), true))
	if !env.Ok {
		t.Fatalf("ok = false, error = %s", env.Error)
	}
	var result model.ApplyResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("Unmarshal(data) error = %v", err)
	}
	if !result.Success || !result.DryRun {
		t.Fatalf("result = %+v, want dry-run success", result)
	}
	if len(result.AppliedSteps) != 1 || !strings.HasSuffix(result.AppliedSteps[0], "(dry-run)") {
		t.Fatalf("applied = %v, want dry-run suffix", result.AppliedSteps)
	}
}

func TestApplyPlanRejectsBadJSON(t *testing.T) {
	env := decodeEnvelopeT(t, ApplyPlan("[not-a-plan", false))
	if env.Ok {
		t.Fatal("ok = true for malformed plan JSON")
	}
}
