// Package validate performs static and snapshot-relative checks over a
// display profile. Issues are descriptive values with stable codes;
// validation never aborts planning. The profile's strict flag is the
// severity lever that promotes presence and layout mismatches from
// Warning to Error.
package validate

import (
	"fmt"
	"strings"

	"github.com/prism-av/display-agent/internal/model"
)

// Profile validates a profile, optionally against a live snapshot.
func Profile(profile *model.DisplayProfile, snapshot *model.DisplaySnapshot) model.ValidationReport {
	return ProfileWithIdentity(profile, snapshot, nil)
}

// ProfileWithIdentity validates a profile against a snapshot and an
// identity resolution, both optional. Presence checks activate when a
// snapshot is supplied, the topology declares canonical ids, or an
// identity resolution is supplied.
func ProfileWithIdentity(profile *model.DisplayProfile, snapshot *model.DisplaySnapshot, identity *model.IdentityResolution) model.ValidationReport {
	report := model.ValidationReport{Ok: true, Issues: []model.ValidationIssue{}}

	if trimEmpty(profile.ProfileID) {
		pushIssue(&report, model.SeverityError, "profile.id.missing", "Profile id is required")
	}

	requiredIDs := make(map[string]bool)
	for _, required := range profile.RequiredDisplays {
		required = trim(required)
		if required == "" {
			pushIssue(&report, model.SeverityError, "required_display.id.missing",
				"Required display id cannot be empty")
			continue
		}
		if requiredIDs[required] {
			pushIssue(&report, model.SeverityError, "required_display.id.duplicate",
				fmt.Sprintf("Duplicate required display '%s'", required))
		}
		requiredIDs[required] = true
	}

	topologyMap := validateTopology(profile, snapshot, &report)
	topologyIDs := make(map[string]bool, len(topologyMap))
	for id := range topologyMap {
		topologyIDs[id] = true
	}

	if len(profile.PixelRoutes) == 0 {
		pushIssue(&report, model.SeverityWarning, "routes.empty", "Profile has no pixel routes")
	}

	observedNames := make(map[string]bool)
	if snapshot != nil {
		for i := range snapshot.Displays {
			observedNames[snapshot.Displays[i].OSDisplayName] = true
		}
	}

	resolvedCanonical := make(map[string]bool)
	if identity != nil {
		for i := range identity.Matches {
			resolvedCanonical[identity.Matches[i].CanonicalDisplayID] = true
		}
	}

	presenceActive := snapshot != nil || len(topologyIDs) > 0 || len(resolvedCanonical) > 0

	validateMosaics(profile, observedNames, topologyIDs, resolvedCanonical, presenceActive, &report)

	routeIDs := make(map[string]bool)
	for i := range profile.PixelRoutes {
		route := &profile.PixelRoutes[i]

		if trimEmpty(route.RouteID) {
			pushIssue(&report, model.SeverityError, "routes.id.missing", "Pixel route id cannot be empty")
		} else if routeIDs[route.RouteID] {
			pushIssue(&report, model.SeverityError, "routes.id.duplicate",
				fmt.Sprintf("Duplicate pixel route id '%s'", route.RouteID))
		} else {
			routeIDs[route.RouteID] = true
		}

		if trimEmpty(route.DestDisplayID) {
			pushIssue(&report, model.SeverityError, "routes.dest_display.missing_id",
				fmt.Sprintf("Route '%s' destination display id cannot be empty", route.RouteID))
		}

		if route.SourceRectPx.W == 0 || route.SourceRectPx.H == 0 {
			pushIssue(&report, model.SeverityError, "routes.source_rect.invalid",
				fmt.Sprintf("Route '%s' source rect must be non-zero", route.RouteID))
		}

		if route.DestRectPx.W == 0 || route.DestRectPx.H == 0 {
			pushIssue(&report, model.SeverityError, "routes.dest_rect.invalid",
				fmt.Sprintf("Route '%s' destination rect must be non-zero", route.RouteID))
		}

		if topologyRect, ok := topologyMap[route.DestDisplayID]; ok {
			maxW := uint32(max32(topologyRect.W, 0))
			maxH := uint32(max32(topologyRect.H, 0))
			rectRight := saturatingAddU32(route.DestRectPx.X, route.DestRectPx.W)
			rectBottom := saturatingAddU32(route.DestRectPx.Y, route.DestRectPx.H)
			if rectRight > maxW || rectBottom > maxH {
				pushIssue(&report, model.SeverityError, "routes.dest_rect.out_of_bounds",
					fmt.Sprintf("Route '%s' destination rect exceeds display '%s' bounds (%dx%d)",
						route.RouteID, route.DestDisplayID, maxW, maxH))
			}
		}

		if presenceActive && !isResolvedID(route.DestDisplayID, observedNames, topologyIDs, resolvedCanonical) {
			pushIssue(&report, strictOrWarning(profile.Strict), "route.dest_display.missing",
				fmt.Sprintf("Route '%s' destination display '%s' is unresolved",
					route.RouteID, route.DestDisplayID))
		}
	}

	if profile.OverlapPolicy == model.OverlapForbid {
		validateOverlap(profile, &report)
	}

	if presenceActive {
		for _, required := range profile.RequiredDisplays {
			if !isResolvedID(required, observedNames, topologyIDs, resolvedCanonical) {
				pushIssue(&report, strictOrWarning(profile.Strict), "required_display.missing",
					fmt.Sprintf("Required display '%s' is unresolved", required))
			}
		}
	}

	for i := range report.Issues {
		if report.Issues[i].Severity == model.SeverityError {
			report.Ok = false
			break
		}
	}
	return report
}

func validateTopology(profile *model.DisplayProfile, snapshot *model.DisplaySnapshot, report *model.ValidationReport) map[string]model.RectI32 {
	topology := make(map[string]model.RectI32)

	observedRects := make(map[string]model.RectI32)
	if snapshot != nil {
		for i := range snapshot.Displays {
			if rect := snapshot.Displays[i].CurrentRectPx; rect != nil {
				observedRects[snapshot.Displays[i].OSDisplayName] = *rect
			}
		}
	}

	for _, expected := range profile.Topology.ExpectedRects {
		id := trim(expected.CanonicalDisplayID)
		if id == "" {
			pushIssue(report, model.SeverityError, "topology.id.missing",
				"Topology expected rect contains empty canonical_display_id")
			continue
		}

		if expected.RectPx.W <= 0 || expected.RectPx.H <= 0 {
			pushIssue(report, model.SeverityError, "topology.rect.invalid",
				fmt.Sprintf("Topology rect for '%s' must be non-zero", id))
		}

		if _, dup := topology[id]; dup {
			pushIssue(report, model.SeverityError, "topology.id.duplicate",
				fmt.Sprintf("Duplicate topology canonical_display_id '%s'", id))
		}
		topology[id] = expected.RectPx

		if observed, ok := observedRects[id]; ok && observed != expected.RectPx {
			severity := model.SeverityWarning
			if profile.Strict && profile.Topology.Strict {
				severity = model.SeverityError
			}
			pushIssue(report, severity, "topology.rect.mismatch",
				fmt.Sprintf("Display '%s' current rect (%d,%d,%d,%d) != expected (%d,%d,%d,%d)",
					id, observed.X, observed.Y, observed.W, observed.H,
					expected.RectPx.X, expected.RectPx.Y, expected.RectPx.W, expected.RectPx.H))
		}
	}

	return topology
}

func validateMosaics(profile *model.DisplayProfile, observedNames, topologyIDs, resolvedCanonical map[string]bool, presenceActive bool, report *model.ValidationReport) {
	mosaicIDs := make(map[string]bool)
	for i := range profile.Mosaics {
		mosaic := &profile.Mosaics[i]
		mosaicID := trim(mosaic.ID)
		if mosaicID == "" {
			pushIssue(report, model.SeverityError, "mosaic.id.missing", "Mosaic id cannot be empty")
		} else if mosaicIDs[mosaicID] {
			pushIssue(report, model.SeverityError, "mosaic.id.duplicate",
				fmt.Sprintf("Duplicate mosaic id '%s'", mosaicID))
		} else {
			mosaicIDs[mosaicID] = true
		}

		if len(mosaic.Members) == 0 {
			pushIssue(report, model.SeverityError, "mosaic.members.empty",
				fmt.Sprintf("Mosaic '%s' has no members", mosaic.ID))
		}

		memberIDs := make(map[string]bool, len(mosaic.Members))
		for _, member := range mosaic.Members {
			if trimEmpty(member) {
				pushIssue(report, model.SeverityError, "mosaic.member.empty",
					fmt.Sprintf("Mosaic '%s' has an empty member id", mosaic.ID))
				continue
			}

			if memberIDs[member] {
				pushIssue(report, model.SeverityError, "mosaic.member.duplicate",
					fmt.Sprintf("Mosaic '%s' has duplicate member '%s'", mosaic.ID, member))
			}
			memberIDs[member] = true

			if presenceActive && !isResolvedID(member, observedNames, topologyIDs, resolvedCanonical) {
				pushIssue(report, strictOrWarning(profile.Strict), "mosaic.member.missing",
					fmt.Sprintf("Mosaic '%s' member '%s' is unresolved", mosaic.ID, member))
			}
		}

		if mosaic.Rows != nil && *mosaic.Rows == 0 {
			pushIssue(report, model.SeverityError, "mosaic.rows.invalid",
				fmt.Sprintf("Mosaic '%s' rows must be > 0", mosaic.ID))
		}
		if mosaic.Cols != nil && *mosaic.Cols == 0 {
			pushIssue(report, model.SeverityError, "mosaic.cols.invalid",
				fmt.Sprintf("Mosaic '%s' cols must be > 0", mosaic.ID))
		}

		if mosaic.Rows != nil && mosaic.Cols != nil {
			cells := uint64(*mosaic.Rows) * uint64(*mosaic.Cols)
			if cells != uint64(len(mosaic.Members)) {
				pushIssue(report, strictOrWarning(profile.Strict), "mosaic.layout.member_count_mismatch",
					fmt.Sprintf("Mosaic '%s' rows*cols (%d) does not match member count (%d)",
						mosaic.ID, cells, len(mosaic.Members)))
			}
		}

		if mosaic.ExpectedCanvasWidth != nil && *mosaic.ExpectedCanvasWidth == 0 {
			pushIssue(report, model.SeverityError, "mosaic.canvas_width.invalid",
				fmt.Sprintf("Mosaic '%s' expected_canvas_width must be > 0", mosaic.ID))
		}
		if mosaic.ExpectedCanvasHeight != nil && *mosaic.ExpectedCanvasHeight == 0 {
			pushIssue(report, model.SeverityError, "mosaic.canvas_height.invalid",
				fmt.Sprintf("Mosaic '%s' expected_canvas_height must be > 0", mosaic.ID))
		}
	}
}

// validateOverlap tests every pair of enabled routes sharing a
// destination display for AABB intersection. Edge-touching rects do
// not overlap.
func validateOverlap(profile *model.DisplayProfile, report *model.ValidationReport) {
	type routeRect struct {
		id   string
		rect model.RectU32
	}
	byDisplay := make(map[string][]routeRect)
	displayOrder := []string{}
	for i := range profile.PixelRoutes {
		route := &profile.PixelRoutes[i]
		if !route.Enabled {
			continue
		}
		if _, seen := byDisplay[route.DestDisplayID]; !seen {
			displayOrder = append(displayOrder, route.DestDisplayID)
		}
		byDisplay[route.DestDisplayID] = append(byDisplay[route.DestDisplayID],
			routeRect{id: route.RouteID, rect: route.DestRectPx})
	}

	for _, displayID := range displayOrder {
		routes := byDisplay[displayID]
		for i := 0; i < len(routes); i++ {
			for j := i + 1; j < len(routes); j++ {
				if rectOverlap(routes[i].rect, routes[j].rect) {
					pushIssue(report, model.SeverityError, "routes.overlap",
						fmt.Sprintf("Routes '%s' and '%s' overlap on destination display '%s'",
							routes[i].id, routes[j].id, displayID))
				}
			}
		}
	}
}

func rectOverlap(a, b model.RectU32) bool {
	ax2 := saturatingAddU32(a.X, a.W)
	ay2 := saturatingAddU32(a.Y, a.H)
	bx2 := saturatingAddU32(b.X, b.W)
	by2 := saturatingAddU32(b.Y, b.H)

	return !(ax2 <= b.X || bx2 <= a.X || ay2 <= b.Y || by2 <= a.Y)
}

func saturatingAddU32(a, b uint32) uint32 {
	sum := uint64(a) + uint64(b)
	if sum > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(sum)
}

func strictOrWarning(strict bool) model.ValidationSeverity {
	if strict {
		return model.SeverityError
	}
	return model.SeverityWarning
}

func isResolvedID(id string, observedNames, topologyIDs, resolvedCanonical map[string]bool) bool {
	return observedNames[id] || topologyIDs[id] || resolvedCanonical[id]
}

func pushIssue(report *model.ValidationReport, severity model.ValidationSeverity, code, message string) {
	report.Issues = append(report.Issues, model.ValidationIssue{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func trim(s string) string {
	return strings.TrimSpace(s)
}

func trimEmpty(s string) bool {
	return trim(s) == ""
}
