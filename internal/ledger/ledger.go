// Package ledger projects a profile's pixel routes onto observed
// monitor identities. The ledger is what downstream consumers
// (compositors, capture chains) use to bind outputs unambiguously.
package ledger

import (
	"fmt"
	"sort"

	"github.com/prism-av/display-agent/internal/model"
)

// BuildPixelLedger projects every route in the profile into a ledger
// entry. A route's observed destination is taken from the identity
// match map when possible; a canonical id that itself names an
// observed OS display resolves directly. Anything else is recorded in
// unresolved_destinations (deduplicated, sorted).
func BuildPixelLedger(profile *model.DisplayProfile, resolution *model.IdentityResolution, snapshot *model.DisplaySnapshot) model.PixelLedger {
	pixelLedger := model.PixelLedger{
		GeneratedAtUTC:         model.NowUTC(),
		Entries:                []model.PixelLedgerEntry{},
		UnresolvedDestinations: []string{},
		Warnings:               []string{},
	}
	if profile.ProfileID != "" {
		pixelLedger.ProfileID = model.Ptr(profile.ProfileID)
	}

	identityMap := make(map[string]string, len(resolution.Matches))
	for i := range resolution.Matches {
		identityMap[resolution.Matches[i].CanonicalDisplayID] = resolution.Matches[i].ObservedDisplayName
	}

	observedNames := make(map[string]bool)
	if snapshot != nil {
		for i := range snapshot.Displays {
			observedNames[snapshot.Displays[i].OSDisplayName] = true
		}
	}

	for i := range profile.PixelRoutes {
		route := &profile.PixelRoutes[i]
		observedDest := resolveObservedDisplay(route.DestDisplayID, identityMap, observedNames)

		if observedDest == nil {
			pixelLedger.UnresolvedDestinations = append(pixelLedger.UnresolvedDestinations, route.DestDisplayID)
		}

		pixelLedger.Entries = append(pixelLedger.Entries, model.PixelLedgerEntry{
			RouteID:                 route.RouteID,
			SourceCanvasID:          route.SourceCanvasID,
			SourceRectPx:            route.SourceRectPx,
			CanonicalDestDisplayID:  route.DestDisplayID,
			ObservedDestDisplayName: observedDest,
			DestRectPx:              route.DestRectPx,
			Transform:               route.Transform,
			Sampling:                route.Sampling,
			Priority:                route.Priority,
			Enabled:                 route.Enabled,
		})
	}

	sort.Strings(pixelLedger.UnresolvedDestinations)
	pixelLedger.UnresolvedDestinations = dedupSorted(pixelLedger.UnresolvedDestinations)

	if len(resolution.UnresolvedKnown) > 0 {
		pixelLedger.Warnings = append(pixelLedger.Warnings, fmt.Sprintf(
			"Identity unresolved %d known display(s)", len(resolution.UnresolvedKnown)))
	}
	if len(resolution.UnresolvedObserved) > 0 {
		pixelLedger.Warnings = append(pixelLedger.Warnings, fmt.Sprintf(
			"Identity unresolved %d observed display(s)", len(resolution.UnresolvedObserved)))
	}
	if len(pixelLedger.UnresolvedDestinations) > 0 {
		pixelLedger.Warnings = append(pixelLedger.Warnings, fmt.Sprintf(
			"%d route destination display id(s) could not be resolved",
			len(pixelLedger.UnresolvedDestinations)))
	}

	return pixelLedger
}

func resolveObservedDisplay(canonicalDest string, identityMap map[string]string, observedNames map[string]bool) *string {
	if mapped, ok := identityMap[canonicalDest]; ok {
		return model.Ptr(mapped)
	}
	if observedNames[canonicalDest] {
		return model.Ptr(canonicalDest)
	}
	return nil
}

func dedupSorted(values []string) []string {
	out := values[:0]
	for i, v := range values {
		if i == 0 || values[i-1] != v {
			out = append(out, v)
		}
	}
	return out
}
