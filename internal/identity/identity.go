// Package identity matches canonical displays from a known-set against
// the devices observed in a live snapshot. Matching is deterministic:
// weighted signal scoring over the full cross-product, then greedy
// assignment in descending score order with ties broken by input order.
package identity

import (
	"fmt"
	"sort"

	"github.com/prism-av/display-agent/internal/model"
)

// Signal weights. Pins dominate persisted evidence; EDID identity
// outranks bus paths, which outrank names and resolutions.
const (
	weightPinMonitorDevicePath = 100
	weightPinPnpID             = 90
	weightPinAdapterTarget     = 85
	weightEdidSerialVendorProd = 60
	weightEdidHash             = 50
	weightMonitorDevicePath    = 40
	weightAdapterTarget        = 35
	weightPnpID                = 30
	weightFriendlyName         = 12
	weightNativeResolution     = 8
	weightDisplayNameOrAlias   = 5
)

// confidenceDivisor normalizes a raw score into [0,1]. Calibrated
// against the signal aggregate most callers will see; the resulting
// confidence drives a warning, not correctness.
const confidenceDivisor = 140.0

const lowConfidenceThreshold = 0.5

type candidate struct {
	knownIdx    int
	observedIdx int
	score       int32
	reasons     []string
}

// BuildKnownFromSnapshot synthesizes a known-set from a snapshot, one
// canonical id per observed display, numbered display-1..display-N.
// Aliases are seeded with the observed OS display name.
func BuildKnownFromSnapshot(snapshot *model.DisplaySnapshot) []model.KnownDisplay {
	known := make([]model.KnownDisplay, 0, len(snapshot.Displays))
	for idx := range snapshot.Displays {
		display := &snapshot.Displays[idx]
		known = append(known, model.KnownDisplay{
			CanonicalDisplayID: fmt.Sprintf("display-%d", idx+1),
			Evidence:           DescriptorToEvidence(display),
			Aliases:            []string{display.OSDisplayName},
			Confidence:         1.0,
			FirstSeenUTC:       model.Ptr(snapshot.TimestampUTC),
			LastSeenUTC:        model.Ptr(snapshot.TimestampUTC),
		})
	}
	return known
}

// DescriptorToEvidence projects a descriptor onto its identity subset.
func DescriptorToEvidence(display *model.DisplayDescriptor) model.DisplayIdentityEvidence {
	return model.DisplayIdentityEvidence{
		OSDisplayName:     model.Ptr(display.OSDisplayName),
		AdapterID:         display.AdapterID,
		TargetID:          display.TargetID,
		MonitorDevicePath: display.MonitorDevicePath,
		PnpID:             display.PnpID,
		FriendlyName:      display.FriendlyName,
		EdidVendor:        display.EdidVendor,
		EdidProductCode:   display.EdidProductCode,
		EdidSerial:        display.EdidSerial,
		EdidHash:          display.EdidHash,
		NativeWidth:       display.NativeWidth,
		NativeHeight:      display.NativeHeight,
		NativeRefreshHz:   display.NativeRefreshHz,
	}
}

// Resolve matches known displays against the snapshot. It never fails:
// degenerate inputs produce empty matches and populated unresolved
// lists. Two invocations over the same inputs yield identical output.
func Resolve(known []model.KnownDisplay, snapshot *model.DisplaySnapshot, pins []model.DisplayPin) model.IdentityResolution {
	resolution := model.IdentityResolution{
		Matches:            []model.IdentityMatch{},
		UnresolvedKnown:    []string{},
		UnresolvedObserved: []string{},
		Warnings:           []string{},
	}

	if len(known) == 0 {
		for i := range snapshot.Displays {
			resolution.UnresolvedObserved = append(resolution.UnresolvedObserved, snapshot.Displays[i].OSDisplayName)
		}
		return resolution
	}

	pinned := make(map[string]*model.DisplayPin, len(pins))
	for i := range pins {
		pinned[pins[i].CanonicalDisplayID] = &pins[i]
	}

	var candidates []candidate
	for knownIdx := range known {
		pin := pinned[known[knownIdx].CanonicalDisplayID]
		for observedIdx := range snapshot.Displays {
			score, reasons := scoreCandidate(&known[knownIdx], &snapshot.Displays[observedIdx], pin)
			if score > 0 {
				candidates = append(candidates, candidate{
					knownIdx:    knownIdx,
					observedIdx: observedIdx,
					score:       score,
					reasons:     reasons,
				})
			}
		}
	}

	// Descending score; ties resolve to the earlier known entry, then
	// the earlier observed entry, keeping results stable across
	// permutations of the candidate set.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].knownIdx != candidates[j].knownIdx {
			return candidates[i].knownIdx < candidates[j].knownIdx
		}
		return candidates[i].observedIdx < candidates[j].observedIdx
	})

	usedKnown := make(map[int]bool, len(known))
	usedObserved := make(map[int]bool, len(snapshot.Displays))

	for _, cand := range candidates {
		if usedKnown[cand.knownIdx] || usedObserved[cand.observedIdx] {
			continue
		}

		knownDisplay := &known[cand.knownIdx]
		observedDisplay := &snapshot.Displays[cand.observedIdx]
		confidence := clamp01(float32(cand.score) / confidenceDivisor)

		resolution.Matches = append(resolution.Matches, model.IdentityMatch{
			CanonicalDisplayID:  knownDisplay.CanonicalDisplayID,
			ObservedDisplayName: observedDisplay.OSDisplayName,
			ObservedIndex:       cand.observedIdx,
			Score:               cand.score,
			Confidence:          confidence,
			Reasons:             cand.reasons,
		})

		if confidence < lowConfidenceThreshold {
			resolution.Warnings = append(resolution.Warnings, fmt.Sprintf(
				"Low confidence match for %s -> %s (%.2f)",
				knownDisplay.CanonicalDisplayID, observedDisplay.OSDisplayName, confidence))
		}

		usedKnown[cand.knownIdx] = true
		usedObserved[cand.observedIdx] = true
	}

	for idx := range known {
		if !usedKnown[idx] {
			resolution.UnresolvedKnown = append(resolution.UnresolvedKnown, known[idx].CanonicalDisplayID)
		}
	}
	for idx := range snapshot.Displays {
		if !usedObserved[idx] {
			resolution.UnresolvedObserved = append(resolution.UnresolvedObserved, snapshot.Displays[idx].OSDisplayName)
		}
	}

	return resolution
}

// scoreCandidate sums the weights of matching signals between one known
// display and one observed device. Per signal group only the first
// matching form contributes. A pin whose declared signals are absent on
// the observed side contributes zero.
func scoreCandidate(known *model.KnownDisplay, observed *model.DisplayDescriptor, pin *model.DisplayPin) (int32, []string) {
	var score int32
	var reasons []string
	evidence := &known.Evidence

	if pin != nil {
		if ptrEq(pin.MonitorDevicePath, observed.MonitorDevicePath) {
			score += weightPinMonitorDevicePath
			reasons = append(reasons, "pin:monitor_device_path")
		}
		if ptrEq(pin.PnpID, observed.PnpID) {
			score += weightPinPnpID
			reasons = append(reasons, "pin:pnp_id")
		}
		if ptrEq(pin.AdapterID, observed.AdapterID) && ptrEq(pin.TargetID, observed.TargetID) {
			score += weightPinAdapterTarget
			reasons = append(reasons, "pin:adapter_target")
		}
	}

	if ptrEq(evidence.EdidSerial, observed.EdidSerial) &&
		ptrEq(evidence.EdidVendor, observed.EdidVendor) &&
		ptrEq(evidence.EdidProductCode, observed.EdidProductCode) {
		score += weightEdidSerialVendorProd
		reasons = append(reasons, "edid_serial_vendor_product")
	}

	if ptrEq(evidence.EdidHash, observed.EdidHash) {
		score += weightEdidHash
		reasons = append(reasons, "edid_hash")
	}

	if ptrEq(evidence.MonitorDevicePath, observed.MonitorDevicePath) {
		score += weightMonitorDevicePath
		reasons = append(reasons, "monitor_device_path")
	}

	if ptrEq(evidence.AdapterID, observed.AdapterID) && ptrEq(evidence.TargetID, observed.TargetID) {
		score += weightAdapterTarget
		reasons = append(reasons, "adapter_target")
	}

	if ptrEq(evidence.PnpID, observed.PnpID) {
		score += weightPnpID
		reasons = append(reasons, "pnp_id")
	}

	if ptrEq(evidence.FriendlyName, observed.FriendlyName) {
		score += weightFriendlyName
		reasons = append(reasons, "friendly_name")
	}

	if ptrEq(evidence.NativeWidth, observed.NativeWidth) && ptrEq(evidence.NativeHeight, observed.NativeHeight) {
		score += weightNativeResolution
		reasons = append(reasons, "native_resolution")
	}

	nameMatch := evidence.OSDisplayName != nil && *evidence.OSDisplayName == observed.OSDisplayName
	if !nameMatch {
		for _, alias := range known.Aliases {
			if alias == observed.OSDisplayName {
				nameMatch = true
				break
			}
		}
	}
	if nameMatch {
		score += weightDisplayNameOrAlias
		reasons = append(reasons, "display_name_or_alias")
	}

	return score, reasons
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ptrEq reports whether both pointers are non-nil and point to equal
// values. Absent evidence on either side never counts as a match.
func ptrEq[T comparable](a, b *T) bool {
	return a != nil && b != nil && *a == *b
}
