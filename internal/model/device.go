package model

import "strings"

// NormalizeDeviceName canonicalizes an OS display device name to the
// fully qualified `\\.\DISPLAYn` form. Adapters may report either the
// bare name (`DISPLAY1`) or the qualified one depending on the
// enumeration path; the engine compares normalized strings only.
func NormalizeDeviceName(input string) string {
	if strings.HasPrefix(input, `\\.\`) {
		return input
	}
	if strings.HasPrefix(input, "DISPLAY") {
		return `\\.\` + input
	}
	return input
}
