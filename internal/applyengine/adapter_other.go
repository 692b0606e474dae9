//go:build !windows

package applyengine

import "errors"

// NewOSAdapter returns the display-control adapter for the running
// platform. Only Windows can mutate desktop geometry in this revision;
// callers receive a nil adapter and the engine degrades live applies
// to the simulated path plus a failure error.
func NewOSAdapter() (ModeAdapter, error) {
	return nil, errors.New("display apply is only supported on Windows hosts")
}
