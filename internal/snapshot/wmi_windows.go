//go:build windows

package snapshot

import (
	"github.com/yusufpapurcu/wmi"
)

// wmiMonitorID maps the root\wmi WmiMonitorID class. The string fields
// arrive as zero-padded UTF-16 code point arrays.
type wmiMonitorID struct {
	InstanceName     string
	ManufacturerName []uint16
	ProductCodeID    []uint16
	SerialNumberID   []uint16
	UserFriendlyName []uint16
}

type wmiMonitorIdentity struct {
	InstanceName string
	Manufacturer string
	ProductCode  string
	SerialNumber string
	FriendlyName string
}

// queryWmiMonitorIDs asks WMI for the monitor identity records. A
// failed query degrades to an empty list; EDID enrichment is optional
// evidence, not a snapshot requirement.
func queryWmiMonitorIDs() []wmiMonitorIdentity {
	var rows []wmiMonitorID
	query := "SELECT InstanceName, ManufacturerName, ProductCodeID, SerialNumberID, UserFriendlyName FROM WmiMonitorID"
	if err := wmi.QueryNamespace(query, &rows, `root\wmi`); err != nil {
		log.Debug("WmiMonitorID query failed", "error", err)
		return nil
	}

	identities := make([]wmiMonitorIdentity, 0, len(rows))
	for i := range rows {
		identities = append(identities, wmiMonitorIdentity{
			InstanceName: rows[i].InstanceName,
			Manufacturer: decodeWmiString(rows[i].ManufacturerName),
			ProductCode:  decodeWmiString(rows[i].ProductCodeID),
			SerialNumber: decodeWmiString(rows[i].SerialNumberID),
			FriendlyName: decodeWmiString(rows[i].UserFriendlyName),
		})
	}
	return identities
}

// decodeWmiString converts a zero-padded UTF-16 code point array into
// a trimmed string.
func decodeWmiString(codes []uint16) string {
	out := make([]rune, 0, len(codes))
	for _, c := range codes {
		if c == 0 {
			break
		}
		out = append(out, rune(c))
	}
	return string(out)
}
