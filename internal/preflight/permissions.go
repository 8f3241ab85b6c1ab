package preflight

import "sort"

// PermissionSet maps a platform capability version to the permission
// identifiers required from that version on.
type PermissionSet map[int][]string

// Resolve returns the entry with the greatest key not above version, or nil
// when version predates every entry.
func (s PermissionSet) Resolve(version int) []string {
	keys := make([]int, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))
	for _, k := range keys {
		if k <= version {
			return append([]string(nil), s[k]...)
		}
	}
	return nil
}

// Android SDK levels at which the Bluetooth permission model changed.
const (
	AndroidS              = 31
	AndroidUpsideDownCake = 34
)

// AndroidPermissions is the runtime permission table of an Android host.
var AndroidPermissions = PermissionSet{
	0: {
		"android.permission.BLUETOOTH",
		"android.permission.BLUETOOTH_ADMIN",
		"android.permission.ACCESS_COARSE_LOCATION",
		"android.permission.ACCESS_FINE_LOCATION",
	},
	AndroidS: {
		"android.permission.BLUETOOTH_SCAN",
		"android.permission.BLUETOOTH_CONNECT",
	},
	AndroidUpsideDownCake: {
		"android.permission.BLUETOOTH_SCAN",
		"android.permission.BLUETOOTH_CONNECT",
		"android.permission.FOREGROUND_SERVICE",
	},
}
