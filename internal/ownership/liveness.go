package ownership

import "golang.org/x/sys/unix"

// IsAlive is the default LivenessProbe: it signals pid 0 (no-op signal,
// just existence/permission check per kill(2)) and confirms the process's
// boot time still matches, so a reused pid isn't mistaken for its previous
// occupant still being alive.
func IsAlive(p ProcessID) bool {
	if p.isNone() {
		return false
	}
	if err := unix.Kill(int(p.Pid), 0); err != nil {
		return false
	}
	bt, err := BootTime(int(p.Pid))
	if err != nil {
		// Can't confirm either way; treat as still alive so callers don't
		// race ahead and revoke a slot out from under a live owner.
		return true
	}
	return bt == p.BootTime
}
