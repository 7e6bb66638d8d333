package ownership

import "os"

// Self returns the ProcessID for the current process: its pid plus that
// pid's boot time (see BootTime, platform-specific).
func Self() (ProcessID, error) {
	pid := os.Getpid()
	bt, err := BootTime(pid)
	if err != nil {
		return none, err
	}
	return ProcessID{Pid: uint64(pid), BootTime: bt}, nil
}
