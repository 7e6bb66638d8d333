//go:build linux

package ownership

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// BootTime derives a pid's start time from /proc/<pid>/stat field 22
// (starttime, in clock ticks since boot) per
// original_source/src/common/process_id.cc. Combined with the pid itself
// this survives pid reuse: a different process born at a different tick
// count produces a different ProcessID even with the same pid.
func BootTime(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// The comm field (2nd field) is parenthesized and may itself contain
	// spaces or parens, so split on the last ')' rather than whitespace.
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return 0, fmt.Errorf("ownership: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(s[close+1:])
	const starttimeFieldFromCloseParen = 20 // field 22 overall, minus state(3) and comm(2)
	if len(fields) < starttimeFieldFromCloseParen {
		return 0, fmt.Errorf("ownership: /proc/%d/stat missing starttime field", pid)
	}
	v, err := strconv.ParseUint(fields[starttimeFieldFromCloseParen-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ownership: parsing /proc/%d/stat starttime: %w", pid, err)
	}
	return v, nil
}
