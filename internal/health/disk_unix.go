//go:build unix

package health

import (
	"context"

	"golang.org/x/sys/unix"
)

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFree bytes available.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(ctx context.Context) CheckResult {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "statfs failed", Error: err.Error()}
		}
		free := st.Bavail * uint64(st.Bsize)
		res := CheckResult{
			Status:  StatusHealthy,
			Message: "disk space ok",
			Details: map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree},
		}
		if free < minFree {
			res.Status = StatusDegraded
			res.Message = "low disk space"
		}
		return res
	}
}
