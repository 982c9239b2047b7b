//go:build !linux && !darwin

package mover

import "errors"

// diskFreeBytes is a stub for platforms without Statfs. The space check is
// advisory, so callers proceed when it is unavailable.
func diskFreeBytes(path string) (int64, error) {
	return 0, errors.New("disk space check not supported on this platform")
}

func DiskTotalBytes(path string) (int64, error) {
	return 0, errors.New("disk space check not supported on this platform")
}
