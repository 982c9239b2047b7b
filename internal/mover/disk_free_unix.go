//go:build linux || darwin

package mover

import "syscall"

// diskFreeBytes returns the free bytes available to unprivileged users on
// the filesystem containing path.
func diskFreeBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// DiskTotalBytes returns the size of the filesystem containing path. Used to
// resolve percentage cache limits at startup.
func DiskTotalBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Blocks) * int64(stat.Bsize), nil
}
