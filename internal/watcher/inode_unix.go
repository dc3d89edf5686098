//go:build !windows

package watcher

import (
	"os"
	"syscall"
)

// deviceInode returns the (device, inode) pair for path, used to detect
// symlink loops during the recursive directory walk. ok is false if the
// platform's stat shape could not be read.
func deviceInode(path string) ([2]uint64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return [2]uint64{}, false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return [2]uint64{}, false
	}
	return [2]uint64{uint64(stat.Dev), uint64(stat.Ino)}, true
}
