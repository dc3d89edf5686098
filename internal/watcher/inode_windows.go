//go:build windows

package watcher

// deviceInode is not meaningful on Windows; it always reports ok=false,
// so the walk never skips a directory as already seen on this platform.
func deviceInode(path string) ([2]uint64, bool) {
	return [2]uint64{}, false
}
