package fsroots

import (
	"syscall"

	"github.com/dustin/go-humanize"
)

func diskUsage(path string) (DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskUsage{}, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	used := total - free
	return DiskUsage{
		Total: humanize.Bytes(total), Used: humanize.Bytes(used), Free: humanize.Bytes(free),
		TotalBytes: total, UsedBytes: used, FreeBytes: free,
	}, nil
}
