//go:build linux

package restart

import (
	"os"
	"syscall"
)

const dropCachesPath = "/proc/sys/vm/drop_caches"

// DropCaches flushes dirty pages and asks the kernel to drop the page cache,
// dentries and inodes. It needs root; callers treat failure as non-fatal.
func DropCaches() error {
	syscall.Sync()
	return os.WriteFile(dropCachesPath, []byte("3\n"), 0o200)
}
