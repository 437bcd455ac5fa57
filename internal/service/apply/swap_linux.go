//go:build linux

package apply

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// exchange atomically swaps the staging and active directories. At every
// instant the active path names a complete tree.
func exchange(staging, active string) error {
	err := unix.Renameat2(unix.AT_FDCWD, staging, unix.AT_FDCWD, active, unix.RENAME_EXCHANGE)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL):
		// Old kernel or a filesystem without exchange support.
		return exchangeByOSRename(staging, active)
	default:
		return &os.LinkError{Op: "renameat2", Old: staging, New: active, Err: err}
	}
}

// availableBytes returns the space available to unprivileged users below dir.
func availableBytes(dir string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, &os.PathError{Op: "statfs", Path: dir, Err: err}
	}

	return int64(stat.Bavail) * int64(stat.Bsize), nil //nolint:gosec // Block counts fit in int64.
}
