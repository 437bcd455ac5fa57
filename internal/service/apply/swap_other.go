//go:build !linux

package apply

// exchange swaps the staging and active directories.
func exchange(staging, active string) error {
	return exchangeByOSRename(staging, active)
}

// availableBytes reports unknown free space; the check is skipped.
func availableBytes(string) (int64, error) {
	return -1, nil
}
