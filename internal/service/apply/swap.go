package apply

import (
	"errors"
	"fmt"
	"os"
)

// parkedSuffix names the previous tree while the rename fallback is half done.
const parkedSuffix = ".parked"

// renameFunc moves a directory entry.
type renameFunc func(oldpath, newpath string) error

// exchangeByRename swaps two directories with three renames. It is used where
// the kernel cannot exchange atomically; Engine.restore and Recover repair the
// window in which the active path does not exist.
func exchangeByRename(rename renameFunc, staging, active string) error {
	parked := staging + parkedSuffix

	if err := rename(active, parked); err != nil {
		return fmt.Errorf("park active tree: %w", err)
	}

	if err := rename(staging, active); err != nil {
		if restoreErr := rename(parked, active); restoreErr != nil {
			return errors.Join(fmt.Errorf("promote staging tree: %w", err), restoreErr)
		}

		return fmt.Errorf("promote staging tree: %w", err)
	}

	if err := rename(parked, staging); err != nil {
		return fmt.Errorf("move parked tree: %w", err)
	}

	return nil
}

// exchangeByOSRename is exchangeByRename on the real file system.
func exchangeByOSRename(staging, active string) error {
	return exchangeByRename(os.Rename, staging, active)
}
