package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"github.com/mitchellh/go-ps"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
	"github.com/Bengt/NanoKVM-Updater/internal/repository/state"
	"github.com/Bengt/NanoKVM-Updater/internal/service/reporter"
	"github.com/Bengt/NanoKVM-Updater/internal/version"
)

const (
	// ProcessName is the executable name other updaters are recognized by.
	ProcessName = version.Name

	// lockRetryDelay is the polling interval while waiting for the lock.
	lockRetryDelay = 250 * time.Millisecond

	lockDirMode os.FileMode = 0o755
)

var (
	errUpdaterAlreadyRunning = errors.New("another updater holds the lock")
	errNoReleaseURL          = errors.New("release_url is not configured")
)

// Options are inputs accepted by the updater entry points.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// EnvFile is an optional file with environment overrides (secrets).
	EnvFile string
	// Output selects the result line format.
	Output reporter.Format
	// Stdout receives the result line; os.Stdout when nil.
	Stdout io.Writer
	// Config replaces loading from ConfigPath when set.
	Config *config.Config
}

func (o *Options) stdout() io.Writer {
	if o.Stdout == nil {
		return os.Stdout
	}

	return o.Stdout
}

// loadConfig returns validated settings. Failures are configuration errors.
func loadConfig(opts *Options) (*config.Config, error) {
	if opts.Config != nil {
		if err := config.Validate(opts.Config); err != nil {
			return nil, update.NewError(update.CategoryConfig, "load settings", err)
		}

		return opts.Config, nil
	}

	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, update.NewError(update.CategoryConfig, "load settings", err)
	}

	return cfg, nil
}

// acquireLock takes the device-wide advisory lock, waiting up to timeout for a
// concurrent updater to finish. The kernel releases the lock if the holder dies.
func acquireLock(ctx context.Context, path string, timeout time.Duration) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), lockDirMode); err != nil {
		return nil, update.NewError(update.CategoryInternal, "lock", err)
	}

	lock := flock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)

	switch {
	case locked:
		logger.DebugKV(ctx, "Acquired updater lock", "path", path)

		return lock, nil
	case err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled):
		return nil, update.NewError(update.CategoryInternal, "lock", err)
	}

	logger.WarnKV(ctx, "Another updater is running",
		"lock", path,
		"pids", runningUpdaters(ctx))

	return nil, update.NewError(update.CategoryBusy, "lock", fmt.Errorf("%s: %w", path, errUpdaterAlreadyRunning))
}

// releaseLock unlocks and logs failures; the kernel drops the lock on exit anyway.
func releaseLock(ctx context.Context, lock *flock.Flock) {
	if lock == nil {
		return
	}

	if err := lock.Unlock(); err != nil {
		logger.WarnKV(ctx, "Unable to release updater lock", "error", err)
	}
}

// runningUpdaters lists the PIDs of other updater processes for diagnostics.
func runningUpdaters(ctx context.Context) []int {
	processList, err := ps.Processes()
	if err != nil {
		logger.DebugKV(ctx, "Unable to list processes", "error", err)

		return nil
	}

	thisProcessID := os.Getpid()

	var pids []int

	for _, process := range processList {
		if process.Pid() == thisProcessID || process.Executable() != ProcessName {
			continue
		}

		pids = append(pids, process.Pid())
	}

	slices.Sort(pids)

	return pids
}

// currentState returns the installed state, falling back to the version file of
// a tree installed before this updater managed the device. Nil means nothing
// is installed.
func currentState(ctx context.Context, cfg *config.Config, states state.Repository) (*update.InstalledState, error) {
	installed, err := states.Load(ctx)

	switch {
	case err == nil:
		return installed, nil
	case !errors.Is(err, state.ErrNotFound):
		return nil, update.NewError(update.CategoryInternal, "load installed state", err)
	}

	legacy, err := state.DetectLegacy(cfg.ActiveDir)

	switch {
	case err == nil:
		logger.InfoKV(ctx, "Using version file of unmanaged installation", "version", legacy.Version)

		return legacy, nil
	case errors.Is(err, state.ErrNotFound):
		logger.Info(ctx, "No installed version found, treating as first install")

		return nil, nil //nolint:nilnil // Nothing installed is a valid state.
	default:
		return nil, update.NewError(update.CategoryInternal, "detect installed version", err)
	}
}
