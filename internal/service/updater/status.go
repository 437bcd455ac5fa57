package updater

import (
	"context"
	"errors"

	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/repository/history"
	"github.com/Bengt/NanoKVM-Updater/internal/repository/state"
)

// StatusReport describes what is installed on the device.
type StatusReport struct {
	// Installed is nil when nothing is installed.
	Installed *update.InstalledState
	// Managed is false when Installed comes from the version file of the tree.
	Managed bool
	// Pending is an attempt waiting for recovery, if any.
	Pending *state.Pending
	// Release is the marker of the active tree, if any.
	Release *state.Release
}

// Status reads the installed state and the journal without taking the lock.
func Status(ctx context.Context, opts *Options) (*StatusReport, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	report := new(StatusReport)

	states := state.NewFileRepository(cfg.StatePath())

	installed, err := states.Load(ctx)

	switch {
	case err == nil:
		report.Installed, report.Managed = installed, true
	case errors.Is(err, state.ErrNotFound):
		if report.Installed, err = currentState(ctx, cfg, states); err != nil {
			return nil, err
		}
	default:
		return nil, update.NewError(update.CategoryInternal, "load installed state", err)
	}

	pending, err := state.NewJournal(cfg.JournalPath()).Load()

	switch {
	case err == nil:
		report.Pending = pending
	case !errors.Is(err, state.ErrNotFound):
		return nil, update.NewError(update.CategoryInternal, "load journal", err)
	}

	release, err := state.ReadRelease(cfg.ActiveDir)

	switch {
	case err == nil:
		report.Release = release
	case !errors.Is(err, state.ErrNotFound):
		return nil, update.NewError(update.CategoryInternal, "read release marker", err)
	}

	return report, nil
}

// History returns up to limit recorded attempts, newest first.
func History(ctx context.Context, opts *Options, limit int) ([]*update.Result, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	store, err := history.Open(ctx, cfg.HistoryDB)
	if err != nil {
		return nil, update.NewError(update.CategoryInternal, "open history", err)
	}

	defer func() {
		_ = store.Close()
	}()

	results, err := store.List(ctx, limit)
	if err != nil {
		return nil, update.NewError(update.CategoryInternal, "list history", err)
	}

	return results, nil
}
