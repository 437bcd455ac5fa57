package apply

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Bengt/NanoKVM-Updater/internal/repository/state"
)

// crashAt returns a hook that stops the attempt at the given checkpoint.
func crashAt(target Phase) func(Phase) {
	return func(phase Phase) {
		if phase == target {
			panic("power cut at " + string(phase))
		}
	}
}

// TestRecover_CrashBeforeSwap discards a staged tree that was never promoted.
func TestRecover_CrashBeforeSwap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.installTree(t, f.cfg.ActiveDir, "1.0")

	engine := f.engine()
	engine.crash = crashAt(PhaseStaging)

	require.Panics(t, func() {
		_, _ = engine.Apply(context.Background(), f.payload(t, release("1.1")), descriptor("1.1"),
			WithAttemptID("interrupted"))
	})

	// The crash left a journal and a complete staging tree behind.
	pending, err := f.journal.Load()
	require.NoError(t, err)
	require.DirExists(t, pending.StagingDir)

	recovery, err := f.engine().Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, RecoveryRolledBack, recovery)

	require.Equal(t, "1.0\n", readVersion(t, f.cfg.ActiveDir))
	requireNoStaging(t, f)

	_, err = f.states.Load(context.Background())
	require.ErrorIs(t, err, state.ErrNotFound)
}

// TestRecover_CrashAfterSwap completes the commit of a promoted tree.
func TestRecover_CrashAfterSwap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.installTree(t, f.cfg.ActiveDir, "1.0")

	engine := f.engine()
	engine.crash = crashAt(PhaseSwapping)

	require.Panics(t, func() {
		_, _ = engine.Apply(context.Background(), f.payload(t, release("1.1")), descriptor("1.1"))
	})

	// New tree active, state not yet committed.
	require.Equal(t, "1.1\n", readVersion(t, f.cfg.ActiveDir))

	_, err := f.states.Load(context.Background())
	require.ErrorIs(t, err, state.ErrNotFound)

	recovery, err := f.engine().Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, RecoveryRolledForward, recovery)

	installed, err := f.states.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.1", installed.Version)
	require.Equal(t, "checksum-1.1", installed.Checksum)

	require.Equal(t, "1.1\n", readVersion(t, f.cfg.ActiveDir))
	require.Equal(t, "1.0\n", readVersion(t, f.cfg.BackupDir))
	requireNoStaging(t, f)
}

// TestRecover_InterruptedRenameFallback restores a parked active tree.
func TestRecover_InterruptedRenameFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	staging := StagingPath(f.cfg.ActiveDir, "fallback")
	f.installTree(t, staging, "1.1")
	require.NoError(t, state.WriteRelease(staging, &state.Release{AttemptID: "fallback", Version: "1.1", Checksum: "c"}))
	f.installTree(t, staging+parkedSuffix, "1.0")

	require.NoError(t, f.journal.Save(&state.Pending{
		AttemptID:  "fallback",
		Version:    "1.1",
		Checksum:   "c",
		StagingDir: staging,
		ActiveDir:  f.cfg.ActiveDir,
	}))

	recovery, err := f.engine().Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, RecoveryRolledBack, recovery)

	require.Equal(t, "1.0\n", readVersion(t, f.cfg.ActiveDir))
	requireNoStaging(t, f)
}

// TestRecover_Idle removes stray staging trees and reports nothing to do.
func TestRecover_Idle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.installTree(t, f.cfg.ActiveDir, "1.0")

	stray := StagingPath(f.cfg.ActiveDir, "stray")
	require.NoError(t, os.MkdirAll(filepath.Join(stray, "server"), 0o755))

	recovery, err := f.engine().Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, RecoveryNone, recovery)
	require.NoDirExists(t, stray)
	require.Equal(t, "1.0\n", readVersion(t, f.cfg.ActiveDir))
}

// TestRecover_OrphanedParkedTree puts back a parked tree that no journal names.
func TestRecover_OrphanedParkedTree(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	parked := StagingPath(f.cfg.ActiveDir, "attempt") + parkedSuffix
	f.installTree(t, parked, "1.0")

	recovery, err := f.engine().Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, RecoveryRolledBack, recovery)
	require.Equal(t, "1.0\n", readVersion(t, f.cfg.ActiveDir))
	require.NoDirExists(t, parked)
}

// TestRecover_KeepsParkedTree never deletes a parked tree, even with an active one.
func TestRecover_KeepsParkedTree(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.installTree(t, f.cfg.ActiveDir, "1.1")

	parked := StagingPath(f.cfg.ActiveDir, "attempt") + parkedSuffix
	f.installTree(t, parked, "1.0")

	recovery, err := f.engine().Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, RecoveryNone, recovery)
	require.Equal(t, "1.1\n", readVersion(t, f.cfg.ActiveDir))
	require.Equal(t, "1.0\n", readVersion(t, parked))
}

// TestRecover_ThenApply runs a full attempt after recovering from a crash.
func TestRecover_ThenApply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.installTree(t, f.cfg.ActiveDir, "1.0")

	engine := f.engine()
	engine.crash = crashAt(PhaseStaging)

	require.Panics(t, func() {
		_, _ = engine.Apply(context.Background(), f.payload(t, release("1.1")), descriptor("1.1"))
	})

	engine = f.engine()

	_, err := engine.Recover(context.Background())
	require.NoError(t, err)

	installed, err := engine.Apply(context.Background(), f.payload(t, release("1.1")), descriptor("1.1"))
	require.NoError(t, err)
	require.Equal(t, "1.1", installed.Version)
	require.Equal(t, "1.1\n", readVersion(t, f.cfg.ActiveDir))
	requireNoStaging(t, f)
}
