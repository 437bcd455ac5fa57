package apply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
	"github.com/Bengt/NanoKVM-Updater/internal/repository/state"
)

// Phase is the position of an attempt in the apply state machine:
// idle → staging → swapping → committed, or rolled-back from staging or swapping.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStaging    Phase = "staging"
	PhaseSwapping   Phase = "swapping"
	PhaseCommitted  Phase = "committed"
	PhaseRolledBack Phase = "rolled-back"
)

// Recovery describes what Recover did with an interrupted attempt.
type Recovery string

const (
	RecoveryNone          Recovery = "none"
	RecoveryRolledForward Recovery = "rolled-forward"
	RecoveryRolledBack    Recovery = "rolled-back"
)

const stagingInfix = ".staging-"

var (
	errUnverified     = errors.New("payload has not been verified")
	errNoDescriptor   = errors.New("release descriptor is nil")
	errLibraryTarget  = errors.New("device library target must be a relative path inside the tree")
	errRestoreFailed  = errors.New("previous tree could not be restored")
	errJournalForeign = errors.New("journal names a different active tree")
)

// Engine applies verified payloads to the active tree.
type Engine struct {
	activeDir     string
	backupDir     string
	maxExtracted  int64
	archiveRoot   string
	libraryTarget string
	states        state.Repository
	journal       *state.Journal
	now           func() time.Time
	phase         Phase

	// rename and swap move trees; tests replace them to fail halfway.
	rename renameFunc
	swap   func(staging, active string) error

	// crash is called at the durable checkpoints of an attempt; tests use it
	// to stop an attempt the way a power cut would.
	crash func(Phase)
}

// New creates an engine for the configured tree.
func New(cfg *config.Config, states state.Repository, journal *state.Journal) *Engine {
	return &Engine{
		activeDir:     filepath.Clean(cfg.ActiveDir),
		backupDir:     filepath.Clean(cfg.BackupDir),
		maxExtracted:  cfg.MaxExtractedBytes,
		archiveRoot:   cfg.ArchiveRoot,
		libraryTarget: cfg.DeviceLibrary.Target,
		states:        states,
		journal:       journal,
		now:           time.Now,
		phase:         PhaseIdle,
		rename:        os.Rename,
		swap:          exchange,
	}
}

// Option customizes a single Apply call.
type Option func(*applyOptions)

type applyOptions struct {
	attemptID string
	library   *update.StagedPayload
}

// WithAttemptID tags the staging tree, the journal and the release marker.
func WithAttemptID(id string) Option {
	return func(o *applyOptions) {
		o.attemptID = id
	}
}

// WithLibrary installs the device library into the staged tree before the swap.
func WithLibrary(library *update.StagedPayload) Option {
	return func(o *applyOptions) {
		o.library = library
	}
}

// StagingPath returns the staging tree of an attempt. It lives next to the
// active tree so that both are on the same filesystem.
func StagingPath(activeDir, attemptID string) string {
	activeDir = filepath.Clean(activeDir)

	return filepath.Join(filepath.Dir(activeDir), "."+filepath.Base(activeDir)+stagingInfix+attemptID)
}

// Phase returns the phase reached by the last Apply call.
func (e *Engine) Phase() Phase {
	return e.phase
}

// Apply installs the verified payload. On success the returned state has been
// committed; on failure the previous tree is active and the state is unchanged.
func (e *Engine) Apply(
	ctx context.Context,
	payload *update.StagedPayload,
	desc *update.Descriptor,
	opts ...Option,
) (*update.InstalledState, error) {
	e.phase = PhaseIdle

	switch {
	case payload == nil || !payload.Verified:
		return nil, update.NewError(update.CategoryApply, "apply", errUnverified)
	case desc == nil:
		return nil, update.NewError(update.CategoryApply, "apply", errNoDescriptor)
	}

	options := applyOptions{attemptID: uuid.NewString()}
	for _, opt := range opts {
		opt(&options)
	}

	staging := StagingPath(e.activeDir, options.attemptID)

	e.transition(ctx, PhaseStaging)

	if err := e.stage(ctx, staging, payload, desc, &options); err != nil {
		return nil, e.rollback(ctx, staging, "stage", err)
	}

	pending := &state.Pending{
		AttemptID:  options.attemptID,
		Version:    desc.Version,
		Checksum:   desc.Checksum,
		StagingDir: staging,
		ActiveDir:  e.activeDir,
		StartedAt:  e.now(),
	}

	if err := e.journal.Save(pending); err != nil {
		return nil, e.rollback(ctx, staging, "write journal", err)
	}

	e.checkpoint(PhaseStaging)

	// The swap and the commit run to completion once started.
	ctx = context.WithoutCancel(ctx)

	e.transition(ctx, PhaseSwapping)

	hadActive, err := e.promote(staging)
	if err != nil {
		return nil, e.abort(ctx, staging, options.attemptID, "swap", err)
	}

	e.checkpoint(PhaseSwapping)

	installed := &update.InstalledState{
		Version:     desc.Version,
		InstalledAt: e.now().UTC().Truncate(time.Second),
		Path:        e.activeDir,
		Checksum:    desc.Checksum,
	}

	if err = e.states.Save(ctx, installed); err != nil {
		return nil, e.abort(ctx, staging, options.attemptID, "commit state", err)
	}

	e.transition(ctx, PhaseCommitted)
	e.finish(ctx, staging, hadActive)

	return installed, nil
}

// stage builds the complete new tree at the staging path.
func (e *Engine) stage(
	ctx context.Context,
	staging string,
	payload *update.StagedPayload,
	desc *update.Descriptor,
	options *applyOptions,
) error {
	inspection, err := Inspect(payload.Path, e.archiveRoot, e.maxExtracted)
	if err != nil {
		return err
	}

	if err = e.checkSpace(inspection.UnpackedBytes); err != nil {
		return err
	}

	if _, err = extract(payload.Path, staging, e.archiveRoot, e.maxExtracted); err != nil {
		return err
	}

	if options.library != nil {
		if err = e.installLibrary(ctx, staging, options.library); err != nil {
			return err
		}
	}

	if err = chmodTree(staging); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}

	err = state.WriteRelease(staging, &state.Release{
		AttemptID: options.attemptID,
		Version:   desc.Version,
		Checksum:  desc.Checksum,
	})
	if err != nil {
		return err
	}

	if err = syncTree(staging); err != nil {
		return fmt.Errorf("sync staging tree: %w", err)
	}

	if err = syncDir(filepath.Dir(staging)); err != nil {
		return fmt.Errorf("sync parent directory: %w", err)
	}

	logger.InfoKV(ctx, "Staged application tree",
		"path", staging,
		"files", inspection.Files,
		"size", humanize.IBytes(uint64(inspection.UnpackedBytes))) //nolint:gosec // Never negative.

	return nil
}

func (e *Engine) checkSpace(needed int64) error {
	available, err := availableBytes(filepath.Dir(e.activeDir))
	if err != nil {
		return fmt.Errorf("check free space: %w", err)
	}

	if available >= 0 && available < needed+spaceMargin {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace,
			humanize.IBytes(uint64(needed+spaceMargin)), //nolint:gosec // Never negative.
			humanize.IBytes(uint64(available)))          //nolint:gosec // Checked above.
	}

	return nil
}

func (e *Engine) installLibrary(ctx context.Context, staging string, library *update.StagedPayload) error {
	if !filepath.IsLocal(e.libraryTarget) {
		return fmt.Errorf("%w: %q", errLibraryTarget, e.libraryTarget)
	}

	target := filepath.Join(staging, e.libraryTarget)
	if err := copyFile(library.Path, target); err != nil {
		return fmt.Errorf("install device library: %w", err)
	}

	logger.InfoKV(ctx, "Installed device library", "target", e.libraryTarget)

	return nil
}

// promote puts the staging tree at the active path. It reports whether an
// active tree existed, which then sits at the staging path.
func (e *Engine) promote(staging string) (bool, error) {
	if _, err := os.Lstat(e.activeDir); errors.Is(err, os.ErrNotExist) {
		if err = e.rename(staging, e.activeDir); err != nil {
			return false, err
		}

		return false, syncDir(filepath.Dir(e.activeDir))
	}

	if err := e.swap(staging, e.activeDir); err != nil {
		return true, err
	}

	return true, syncDir(filepath.Dir(e.activeDir))
}

// abort undoes a failed swap or commit. The journal is kept when the previous
// tree cannot be put back, so that Recover settles the attempt on the next run.
func (e *Engine) abort(ctx context.Context, staging, attemptID, op string, cause error) error {
	if err := e.restore(staging, attemptID); err != nil {
		e.transition(ctx, PhaseRolledBack)
		logger.ErrorKV(ctx, "Unable to restore the previous tree", "error", err)

		return update.NewError(update.CategoryApply, op, errors.Join(cause, errRestoreFailed, err))
	}

	return e.rollback(ctx, staging, op, cause)
}

// restore puts the previous tree back at the active path after promote or the
// commit failed at any point. What happened is read from the disk: the release
// marker tells whether the new tree is active, and the previous tree is at the
// active path, the staging path or the parked path.
func (e *Engine) restore(staging, attemptID string) error {
	parked := staging + parkedSuffix

	release, err := state.ReadRelease(e.activeDir)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}

	promoted := release != nil && release.AttemptID == attemptID

	switch {
	case !promoted && !exists(e.activeDir) && exists(parked):
		err = e.rename(parked, e.activeDir)
	case !promoted:
		// The previous tree, if any, never left the active path.
		return nil
	case exists(parked):
		err = e.rename(e.activeDir, staging)
		if err == nil {
			err = e.rename(parked, e.activeDir)
		}
	case exists(staging):
		err = e.swap(staging, e.activeDir)
	default:
		// First install.
		err = e.rename(e.activeDir, staging)
	}

	if err != nil {
		return err
	}

	return syncDir(filepath.Dir(e.activeDir))
}

// rollback discards the staging tree and the journal. The active tree and the
// installed state are whatever they were before the attempt.
func (e *Engine) rollback(ctx context.Context, staging, op string, cause error) error {
	e.transition(ctx, PhaseRolledBack)

	if err := os.RemoveAll(staging); err != nil {
		logger.WarnKV(ctx, "Unable to remove staging tree", "path", staging, "error", err)
	}

	if err := e.journal.Clear(); err != nil {
		logger.WarnKV(ctx, "Unable to clear journal", "error", err)
	}

	return update.NewError(update.CategoryApply, op, cause)
}

// finish runs the housekeeping after a commit. Failures are only logged:
// the new tree and its state record are already durable.
func (e *Engine) finish(ctx context.Context, previous string, hadActive bool) {
	if err := e.journal.Clear(); err != nil {
		logger.WarnKV(ctx, "Unable to clear journal", "error", err)
	}

	if hadActive {
		e.backup(ctx, previous)
	}
}

// backup replaces the backup tree with the previous tree.
func (e *Engine) backup(ctx context.Context, previous string) {
	if err := os.RemoveAll(e.backupDir); err != nil {
		logger.WarnKV(ctx, "Unable to remove old backup", "path", e.backupDir, "error", err)
	}

	err := os.MkdirAll(filepath.Dir(e.backupDir), treeMode)
	if err == nil {
		err = os.Rename(previous, e.backupDir)
	}

	if err != nil {
		logger.WarnKV(ctx, "Unable to keep previous tree as backup, removing it",
			"path", previous, "backup", e.backupDir, "error", err)

		if removeErr := os.RemoveAll(previous); removeErr != nil {
			logger.WarnKV(ctx, "Unable to remove previous tree", "path", previous, "error", removeErr)
		}

		return
	}

	if err = syncDir(filepath.Dir(e.backupDir)); err != nil {
		logger.WarnKV(ctx, "Unable to sync backup directory", "error", err)
	}

	logger.InfoKV(ctx, "Previous tree kept as backup", "path", e.backupDir)
}

// Recover settles an attempt that was interrupted between staging and commit.
// When the active tree carries the journal's release marker the swap happened
// and the commit is completed; otherwise the staged tree is discarded. Stray
// staging trees of older attempts are removed in both cases.
func (e *Engine) Recover(ctx context.Context) (Recovery, error) {
	ctx = context.WithoutCancel(ctx)

	pending, err := e.journal.Load()

	switch {
	case errors.Is(err, state.ErrNotFound):
		recovery, restoreErr := e.restoreOrphan(ctx)
		if restoreErr != nil {
			return RecoveryNone, update.NewError(update.CategoryApply, "recover", restoreErr)
		}

		e.removeStray(ctx)

		return recovery, nil
	case err != nil:
		return RecoveryNone, update.NewError(update.CategoryApply, "recover", err)
	case filepath.Clean(pending.ActiveDir) != e.activeDir:
		return RecoveryNone, update.NewError(update.CategoryApply, "recover",
			fmt.Errorf("%w: %s", errJournalForeign, pending.ActiveDir))
	}

	logger.WarnKV(ctx, "Found interrupted update attempt",
		"attempt", pending.AttemptID, "version", pending.Version)

	parked := pending.StagingDir + parkedSuffix

	// The rename fallback was interrupted after parking the active tree.
	if !exists(e.activeDir) && exists(parked) {
		if err = os.Rename(parked, e.activeDir); err != nil {
			return RecoveryNone, update.NewError(update.CategoryApply, "recover", err)
		}
	}

	release, err := state.ReadRelease(e.activeDir)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return RecoveryNone, update.NewError(update.CategoryApply, "recover", err)
	}

	recovery := RecoveryRolledBack

	if release.Matches(pending) {
		if err = e.rollForward(ctx, pending, parked); err != nil {
			return RecoveryNone, update.NewError(update.CategoryApply, "recover", err)
		}

		recovery = RecoveryRolledForward
	} else {
		if err = os.RemoveAll(pending.StagingDir); err != nil {
			return RecoveryNone, update.NewError(update.CategoryApply, "recover", err)
		}

		if err = e.journal.Clear(); err != nil {
			return RecoveryNone, update.NewError(update.CategoryApply, "recover", err)
		}
	}

	e.removeStray(ctx)

	logger.InfoKV(ctx, "Interrupted attempt settled", "attempt", pending.AttemptID, "recovery", recovery)

	return recovery, nil
}

func (e *Engine) rollForward(ctx context.Context, pending *state.Pending, parked string) error {
	installed := &update.InstalledState{
		Version:     pending.Version,
		InstalledAt: e.now().UTC().Truncate(time.Second),
		Path:        e.activeDir,
		Checksum:    pending.Checksum,
	}

	if err := e.states.Save(ctx, installed); err != nil {
		return err
	}

	if err := e.journal.Clear(); err != nil {
		logger.WarnKV(ctx, "Unable to clear journal", "error", err)
	}

	switch {
	case exists(pending.StagingDir):
		e.backup(ctx, pending.StagingDir)
	case exists(parked):
		e.backup(ctx, parked)
	}

	return nil
}

// restoreOrphan puts a parked tree back when no journal exists and nothing
// is at the active path. Glob sorts, so the last match is taken.
func (e *Engine) restoreOrphan(ctx context.Context) (Recovery, error) {
	if exists(e.activeDir) {
		return RecoveryNone, nil
	}

	matches, err := filepath.Glob(StagingPath(e.activeDir, "*") + parkedSuffix)
	if err != nil || len(matches) == 0 {
		return RecoveryNone, err
	}

	parked := matches[len(matches)-1]

	logger.WarnKV(ctx, "Restoring parked tree", "path", parked)

	if err = os.Rename(parked, e.activeDir); err != nil {
		return RecoveryNone, err
	}

	return RecoveryRolledBack, syncDir(filepath.Dir(e.activeDir))
}

// removeStray deletes staging trees that no journal refers to. Parked trees
// may be the only copy of the previous release and are kept.
func (e *Engine) removeStray(ctx context.Context) {
	pattern := StagingPath(e.activeDir, "*")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		logger.WarnKV(ctx, "Unable to list staging trees", "error", err)

		return
	}

	for _, match := range matches {
		if strings.HasSuffix(match, parkedSuffix) {
			logger.WarnKV(ctx, "Keeping parked tree", "path", match)

			continue
		}

		logger.InfoKV(ctx, "Removing stray staging tree", "path", match)

		if err = os.RemoveAll(match); err != nil {
			logger.WarnKV(ctx, "Unable to remove stray staging tree", "path", match, "error", err)
		}
	}
}

func (e *Engine) transition(ctx context.Context, next Phase) {
	logger.InfoKV(ctx, "Apply phase changed", "from", e.phase, "to", next)
	e.phase = next
}

func (e *Engine) checkpoint(phase Phase) {
	if e.crash != nil {
		e.crash(phase)
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)

	return err == nil
}
