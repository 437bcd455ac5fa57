package updater

import (
	"context"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
	"github.com/Bengt/NanoKVM-Updater/internal/repository/history"
	"github.com/Bengt/NanoKVM-Updater/internal/repository/state"
	"github.com/Bengt/NanoKVM-Updater/internal/service/apply"
	"github.com/Bengt/NanoKVM-Updater/internal/service/fetcher"
	"github.com/Bengt/NanoKVM-Updater/internal/service/reporter"
	"github.com/Bengt/NanoKVM-Updater/internal/service/servicectl"
	"github.com/Bengt/NanoKVM-Updater/internal/service/verifier"
)

// runner holds the state of a single update attempt.
// It is intentionally unexported; call Run(ctx, Options) from callers.
type runner struct {
	cfg      *config.Config
	states   *state.FileRepository
	engine   *apply.Engine
	fetcher  *fetcher.Fetcher
	verifier *verifier.Verifier
	lock     *flock.Flock
	payloads []*update.StagedPayload // Downloads to discard on every exit path.
	result   *update.Result
}

// Run executes one update attempt, writes the result line and returns the
// process exit code.
func Run(ctx context.Context, opts *Options) int {
	started := time.Now()
	attemptID := uuid.NewString()

	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, ProcessName)
	ctx = logger.WithKV(ctx, "attempt", attemptID)

	result := &update.Result{AttemptID: attemptID, StartedAt: started}

	var recorder reporter.Recorder

	cfg, err := loadConfig(opts)
	if err == nil {
		store, historyErr := history.Open(ctx, cfg.HistoryDB)
		if historyErr != nil {
			logger.WarnKV(ctx, "Attempt history unavailable", "error", historyErr)
		} else {
			defer func() {
				_ = store.Close()
			}()

			recorder = store
		}

		err = run(ctx, cfg, attemptID, result)
	}

	if err != nil {
		failed := update.NewFailedResult(err)
		result.Outcome, result.Category, result.Reason = failed.Outcome, failed.Category, failed.Reason

		logger.ErrorKV(ctx, "Update attempt failed", "category", result.Category, "error", err)
	}

	result.Duration = time.Since(started)

	return reporter.New(opts.stdout(), opts.Output, recorder).Report(ctx, result)
}

func run(ctx context.Context, cfg *config.Config, attemptID string, result *update.Result) error {
	u, err := newRunner(cfg, result)
	if err != nil {
		return err
	}

	defer u.cleanup(ctx)

	return u.Run(ctx, attemptID)
}

func newRunner(cfg *config.Config, result *update.Result) (*runner, error) {
	if cfg.ReleaseURL == "" {
		return nil, update.NewError(update.CategoryConfig, "load settings", errNoReleaseURL)
	}

	f, err := fetcher.New(cfg)
	if err != nil {
		return nil, err
	}

	v, err := verifier.New(cfg)
	if err != nil {
		return nil, err
	}

	states := state.NewFileRepository(cfg.StatePath())

	return &runner{
		cfg:      cfg,
		states:   states,
		engine:   apply.New(cfg, states, state.NewJournal(cfg.JournalPath())),
		fetcher:  f,
		verifier: v,
		result:   result,
	}, nil
}

// Run executes the workflow. Each stage is a gate: a failure returns before any
// later stage runs, so nothing past a failed check ever touches the device.
func (u *runner) Run(ctx context.Context, attemptID string) error {
	lock, err := acquireLock(ctx, u.cfg.LockPath(), u.cfg.LockTimeout)
	if err != nil {
		return err
	}

	u.lock = lock

	if err = u.recover(ctx); err != nil {
		return err
	}

	current, err := currentState(ctx, u.cfg, u.states)
	if err != nil {
		return err
	}

	if current != nil {
		u.result.From = current.Version
	}

	logger.InfoKV(ctx, "Downloading release description", "url", u.cfg.ReleaseURL)

	desc, err := u.fetcher.FetchDescriptor(ctx, u.cfg.ReleaseURL)
	if err != nil {
		return err
	}

	u.result.To = desc.Version

	decision, err := update.Decide(current, desc)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Version gate", "installed", u.result.From, "available", desc.Version, "decision", decision)

	if decision == update.Skip {
		u.result.Outcome = update.OutcomeUpToDate

		return nil
	}

	payload, err := u.fetcher.Fetch(ctx, desc.URL, desc.Size)
	if err != nil {
		return err
	}

	u.payloads = append(u.payloads, payload)

	if err = u.verifier.Verify(ctx, payload, desc); err != nil {
		return err
	}

	library, err := u.fetcher.FetchDeviceLibrary(ctx)
	if err != nil {
		return err
	}

	u.payloads = append(u.payloads, library)

	installed, err := u.engine.Apply(ctx, payload, desc,
		apply.WithAttemptID(attemptID),
		apply.WithLibrary(library))
	if err != nil {
		return err
	}

	u.result.Outcome = update.OutcomeUpdated

	logger.InfoKV(ctx, "Update committed", "version", installed.Version, "path", installed.Path)

	u.restartService(ctx)

	return nil
}

// recover settles an interrupted attempt and removes stale downloads.
func (u *runner) recover(ctx context.Context) error {
	recovery, err := u.engine.Recover(ctx)
	if err != nil {
		return err
	}

	if recovery != apply.RecoveryNone {
		logger.WarnKV(ctx, "Recovered interrupted update", "recovery", recovery)
	}

	u.fetcher.PurgeStale(ctx)

	return nil
}

// restartService restarts the application when configured. A failure is only
// logged: the caller reboots after a committed update anyway.
func (u *runner) restartService(ctx context.Context) {
	if !u.cfg.Service.Restart {
		return
	}

	logger.InfoKV(ctx, "Restarting application service", "script", u.cfg.Service.Script)

	if err := servicectl.Restart(context.WithoutCancel(ctx), u.cfg.Service.Script); err != nil {
		logger.WarnKV(ctx, "Service restart failed", "error", err)
	}
}

// cleanup removes downloads and releases the lock.
func (u *runner) cleanup(ctx context.Context) {
	for _, payload := range u.payloads {
		if err := u.fetcher.Discard(payload); err != nil {
			logger.WarnKV(ctx, "Unable to remove download", "error", err)
		}
	}

	releaseLock(ctx, u.lock)

	logger.Debug(ctx, "The updater has been stopped")
}
