package updater

import (
	"context"

	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
	"github.com/Bengt/NanoKVM-Updater/internal/repository/state"
	"github.com/Bengt/NanoKVM-Updater/internal/service/fetcher"
)

// ExitUpdateAvailable is returned by the check command when a newer release exists.
const ExitUpdateAvailable = 10

// CheckResult is the outcome of the version gate alone.
type CheckResult struct {
	Decision update.Decision
	// Current is nil when nothing is installed.
	Current *update.InstalledState
	Remote  *update.Descriptor
}

// Check fetches the release descriptor and runs the version gate without
// downloading or changing anything.
func Check(ctx context.Context, opts *Options) (*CheckResult, error) {
	ctx = logger.WithName(ctx, ProcessName)

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	if cfg.ReleaseURL == "" {
		return nil, update.NewError(update.CategoryConfig, "load settings", errNoReleaseURL)
	}

	f, err := fetcher.New(cfg)
	if err != nil {
		return nil, err
	}

	current, err := currentState(ctx, cfg, state.NewFileRepository(cfg.StatePath()))
	if err != nil {
		return nil, err
	}

	desc, err := f.FetchDescriptor(ctx, cfg.ReleaseURL)
	if err != nil {
		return nil, err
	}

	decision, err := update.Decide(current, desc)
	if err != nil {
		return nil, err
	}

	return &CheckResult{Decision: decision, Current: current, Remote: desc}, nil
}
