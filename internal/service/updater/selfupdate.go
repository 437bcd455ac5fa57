package updater

import (
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
	"github.com/Bengt/NanoKVM-Updater/internal/service/fetcher"
	"github.com/Bengt/NanoKVM-Updater/internal/service/verifier"
	"github.com/Bengt/NanoKVM-Updater/internal/version"

	// Ensure SHA512 is available to go-update.
	_ "crypto/sha512"
)

const (
	// DefaultFileMode is applied to the replaced updater executable.
	DefaultFileMode os.FileMode = 0o755

	// DefaultChecksumFunction is used to check the new executable.
	DefaultChecksumFunction crypto.Hash = crypto.SHA512
)

var errRollbackFailed = errors.New("self-update failed and the previous executable could not be restored")

// SelfUpdateOptions are inputs of the self-update entry point.
type SelfUpdateOptions struct {
	Options

	// TargetPath is the executable to replace; the running one when empty.
	TargetPath string
	// CurrentVersion overrides the version of the running build.
	CurrentVersion string
	// Force replaces the executable even when it is not older.
	Force bool
}

// SelfUpdateResult reports what self-update did.
type SelfUpdateResult struct {
	From     string
	To       string
	Replaced bool
}

// SelfUpdate replaces the updater executable with the build published in the
// updater block of the release descriptor.
func SelfUpdate(ctx context.Context, opts *SelfUpdateOptions) (*SelfUpdateResult, error) {
	ctx = logger.WithName(ctx, ProcessName)

	cfg, err := loadConfig(&opts.Options)
	if err != nil {
		return nil, err
	}

	if cfg.ReleaseURL == "" {
		return nil, update.NewError(update.CategoryConfig, "load settings", errNoReleaseURL)
	}

	lock, err := acquireLock(ctx, cfg.LockPath(), cfg.LockTimeout)
	if err != nil {
		return nil, err
	}

	defer releaseLock(ctx, lock)

	f, err := fetcher.New(cfg)
	if err != nil {
		return nil, err
	}

	v, err := verifier.New(cfg)
	if err != nil {
		return nil, err
	}

	result := &SelfUpdateResult{From: opts.CurrentVersion}
	if result.From == "" {
		result.From = version.Short()
	}

	desc, err := f.FetchDescriptor(ctx, cfg.ReleaseURL)
	if err != nil {
		return nil, err
	}

	if desc.Updater == nil {
		logger.Info(ctx, "The release publishes no updater build")

		return result, nil
	}

	result.To = desc.Updater.Version

	decision, err := update.Decide(&update.InstalledState{Version: result.From}, desc.Updater.Descriptor())
	if err != nil {
		return nil, err
	}

	if decision == update.Skip && !opts.Force {
		logger.InfoKV(ctx, "Updater is up to date", "version", result.From)

		return result, nil
	}

	binary := desc.Updater.Descriptor()

	payload, err := f.Fetch(ctx, binary.URL, binary.Size)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = f.Discard(payload)
	}()

	if err = v.Verify(ctx, payload, binary); err != nil {
		return nil, err
	}

	target, err := selfUpdateTarget(opts.TargetPath)
	if err != nil {
		return nil, err
	}

	if err = replaceExecutable(payload.Path, target, binary.Checksum); err != nil {
		return nil, err
	}

	result.Replaced = true

	logger.InfoKV(ctx, "Updater replaced", "from", result.From, "to", result.To, "path", target)

	return result, nil
}

func selfUpdateTarget(target string) (string, error) {
	if target != "" {
		return filepath.Clean(target), nil
	}

	executable, err := os.Executable()
	if err != nil {
		return "", update.NewError(update.CategoryInternal, "locate executable", err)
	}

	resolved, err := filepath.EvalSymlinks(executable)
	if err != nil {
		return "", update.NewError(update.CategoryInternal, "locate executable", err)
	}

	return resolved, nil
}

// replaceExecutable applies the new executable with go-update, which checks the
// digest again and keeps the old file until the new one is in place.
func replaceExecutable(source, target, checksum string) error {
	digest, err := base64.StdEncoding.DecodeString(checksum)
	if err != nil {
		return update.NewError(update.CategoryVerify, "decode checksum", err)
	}

	file, err := os.Open(filepath.Clean(source))
	if err != nil {
		return update.NewError(update.CategoryApply, "open executable", err)
	}

	defer func() {
		_ = file.Close()
	}()

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: DefaultFileMode,
		Checksum:   digest,
		Hash:       DefaultChecksumFunction,
	}

	if err = goupdate.Apply(file, options); err != nil {
		if rollbackErr := goupdate.RollbackError(err); rollbackErr != nil {
			return update.NewError(update.CategoryApply, "replace executable",
				fmt.Errorf("%w: %w (rollback: %w)", errRollbackFailed, err, rollbackErr))
		}

		return update.NewError(update.CategoryApply, "replace executable", err)
	}

	return nil
}
