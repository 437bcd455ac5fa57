package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
	"github.com/Bengt/NanoKVM-Updater/internal/service/reporter"
	"github.com/Bengt/NanoKVM-Updater/internal/service/updater"
	"github.com/Bengt/NanoKVM-Updater/internal/version"
)

var errUnknownLogLevel = errors.New("unknown log level")

var (
	// configPath to the configuration YAML file.
	configPath string
	// envFile with environment overrides.
	envFile string
	// logLevel of the stderr log.
	logLevel string
	// output selects the result line format.
	output string

	// exitCode is returned to the caller once the command finishes.
	exitCode int

	// rootCmd runs one unattended update attempt.
	rootCmd = &cobra.Command{
		Use:   version.Name,
		Short: "Keep the NanoKVM application up to date.",
		Long: `Unattended updater for the NanoKVM application.

Without a subcommand it runs one update attempt: it fetches the release
descriptor, compares versions, downloads and verifies the artifact and swaps
it into place atomically. Exactly one result line is written to stdout and
the exit status tells the outcome:

  0  up to date or updated
  1  internal error
  2  configuration error
  3  download failed
  4  verification failed
  5  apply failed, previous version kept
  6  another updater is running

Logs go to stderr.`,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		RunE:              runUpdate,
	}
)

// runCmd is the explicit form of the root command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one update attempt (the default).",
	Args:  cobra.NoArgs,
	RunE:  runUpdate,
}

// runUpdate runs one attempt and keeps its exit code.
func runUpdate(_ *cobra.Command, _ []string) error {
	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	opts, err := newOptions()
	if err != nil {
		return err
	}

	exitCode = updater.Run(ctx, opts)

	return nil
}

// Execute runs the nanokvm-updater CLI and exits with the status of the command.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)

		os.Exit(update.CategoryOf(err).ExitCode())
	}

	os.Exit(exitCode)
}

// setup applies the persistent flags before any command runs.
func setup(_ *cobra.Command, _ []string) error {
	level, ok := logger.ParseLogLevel(logLevel)
	if !ok {
		return update.NewError(update.CategoryConfig, "parse flags", fmt.Errorf("%w: %q", errUnknownLogLevel, logLevel))
	}

	logger.SetLevel(level)

	return nil
}

func newOptions() (*updater.Options, error) {
	format, err := reporter.ParseFormat(output)
	if err != nil {
		return nil, update.NewError(update.CategoryConfig, "parse flags", err)
	}

	return &updater.Options{
		ConfigPath: configPath,
		EnvFile:    envFile,
		Output:     format,
	}, nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVar(&envFile, "env-file", "", "file with environment overrides")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.StringVarP(&output, "output", "o", string(reporter.FormatText), "result format: text or json")

	rootCmd.AddCommand(runCmd)
}
