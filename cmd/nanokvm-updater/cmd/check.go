package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/service/updater"
)

// checkCmd runs the version gate only.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether a newer release is published.",
	Long: fmt.Sprintf(`Fetch the release descriptor and compare it with the installed version
without downloading anything. Exits with %d when an update is available and 0
when the device is up to date.`, updater.ExitUpdateAvailable),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Setup graceful shutdown handling.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		opts, err := newOptions()
		if err != nil {
			return err
		}

		result, err := updater.Check(ctx, opts)
		if err != nil {
			return err
		}

		current := ""
		if result.Current != nil {
			current = result.Current.Version
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "decision=%s current=%s remote=%s\n",
			result.Decision, current, result.Remote.Version)

		if result.Decision == update.Proceed {
			exitCode = updater.ExitUpdateAvailable
		}

		return nil
	},
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.AddCommand(checkCmd)
}
