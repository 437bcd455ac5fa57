package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bengt/NanoKVM-Updater/internal/service/updater"
)

var (
	// forceSelfUpdate replaces the executable even when it is current.
	forceSelfUpdate bool

	// selfUpdateCmd replaces the updater executable.
	selfUpdateCmd = &cobra.Command{
		Use:   "self-update",
		Short: "Replace this executable with the updater build of the release.",
		Long: `Download the updater build named in the updater block of the release
descriptor, verify it like any artifact and replace the running executable.
The previous executable is restored when the replacement fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			opts, err := newOptions()
			if err != nil {
				return err
			}

			result, err := updater.SelfUpdate(ctx, &updater.SelfUpdateOptions{
				Options: *opts,
				Force:   forceSelfUpdate,
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "replaced=%t from=%s to=%s\n", result.Replaced, result.From, result.To)

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	selfUpdateCmd.Flags().BoolVarP(&forceSelfUpdate, "force", "f", false, "replace even when not older")
	rootCmd.AddCommand(selfUpdateCmd)
}
