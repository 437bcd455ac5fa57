package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bengt/NanoKVM-Updater/internal/service/reporter"
	"github.com/Bengt/NanoKVM-Updater/internal/service/updater"
)

var (
	// historyLimit is the number of attempts to print.
	historyLimit int

	// historyCmd prints recorded attempts.
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recent update attempts, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := newOptions()
			if err != nil {
				return err
			}

			results, err := updater.History(context.Background(), opts, historyLimit)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())

			for _, result := range results {
				if opts.Output == reporter.FormatJSON {
					err = encoder.Encode(reporter.NewLine(result))
				} else {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), reporter.FormatLine(result))
				}

				if err != nil {
					return err
				}
			}

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of attempts to show")
	rootCmd.AddCommand(historyCmd)
}
