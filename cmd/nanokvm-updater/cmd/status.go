package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bengt/NanoKVM-Updater/internal/service/reporter"
	"github.com/Bengt/NanoKVM-Updater/internal/service/updater"
)

// statusLine is the JSON form of a status report.
type statusLine struct {
	Version     string     `json:"version,omitempty"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	Path        string     `json:"path,omitempty"`
	Managed     bool       `json:"managed"`
	Pending     string     `json:"pending,omitempty"`
	Release     string     `json:"release_attempt,omitempty"`
}

// statusCmd prints the installed state.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed version and any interrupted attempt.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts, err := newOptions()
		if err != nil {
			return err
		}

		report, err := updater.Status(context.Background(), opts)
		if err != nil {
			return err
		}

		return printStatus(cmd.OutOrStdout(), opts.Output, report)
	},
}

func printStatus(w io.Writer, format reporter.Format, report *updater.StatusReport) error {
	line := statusLine{Managed: report.Managed}

	if report.Installed != nil {
		line.Version = report.Installed.Version
		line.Path = report.Installed.Path

		if !report.Installed.InstalledAt.IsZero() {
			installedAt := report.Installed.InstalledAt
			line.InstalledAt = &installedAt
		}
	}

	if report.Pending != nil {
		line.Pending = report.Pending.AttemptID
	}

	if report.Release != nil {
		line.Release = report.Release.AttemptID
	}

	if format == reporter.FormatJSON {
		return json.NewEncoder(w).Encode(line)
	}

	if line.Version == "" {
		_, err := fmt.Fprintln(w, "installed=none")

		return err
	}

	_, err := fmt.Fprintf(w, "installed=%s managed=%t path=%s", line.Version, line.Managed, line.Path)
	if err != nil {
		return err
	}

	if line.InstalledAt != nil {
		_, _ = fmt.Fprintf(w, " installed_at=%s", line.InstalledAt.Format(time.RFC3339))
	}

	if line.Pending != "" {
		_, _ = fmt.Fprintf(w, " pending=%s", line.Pending)
	}

	_, err = fmt.Fprintln(w)

	return err
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.AddCommand(statusCmd)
}
