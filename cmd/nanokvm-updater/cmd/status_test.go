package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/repository/state"
	"github.com/Bengt/NanoKVM-Updater/internal/service/reporter"
	"github.com/Bengt/NanoKVM-Updater/internal/service/updater"
)

// TestPrintStatus covers both output formats and the empty device.
func TestPrintStatus(t *testing.T) {
	t.Parallel()

	installedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	report := &updater.StatusReport{
		Installed: &update.InstalledState{Version: "2.1.0", InstalledAt: installedAt, Path: "/kvmapp"},
		Managed:   true,
		Pending:   &state.Pending{AttemptID: "a-1"},
	}

	var text bytes.Buffer
	require.NoError(t, printStatus(&text, reporter.FormatText, report))
	require.Equal(t, "installed=2.1.0 managed=true path=/kvmapp installed_at=2026-10-01T12:00:00Z pending=a-1\n", text.String())

	var encoded bytes.Buffer
	require.NoError(t, printStatus(&encoded, reporter.FormatJSON, report))

	var line statusLine
	require.NoError(t, json.Unmarshal(encoded.Bytes(), &line))
	require.Equal(t, "2.1.0", line.Version)
	require.Equal(t, "a-1", line.Pending)
	require.True(t, line.InstalledAt.Equal(installedAt))

	var empty bytes.Buffer
	require.NoError(t, printStatus(&empty, reporter.FormatText, &updater.StatusReport{}))
	require.Equal(t, "installed=none\n", empty.String())
}
