package version

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestFull_NamesUpdater(t *testing.T) {
	t.Parallel()

	require.NotEmpty(t, Short())
	require.True(t, strings.HasPrefix(Full(), "nanokvm-updater version: "+Short()+","), Full())
	require.Contains(t, Full(), "commit: "+Commit)
	require.Contains(t, Full(), "built at: "+BuildTime)
}

// TestVersionCommand prints the full string through the attached subcommand.
func TestVersionCommand(t *testing.T) {
	t.Parallel()

	root := &cobra.Command{Use: Name}
	AttachCobraVersionCommand(root)

	var out bytes.Buffer

	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	require.Equal(t, Full()+"\n", out.String())
	require.True(t, strings.HasPrefix(out.String(), "nanokvm-updater "))
}
