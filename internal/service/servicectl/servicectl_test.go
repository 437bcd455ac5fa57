package servicectl

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("init scripts are only driven on linux")
	}

	path := filepath.Join(t.TempDir(), "S95nanokvm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))

	return path
}

func TestRestart(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "action")
	script := writeScript(t, `echo "$1" > `+marker+"\n")

	require.NoError(t, Restart(context.Background(), script))

	contents, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "restart\n", string(contents))
}

func TestRun_Failure(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "echo 'server did not start'\nexit 3\n")

	err := Run(context.Background(), script, ActionStart)
	require.Error(t, err)
	require.Contains(t, err.Error(), "server did not start")
}

func TestRun_MissingScript(t *testing.T) {
	t.Parallel()

	if runtime.GOOS != "linux" {
		t.Skip("init scripts are only driven on linux")
	}

	err := Run(context.Background(), filepath.Join(t.TempDir(), "absent"), ActionRestart)
	require.ErrorIs(t, err, ErrScriptMissing)
}
