package update

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDecide covers numeric ordering, idempotence and malformed versions.
func TestDecide(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		current  string
		remote   string
		want     Decision
		category Category
	}{
		{name: "minor with two digits is newer", current: "1.9", remote: "1.10", want: Proceed},
		{name: "older remote is skipped", current: "2.0", remote: "1.9", want: Skip},
		{name: "same version is skipped", current: "1.1", remote: "1.1", want: Skip},
		{name: "equal with different padding", current: "1.1", remote: "1.1.0", want: Skip},
		{name: "v prefix is accepted", current: "v2.1.4", remote: "2.1.5", want: Proceed},
		{name: "prerelease is older than release", current: "2.2.0-rc.1", remote: "2.2.0", want: Proceed},
		{name: "malformed remote", current: "1.0", remote: "latest", category: CategoryConfig},
		{name: "malformed current", current: "not-a-version", remote: "1.0", category: CategoryConfig},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := Decide(&InstalledState{Version: tc.current}, &Descriptor{Version: tc.remote})
			if tc.category != "" {
				require.Error(t, err)
				require.Equal(t, tc.category, CategoryOf(err))
				require.Equal(t, Skip, got)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

// TestDecide_FirstInstall proceeds when nothing is installed and still validates the remote.
func TestDecide_FirstInstall(t *testing.T) {
	t.Parallel()

	got, err := Decide(nil, &Descriptor{Version: "1.0.0"})
	require.NoError(t, err)
	require.Equal(t, Proceed, got)

	_, err = Decide(nil, &Descriptor{Version: ""})
	require.Equal(t, CategoryConfig, CategoryOf(err))

	_, err = Decide(nil, nil)
	require.Equal(t, CategoryConfig, CategoryOf(err))
}
