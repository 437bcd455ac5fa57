package update

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestExitCodes checks that each failure category has its own non-zero code.
func TestExitCodes(t *testing.T) {
	t.Parallel()

	require.Equal(t, ExitOK, (&Result{Outcome: OutcomeUpToDate}).ExitCode())
	require.Equal(t, ExitOK, (&Result{Outcome: OutcomeUpdated}).ExitCode())

	seen := make(map[int]Category)

	for _, category := range []Category{
		CategoryConfig, CategoryFetch, CategoryVerify, CategoryApply, CategoryBusy, CategoryInternal,
	} {
		code := (&Result{Outcome: OutcomeFailed, Category: category}).ExitCode()
		require.NotZero(t, code)

		other, dup := seen[code]
		require.False(t, dup, "%s and %s share exit code %d", category, other, code)

		seen[code] = category
	}
}

// TestCategoryOf finds the category through wrapping and defaults to internal.
func TestCategoryOf(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := fmt.Errorf("run: %w", NewError(CategoryFetch, "download", cause))

	require.Equal(t, CategoryFetch, CategoryOf(err))
	require.ErrorIs(t, err, cause)
	require.Equal(t, CategoryInternal, CategoryOf(cause))
	require.NoError(t, NewError(CategoryApply, "noop", nil))

	result := NewFailedResult(err)
	require.Equal(t, ExitFetch, result.ExitCode())
	require.Contains(t, result.Reason, "connection reset")
}

// TestParseDescriptor validates mandatory fields.
func TestParseDescriptor(t *testing.T) {
	t.Parallel()

	desc, err := ParseDescriptor([]byte(`
version: "1.1"
url: https://cdn.example.com/nanokvm/1.1.zip
checksum: c2hhNTEy
size: 1024
`))
	require.NoError(t, err)
	require.Equal(t, "1.1", desc.Version)
	require.Equal(t, int64(1024), desc.Size)

	// JSON is a YAML subset.
	_, err = ParseDescriptor([]byte(`{"version":"1.1","url":"https://x/y.zip","checksum":"c2hh","size":1}`))
	require.NoError(t, err)

	_, err = ParseDescriptor([]byte(`version: "1.1"`))
	require.Equal(t, CategoryConfig, CategoryOf(err))

	_, err = ParseDescriptor([]byte("version: [1.1"))
	require.Equal(t, CategoryFetch, CategoryOf(err))
}
