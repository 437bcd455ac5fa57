package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks defaults and format validations for Config.
func TestValidate(t *testing.T) {
	t.Parallel()

	// Defaults are filled in.
	cfg := new(Config)
	require.NoError(t, Validate(cfg))
	require.Equal(t, DefaultActiveDir, cfg.ActiveDir)
	require.Equal(t, DefaultTimeout, cfg.Timeout)
	require.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
	require.Equal(t, filepath.Join(DefaultStateDir, DefaultHistoryFilename), cfg.HistoryDB)
	require.Equal(t, filepath.Join(DefaultStateDir, StateFilename), cfg.StatePath())
	require.Equal(t, DefaultArchiveRoot, cfg.ArchiveRoot)

	// Plain HTTP is refused.
	cfg = &Config{ReleaseURL: "http://cdn.example.com/release.yaml"}
	require.ErrorIs(t, Validate(cfg), errInsecureScheme)

	// Signatures without a trust key are a configuration error.
	cfg = &Config{
		ReleaseURL:       "https://cdn.example.com/release.yaml",
		RequireSignature: true,
	}
	require.ErrorIs(t, Validate(cfg), errMissingTrustKey)

	// Relative directories are refused.
	cfg = &Config{ActiveDir: "kvmapp"}
	require.ErrorIs(t, Validate(cfg), errRelativePath)

	// The archive wrapper is a single directory name.
	for _, root := range []string{"a/b", `a\b`, ".", ".."} {
		cfg = &Config{ArchiveRoot: root}
		require.ErrorIs(t, Validate(cfg), errArchiveRoot, root)
	}

	// S3 sources are accepted.
	cfg = &Config{ReleaseURL: "s3://releases/nanokvm/release.yaml"}
	require.NoError(t, Validate(cfg))

	require.ErrorIs(t, Validate(nil), errConfigIsNotSet)
}

// TestValidateSourceURL covers accepted and rejected schemes.
func TestValidateSourceURL(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateSourceURL("https://cdn.sipeed.com/nanokvm/release.yaml"))
	require.NoError(t, ValidateSourceURL("s3://bucket/key"))
	require.Error(t, ValidateSourceURL("http://cdn.sipeed.com/nanokvm/latest.zip"))
	require.Error(t, ValidateSourceURL("file:///tmp/latest.zip"))
	require.Error(t, ValidateSourceURL("https:///no-host"))
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	settings := &Config{
		ReleaseURL: "https://updates.local/release.yaml",
		ActiveDir:  filepath.Join(dir, "kvmapp"),
		StateDir:   filepath.Join(dir, "state"),
		Timeout:    42 * time.Second,
	}

	require.NoError(t, Save(path, settings))

	loaded, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, settings.ReleaseURL, loaded.ReleaseURL)
	require.Equal(t, settings.ActiveDir, loaded.ActiveDir)
	require.Equal(t, 42*time.Second, loaded.Timeout)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(DefaultFilePermissions), info.Mode().Perm())
}

// TestLoad_EnvFileOverrides verifies that the env file and environment win over the YAML file.
func TestLoad_EnvFileOverrides(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("release_url: https://a.example/release.yaml\n"), 0o600))

	envFile := filepath.Join(dir, "updater.env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"NANOKVM_UPDATER_RELEASE_URL=https://b.example/release.yaml\n"+
			"AWS_ACCESS_KEY_ID=AKIDEXAMPLE\n",
	), 0o600))

	// godotenv never overrides variables that already exist, and t.Setenv restores them.
	t.Setenv("NANOKVM_UPDATER_RELEASE_URL", "")
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	require.NoError(t, os.Unsetenv("NANOKVM_UPDATER_RELEASE_URL"))
	require.NoError(t, os.Unsetenv("AWS_ACCESS_KEY_ID"))

	cfg, err := Load(path, envFile)
	require.NoError(t, err)
	require.Equal(t, "https://b.example/release.yaml", cfg.ReleaseURL)
	require.Equal(t, "AKIDEXAMPLE", cfg.S3.AccessKey)

	t.Setenv("NANOKVM_UPDATER_REQUIRE_SIGNATURE", "yes-please")

	_, err = Load(path, "")
	require.Error(t, err)
}

// TestLoad_MissingFile distinguishes the default path from an explicit one.
func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.ErrorIs(t, err, os.ErrNotExist)
}
