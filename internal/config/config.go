package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the updater settings for one device.
type Config struct {
	// ReleaseURL points to the release descriptor (https:// or s3://).
	ReleaseURL string `yaml:"release_url"`
	// ActiveDir is the application tree the device boots from.
	ActiveDir string `yaml:"active_dir"`
	// BackupDir receives the previous tree after a committed update.
	BackupDir string `yaml:"backup_dir"`
	// StateDir holds the installed state record, the pending journal and the lock file.
	StateDir string `yaml:"state_dir"`
	// StagingDir is the private download area for artifacts.
	StagingDir string `yaml:"staging_dir"`
	// HistoryDB is the SQLite file recording every update attempt.
	HistoryDB string `yaml:"history_db"`
	// CAFile is an optional PEM bundle trusted in addition to the system roots.
	CAFile string `yaml:"ca_file"`
	// PublicKeyFile is the pinned ASCII-armored OpenPGP key that signs releases.
	PublicKeyFile string `yaml:"public_key_file"`
	// RequireSignature rejects releases that carry no signature.
	RequireSignature bool `yaml:"require_signature"`
	// MaxArtifactBytes bounds the size of the downloaded archive.
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`
	// MaxExtractedBytes bounds the unpacked size of the archive.
	MaxExtractedBytes int64 `yaml:"max_extracted_bytes"`
	// ArchiveRoot is the directory the release archive wraps its tree in.
	// It is stripped only when every entry lives below it.
	ArchiveRoot string `yaml:"archive_root"`
	// Timeout is the transfer timeout of one download attempt.
	Timeout time.Duration `yaml:"timeout"`
	// RetryAttempts is the number of download attempts for transient failures.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryDelay is the delay before the second attempt; it doubles afterwards.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MaxRetryDelay caps the doubled delay.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	// LockTimeout is how long to wait for a concurrent updater to finish.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// S3 configures s3:// release sources.
	S3 S3Config `yaml:"s3"`
	// DeviceLibrary configures the per-device library download.
	DeviceLibrary DeviceLibraryConfig `yaml:"device_library"`
	// Service configures the application service restart after an update.
	Service ServiceConfig `yaml:"service"`
}

// S3Config holds credentials and endpoint for S3-compatible storage.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// DeviceLibraryConfig describes the vendor library that is bound to the device key.
type DeviceLibraryConfig struct {
	// URL may contain the {device_key} placeholder.
	URL string `yaml:"url"`
	// KeyFile holds the device key.
	KeyFile string `yaml:"key_file"`
	// Token is sent in the "token" request header.
	Token string `yaml:"token"`
	// Target is the path of the library relative to the application tree.
	Target string `yaml:"target"`
}

// ServiceConfig describes the init script of the application service.
type ServiceConfig struct {
	Script  string `yaml:"script"`
	Restart bool   `yaml:"restart"`
}

const (
	// DefaultConfigFilename is the default location of the settings file.
	DefaultConfigFilename = "/etc/nanokvm-updater.yaml"

	// DefaultEnvFilename is loaded silently when present and no env file was requested.
	DefaultEnvFilename = "/etc/nanokvm-updater.env"

	// DefaultActiveDir is where the NanoKVM application lives.
	DefaultActiveDir = "/kvmapp"

	// DefaultBackupDir keeps the previous application tree.
	DefaultBackupDir = "/root/old"

	// DefaultStateDir holds installed.ini and pending.ini.
	DefaultStateDir = "/etc/kvmapp"

	// DefaultStagingDir is the private download area.
	DefaultStagingDir = "/root/nanokvm-cache"

	// DefaultHistoryFilename is the attempt history database name inside StateDir.
	DefaultHistoryFilename = "history.db"

	// DefaultMaxArtifactBytes bounds downloads to 256 MiB.
	DefaultMaxArtifactBytes int64 = 256 << 20

	// DefaultArchiveRoot is the wrapper directory of vendor release archives.
	DefaultArchiveRoot = "latest"

	// DefaultMaxExtractedBytes bounds the unpacked tree to 1 GiB.
	DefaultMaxExtractedBytes int64 = 1 << 30

	// DefaultTimeout is the transfer timeout of one download attempt.
	DefaultTimeout = 5 * time.Minute

	// DefaultRetryAttempts is the number of download attempts.
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the first backoff delay.
	DefaultRetryDelay = 2 * time.Second

	// DefaultMaxRetryDelay caps the backoff delay.
	DefaultMaxRetryDelay = 30 * time.Second

	// DefaultLockTimeout is how long to wait for another updater.
	DefaultLockTimeout = 10 * time.Second

	// DefaultServiceScript is the NanoKVM init script.
	DefaultServiceScript = "/etc/init.d/S95nanokvm"

	// DefaultDeviceKeyFile holds the device key used by the library endpoint.
	DefaultDeviceKeyFile = "/device_key"

	// DefaultDeviceLibraryTarget is the library location inside the application tree.
	DefaultDeviceLibraryTarget = "kvm_system/dl_lib/libmaixcam_lib.so"

	// DefaultS3Region is used when neither the file nor the environment sets one.
	DefaultS3Region = "us-east-1"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// StateFilename is the installed state record inside StateDir.
	StateFilename = "installed.ini"

	// JournalFilename is the pending swap journal inside StateDir.
	JournalFilename = "pending.ini"

	// LockFilename is the advisory lock inside StateDir.
	LockFilename = "nanokvm-updater.lock"

	envPrefix = "NANOKVM_UPDATER_"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errInsecureScheme is returned for release URLs that would bypass transport security.
	errInsecureScheme = errors.New("release URL must use https:// or s3://")
	// errMissingTrustKey is returned when signatures are required but no key is pinned.
	errMissingTrustKey = errors.New("require_signature is set but public_key_file is empty")
	// errNonPositive is returned for limits that must be greater than zero.
	errNonPositive = errors.New("must be greater than zero")
	// errArchiveRoot is returned for a wrapper that is not a single directory name.
	errArchiveRoot = errors.New("must be a single directory name")
	// errRelativePath is returned for directories that must be absolute.
	errRelativePath = errors.New("must be an absolute path")
)

// Load reads configuration from path, an optional env file, and the environment.
//
// A missing file at DefaultConfigFilename means "use defaults"; any other missing
// path is an error. The env file is loaded before the environment is consulted,
// and never overrides variables that are already set.
func Load(path, envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	cfg := new(Config)

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case err == nil:
		if err = yaml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultConfigFilename:
		// Defaults only.
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err = applyEnv(cfg); err != nil {
		return nil, err
	}

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions: the file may carry S3 secrets.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults and checks the provided settings.
//
//nolint:cyclop // A flat list of checks reads better than a table here.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	setDefaults(cfg)

	if cfg.ReleaseURL != "" {
		if err := ValidateSourceURL(cfg.ReleaseURL); err != nil {
			return fmt.Errorf("release_url: %w", err)
		}
	}

	if cfg.DeviceLibrary.URL != "" {
		if err := ValidateSourceURL(cfg.DeviceLibrary.URL); err != nil {
			return fmt.Errorf("device_library.url: %w", err)
		}
	}

	for name, dir := range map[string]string{
		"active_dir":  cfg.ActiveDir,
		"backup_dir":  cfg.BackupDir,
		"state_dir":   cfg.StateDir,
		"staging_dir": cfg.StagingDir,
	} {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%s %q: %w", name, dir, errRelativePath)
		}
	}

	if cfg.ArchiveRoot == "." || cfg.ArchiveRoot == ".." || strings.ContainsAny(cfg.ArchiveRoot, `/\`) {
		return fmt.Errorf("archive_root %q: %w", cfg.ArchiveRoot, errArchiveRoot)
	}

	if cfg.RequireSignature && cfg.PublicKeyFile == "" {
		return errMissingTrustKey
	}

	if cfg.MaxArtifactBytes <= 0 {
		return fmt.Errorf("max_artifact_bytes: %w", errNonPositive)
	}

	if cfg.MaxExtractedBytes <= 0 {
		return fmt.Errorf("max_extracted_bytes: %w", errNonPositive)
	}

	if cfg.RetryAttempts <= 0 {
		return fmt.Errorf("retry_attempts: %w", errNonPositive)
	}

	return nil
}

// ValidateSourceURL accepts only transports with mandatory integrity: https and s3.
func ValidateSourceURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}

	switch parsed.Scheme {
	case "https", "s3":
	default:
		return fmt.Errorf("%q: %w", raw, errInsecureScheme)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%q: missing host or bucket", raw)
	}

	return nil
}

// StatePath returns the location of the installed state record.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, StateFilename)
}

// JournalPath returns the location of the pending swap journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, JournalFilename)
}

// LockPath returns the location of the advisory lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, LockFilename)
}

func setDefaults(cfg *Config) {
	setString(&cfg.ActiveDir, DefaultActiveDir)
	setString(&cfg.BackupDir, DefaultBackupDir)
	setString(&cfg.StateDir, DefaultStateDir)
	setString(&cfg.StagingDir, DefaultStagingDir)
	setString(&cfg.HistoryDB, filepath.Join(cfg.StateDir, DefaultHistoryFilename))
	setString(&cfg.ArchiveRoot, DefaultArchiveRoot)
	setString(&cfg.S3.Region, DefaultS3Region)
	setString(&cfg.Service.Script, DefaultServiceScript)
	setString(&cfg.DeviceLibrary.KeyFile, DefaultDeviceKeyFile)
	setString(&cfg.DeviceLibrary.Target, DefaultDeviceLibraryTarget)

	if cfg.MaxArtifactBytes == 0 {
		cfg.MaxArtifactBytes = DefaultMaxArtifactBytes
	}

	if cfg.MaxExtractedBytes == 0 {
		cfg.MaxExtractedBytes = DefaultMaxExtractedBytes
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
}

func setString(field *string, fallback string) {
	if *field == "" {
		*field = fallback
	}
}

// loadEnvFile loads variables from envFile. An explicit file must exist; the default
// one is optional.
func loadEnvFile(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}

		return nil
	}

	if _, err := os.Stat(DefaultEnvFilename); err != nil {
		return nil
	}

	if err := godotenv.Load(DefaultEnvFilename); err != nil {
		return fmt.Errorf("load env file %s: %w", DefaultEnvFilename, err)
	}

	return nil
}

// applyEnv overrides file values with environment variables.
func applyEnv(cfg *Config) error {
	overrides := map[string]*string{
		envPrefix + "RELEASE_URL":     &cfg.ReleaseURL,
		envPrefix + "ACTIVE_DIR":      &cfg.ActiveDir,
		envPrefix + "STATE_DIR":       &cfg.StateDir,
		envPrefix + "CA_FILE":         &cfg.CAFile,
		envPrefix + "PUBLIC_KEY_FILE": &cfg.PublicKeyFile,
		envPrefix + "S3_ENDPOINT":     &cfg.S3.Endpoint,
		envPrefix + "DEVICE_TOKEN":    &cfg.DeviceLibrary.Token,
		"AWS_ACCESS_KEY_ID":           &cfg.S3.AccessKey,
		"AWS_SECRET_ACCESS_KEY":       &cfg.S3.SecretKey,
		"AWS_REGION":                  &cfg.S3.Region,
	}

	for key, field := range overrides {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			*field = strings.TrimSpace(value)
		}
	}

	if value, ok := os.LookupEnv(envPrefix + "REQUIRE_SIGNATURE"); ok && value != "" {
		required, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%sREQUIRE_SIGNATURE: %w", envPrefix, err)
		}

		cfg.RequireSignature = required
	}

	return nil
}
