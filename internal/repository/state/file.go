package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/ini.v1"

	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
)

// Repository defines persistence operations for the installed state.
type Repository interface {
	Load(ctx context.Context) (*update.InstalledState, error)
	Save(ctx context.Context, state *update.InstalledState) error
}

// FileRepository persists the installed state to an INI file on disk.
type FileRepository struct {
	// path is the filesystem location of the state file.
	path string
	// mu protects concurrent access to the state file.
	mu sync.Mutex
}

const (
	keyVersion     = "version"
	keyInstalledAt = "installed_at"
	keyPath        = "path"
	keyChecksum    = "checksum"

	// legacyVersionFilename is the version file shipped inside the application tree.
	legacyVersionFilename = "version"

	stateFileMode os.FileMode = 0o644
	stateDirMode  os.FileMode = 0o755
)

var (
	// ErrNotFound is returned when the state file does not exist yet.
	ErrNotFound = errors.New("state not found")

	errStateIsNil = errors.New("state is nil")
)

//nolint:gochecknoinits // Boot scripts parse KEY=value without spaces around the sign.
func init() {
	ini.PrettyFormat = false
}

// NewFileRepository creates a repository that reads/writes INI at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the location of the state file.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the state from disk.
func (r *FileRepository) Load(_ context.Context) (*update.InstalledState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := loadINI(r.path)
	if err != nil {
		return nil, err
	}

	section := file.Section("")

	installedAt, err := parseTime(section.Key(keyInstalledAt).String())
	if err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}

	return &update.InstalledState{
		Version:     section.Key(keyVersion).String(),
		InstalledAt: installedAt,
		Path:        section.Key(keyPath).String(),
		Checksum:    section.Key(keyChecksum).String(),
	}, nil
}

// Save atomically replaces the state file. The temporary file is synced before
// the rename, so after Save returns the record survives a power cut.
func (r *FileRepository) Save(_ context.Context, state *update.InstalledState) error {
	if state == nil {
		return errStateIsNil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file := ini.Empty()
	section := file.Section("")

	for _, kv := range [][2]string{
		{keyVersion, state.Version},
		{keyInstalledAt, formatTime(state.InstalledAt)},
		{keyPath, state.Path},
		{keyChecksum, state.Checksum},
	} {
		if _, err := section.NewKey(kv[0], kv[1]); err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
	}

	if err := writeINI(r.path, file); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	return nil
}

// DetectLegacy builds a state from the version file inside an application tree
// installed before this updater managed the device. It returns ErrNotFound when
// the tree carries no version file.
func DetectLegacy(activeDir string) (*update.InstalledState, error) {
	contents, err := os.ReadFile(filepath.Join(activeDir, legacyVersionFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read legacy version: %w", err)
	}

	return &update.InstalledState{
		Version: strings.TrimSpace(string(contents)),
		Path:    activeDir,
	}, nil
}

// loadINI reads an INI file, mapping a missing file to ErrNotFound.
func loadINI(path string) (*ini.File, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	file, err := ini.Load(contents)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return file, nil
}

// writeINI serializes file through an atomic writer, creating the parent directory.
func writeINI(path string, file *ini.File) (err error) {
	if err = os.MkdirAll(filepath.Dir(path), stateDirMode); err != nil {
		return err
	}

	w, err := atomicwriter.New(path, stateFileMode)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := w.Close(); err == nil {
			err = closeErr
		}
	}()

	_, err = file.WriteTo(w)

	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}

	return time.Parse(time.RFC3339, raw)
}
