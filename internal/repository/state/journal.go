package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

// Pending records a swap that was prepared but not yet committed.
// It is written after staging completes and removed once InstalledState is
// committed or the attempt is rolled back; finding one at startup means the
// previous run died in between.
type Pending struct {
	AttemptID string
	Version   string
	Checksum  string
	// StagingDir is the prepared tree (or, after the exchange, the previous tree).
	StagingDir string
	// ActiveDir is the promotion target.
	ActiveDir string
	StartedAt time.Time
}

// Journal persists Pending records.
type Journal struct {
	path string
}

const (
	journalSection = "pending"

	keyAttempt = "attempt"
	keyStaging = "staging"
	keyActive  = "active"
	keyStarted = "started_at"
)

var errPendingIsNil = errors.New("pending record is nil")

// NewJournal creates a journal stored at path.
func NewJournal(path string) *Journal {
	return &Journal{path: filepath.Clean(path)}
}

// Load returns the pending record or ErrNotFound.
func (j *Journal) Load() (*Pending, error) {
	file, err := loadINI(j.path)
	if err != nil {
		return nil, err
	}

	section, err := file.GetSection(journalSection)
	if err != nil {
		return nil, fmt.Errorf("decode journal: %w", err)
	}

	startedAt, err := parseTime(section.Key(keyStarted).String())
	if err != nil {
		return nil, fmt.Errorf("decode journal: %w", err)
	}

	return &Pending{
		AttemptID:  section.Key(keyAttempt).String(),
		Version:    section.Key(keyVersion).String(),
		Checksum:   section.Key(keyChecksum).String(),
		StagingDir: section.Key(keyStaging).String(),
		ActiveDir:  section.Key(keyActive).String(),
		StartedAt:  startedAt,
	}, nil
}

// Save atomically writes the pending record.
func (j *Journal) Save(p *Pending) error {
	if p == nil {
		return errPendingIsNil
	}

	file := ini.Empty()

	section, err := file.NewSection(journalSection)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}

	for _, kv := range [][2]string{
		{keyAttempt, p.AttemptID},
		{keyVersion, p.Version},
		{keyChecksum, p.Checksum},
		{keyStaging, p.StagingDir},
		{keyActive, p.ActiveDir},
		{keyStarted, formatTime(p.StartedAt)},
	} {
		if _, err = section.NewKey(kv[0], kv[1]); err != nil {
			return fmt.Errorf("encode journal: %w", err)
		}
	}

	if err = writeINI(j.path, file); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}

	return nil
}

// Clear removes the pending record. Clearing an absent journal is not an error.
func (j *Journal) Clear() error {
	if err := os.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear journal: %w", err)
	}

	return syncDir(filepath.Dir(j.path))
}

// syncDir flushes directory entries so a rename or removal survives a power cut.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	}

	defer func() {
		_ = d.Close()
	}()

	return d.Sync()
}
