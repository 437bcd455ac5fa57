package state

import (
	"fmt"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// ReleaseMarkerFilename is written into every tree the updater installs.
const ReleaseMarkerFilename = ".nanokvm-release"

// Release identifies the attempt that produced an application tree.
type Release struct {
	AttemptID string
	Version   string
	Checksum  string
}

// Matches reports whether the release was produced by the pending attempt.
func (r *Release) Matches(p *Pending) bool {
	return r != nil && p != nil &&
		r.AttemptID == p.AttemptID &&
		r.Version == p.Version &&
		r.Checksum == p.Checksum
}

// WriteRelease stores the marker inside dir.
func WriteRelease(dir string, r *Release) error {
	file := ini.Empty()
	section := file.Section("")

	for _, kv := range [][2]string{
		{keyAttempt, r.AttemptID},
		{keyVersion, r.Version},
		{keyChecksum, r.Checksum},
	} {
		if _, err := section.NewKey(kv[0], kv[1]); err != nil {
			return fmt.Errorf("encode release marker: %w", err)
		}
	}

	if err := writeINI(filepath.Join(dir, ReleaseMarkerFilename), file); err != nil {
		return fmt.Errorf("write release marker: %w", err)
	}

	return nil
}

// ReadRelease loads the marker from dir, or ErrNotFound for trees without one.
func ReadRelease(dir string) (*Release, error) {
	file, err := loadINI(filepath.Join(dir, ReleaseMarkerFilename))
	if err != nil {
		return nil, err
	}

	section := file.Section("")

	return &Release{
		AttemptID: section.Key(keyAttempt).String(),
		Version:   section.Key(keyVersion).String(),
		Checksum:  section.Key(keyChecksum).String(),
	}, nil
}
