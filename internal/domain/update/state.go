package update

import "time"

// InstalledState is the system of record for what runs on the device.
// Only the apply engine writes it, as the last step of a successful apply.
type InstalledState struct {
	// Version of the active application tree.
	Version string
	// InstalledAt is when the tree became active (UTC).
	InstalledAt time.Time
	// Path is the active application tree.
	Path string
	// Checksum is the digest of the artifact the tree was extracted from.
	Checksum string
}

// Clone returns a copy of the state, or nil for a nil state.
func (s *InstalledState) Clone() *InstalledState {
	if s == nil {
		return nil
	}

	cloned := *s

	return &cloned
}

// StagedPayload is a downloaded artifact owned by a single update attempt.
// It never becomes visible to InstalledState unless it is verified and applied.
type StagedPayload struct {
	// Path is the private temporary file holding the artifact.
	Path string
	// Size is the number of bytes written.
	Size int64
	// Checksum is the base64 SHA-512 digest computed while downloading.
	Checksum string
	// Verified is set by the verifier only.
	Verified bool
}
