package update

import (
	"errors"
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// Decision is the result of the version gate.
type Decision int

const (
	// Skip means the installed version is current or newer.
	Skip Decision = iota
	// Proceed means the remote release must be installed.
	Proceed
)

// String returns a lowercase name for logs.
func (d Decision) String() string {
	if d == Proceed {
		return "proceed"
	}

	return "skip"
}

var (
	errNoRemote        = errors.New("no remote release descriptor")
	errMalformedRemote = errors.New("malformed remote version")
	errMalformedLocal  = errors.New("malformed installed version")
)

// ParseVersion parses a release version. Segments compare numerically, so
// "1.10" is newer than "1.9"; a leading "v" is accepted.
func ParseVersion(raw string) (*goversion.Version, error) {
	return goversion.NewVersion(strings.TrimSpace(raw))
}

// Decide compares the installed state with the remote descriptor.
// A nil current state means nothing is installed yet and always proceeds.
// Malformed versions on either side are configuration errors, never a guess.
func Decide(current *InstalledState, remote *Descriptor) (Decision, error) {
	if remote == nil {
		return Skip, NewError(CategoryConfig, "decide", errNoRemote)
	}

	remoteVersion, err := ParseVersion(remote.Version)
	if err != nil {
		return Skip, NewError(CategoryConfig, "decide", fmt.Errorf("%w %q: %w", errMalformedRemote, remote.Version, err))
	}

	if current == nil {
		return Proceed, nil
	}

	currentVersion, err := ParseVersion(current.Version)
	if err != nil {
		return Skip, NewError(CategoryConfig, "decide", fmt.Errorf("%w %q: %w", errMalformedLocal, current.Version, err))
	}

	if remoteVersion.GreaterThan(currentVersion) {
		return Proceed, nil
	}

	return Skip, nil
}
