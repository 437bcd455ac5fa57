package update

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	errDescriptorVersion  = errors.New("descriptor has no version")
	errDescriptorURL      = errors.New("descriptor has no url")
	errDescriptorChecksum = errors.New("descriptor has no checksum")
	errDescriptorSize     = errors.New("descriptor size must be positive")
)

// Descriptor describes a published release. It is immutable once fetched.
type Descriptor struct {
	// Version identifies the release, compared numerically by Decide.
	Version string `yaml:"version" json:"version"`
	// URL is where the artifact is downloaded from.
	URL string `yaml:"url" json:"url"`
	// Checksum is the base64 SHA-512 digest of the artifact.
	Checksum string `yaml:"checksum" json:"checksum"`
	// Size is the artifact length in bytes.
	Size int64 `yaml:"size" json:"size"`
	// Signature is an optional ASCII-armored OpenPGP detached signature over the artifact.
	Signature string `yaml:"signature,omitempty" json:"signature,omitempty"`
	// Notes is free-form release information.
	Notes string `yaml:"notes,omitempty" json:"notes,omitempty"`
	// Updater optionally publishes a new build of the updater itself.
	Updater *Binary `yaml:"updater,omitempty" json:"updater,omitempty"`
}

// Binary describes a single executable published alongside a release.
type Binary struct {
	Version   string `yaml:"version" json:"version"`
	URL       string `yaml:"url" json:"url"`
	Checksum  string `yaml:"checksum" json:"checksum"`
	Size      int64  `yaml:"size" json:"size"`
	Signature string `yaml:"signature,omitempty" json:"signature,omitempty"`
}

// Descriptor views the binary as a release so that it passes the same checks.
func (b *Binary) Descriptor() *Descriptor {
	return &Descriptor{
		Version:   b.Version,
		URL:       b.URL,
		Checksum:  b.Checksum,
		Size:      b.Size,
		Signature: b.Signature,
	}
}

// ParseDescriptor decodes a YAML (or JSON) descriptor and checks that every
// field the pipeline depends on is present.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, NewError(CategoryFetch, "decode descriptor", err)
	}

	if err := desc.Validate(); err != nil {
		return nil, NewError(CategoryConfig, "validate descriptor", err)
	}

	return &desc, nil
}

// Validate checks the mandatory descriptor fields. Version syntax is checked by Decide.
func (d *Descriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.Version) == "":
		return errDescriptorVersion
	case strings.TrimSpace(d.URL) == "":
		return errDescriptorURL
	case strings.TrimSpace(d.Checksum) == "":
		return errDescriptorChecksum
	case d.Size <= 0:
		return fmt.Errorf("%w: %d", errDescriptorSize, d.Size)
	}

	return nil
}

// Marshal encodes the descriptor as YAML.
func (d *Descriptor) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
