package packager

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/moby/sys/atomicwriter"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
	"github.com/Bengt/NanoKVM-Updater/internal/service/apply"
)

const (
	// DefaultDescriptorFilename is where the descriptor is written when no output is given.
	DefaultDescriptorFilename = "release.yaml"

	// descriptorFileMode lets the web server read the descriptor.
	descriptorFileMode os.FileMode = 0o644
)

var (
	errNoArtifact      = errors.New("artifact is required")
	errNoVersion       = errors.New("version is required")
	errNoURL           = errors.New("url is required unless publishing to s3")
	errUpdaterIncompat = errors.New("updater binary needs both a version and a url or publish target")
)

// Options contains inputs for the packager entry point.
type Options struct {
	// Artifact is the zip archive of the application tree.
	Artifact string
	// Version of the release.
	Version string
	// URL where devices download the artifact. Derived from Publish when empty.
	URL string
	// Notes are copied into the descriptor.
	Notes string
	// SignKeyFile is an ASCII-armored private key; the artifact is signed when set.
	SignKeyFile string
	// Passphrase unlocks an encrypted signing key.
	Passphrase string
	// Output is the descriptor path (release.yaml by default).
	Output string
	// Publish is an s3://bucket/prefix target for the artifact and the descriptor.
	Publish string
	// UpdaterBinary optionally publishes a new updater build with the release.
	UpdaterBinary string
	// UpdaterVersion is the version of UpdaterBinary.
	UpdaterVersion string
	// UpdaterURL is where devices download UpdaterBinary. Derived from Publish when empty.
	UpdaterURL string
	// ConfigPath and EnvFile locate S3 settings; Config replaces them when set.
	ConfigPath string
	EnvFile    string
	Config     *config.Config
}

// packager prepares a release descriptor.
// It is unexported; callers should use Run, which encapsulates setup and validation.
type packager struct {
	opts   *Options
	cfg    *config.Config
	signer *signer
	client uploader
	desc   *update.Descriptor
}

// Run executes the packaging workflow and returns the written descriptor.
func Run(ctx context.Context, opts *Options) (*update.Descriptor, error) {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "nanokvm-packager")

	pkg, err := newPackager(opts)
	if err != nil {
		return nil, fmt.Errorf("initialize packager: %w", err)
	}

	if err = pkg.Run(ctx); err != nil {
		return nil, fmt.Errorf("packager failed: %w", err)
	}

	logger.Info(ctx, "Packager completed successfully")

	return pkg.desc, nil
}

func newPackager(opts *Options) (*packager, error) {
	switch {
	case opts.Artifact == "":
		return nil, errNoArtifact
	case strings.TrimSpace(opts.Version) == "":
		return nil, errNoVersion
	case opts.URL == "" && opts.Publish == "":
		return nil, errNoURL
	case opts.UpdaterBinary != "" && (opts.UpdaterVersion == "" || (opts.UpdaterURL == "" && opts.Publish == "")):
		return nil, errUpdaterIncompat
	}

	if _, err := update.ParseVersion(opts.Version); err != nil {
		return nil, fmt.Errorf("version %q: %w", opts.Version, err)
	}

	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.ConfigPath, opts.EnvFile)
		if err != nil {
			return nil, err
		}

		cfg = loaded
	} else if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	pkg := &packager{opts: opts, cfg: cfg}

	if opts.SignKeyFile != "" {
		s, err := newSigner(opts.SignKeyFile, opts.Passphrase)
		if err != nil {
			return nil, err
		}

		pkg.signer = s
	}

	return pkg, nil
}

// Run fills, writes and optionally publishes the descriptor.
func (p *packager) Run(ctx context.Context) error {
	logger.InfoKV(ctx, "Inspecting artifact", "path", p.opts.Artifact)

	inspection, err := apply.Inspect(p.opts.Artifact, p.cfg.ArchiveRoot, p.cfg.MaxExtractedBytes)
	if err != nil {
		return fmt.Errorf("inspect artifact: %w", err)
	}

	logger.InfoKV(ctx, "Artifact is a valid application tree",
		"files", inspection.Files,
		"unpacked", humanize.IBytes(uint64(inspection.UnpackedBytes)), //nolint:gosec // Never negative.
		"root", inspection.Root)

	if err = p.fillDescription(); err != nil {
		return err
	}

	if err = p.desc.Validate(); err != nil {
		return fmt.Errorf("validate descriptor: %w", err)
	}

	output := p.output()

	logger.InfoKV(ctx, "Saving release descriptor", "path", output)

	if err = p.saveDescription(output); err != nil {
		return err
	}

	if p.opts.Publish != "" {
		if err = p.publish(ctx, output); err != nil {
			return err
		}
	}

	p.printNextSteps(ctx, output)

	return nil
}

// fillDescription computes checksums and signatures.
func (p *packager) fillDescription() error {
	artifactURL, err := p.resolveURL(p.opts.URL, p.opts.Artifact)
	if err != nil {
		return err
	}

	size, checksum, err := FileChecksum(p.opts.Artifact)
	if err != nil {
		return err
	}

	p.desc = &update.Descriptor{
		Version:  strings.TrimSpace(p.opts.Version),
		URL:      artifactURL,
		Checksum: checksum,
		Size:     size,
		Notes:    p.opts.Notes,
	}

	if p.desc.Signature, err = p.sign(p.opts.Artifact); err != nil {
		return err
	}

	if p.opts.UpdaterBinary == "" {
		return nil
	}

	updaterURL, err := p.resolveURL(p.opts.UpdaterURL, p.opts.UpdaterBinary)
	if err != nil {
		return err
	}

	size, checksum, err = FileChecksum(p.opts.UpdaterBinary)
	if err != nil {
		return err
	}

	p.desc.Updater = &update.Binary{
		Version:  strings.TrimSpace(p.opts.UpdaterVersion),
		URL:      updaterURL,
		Checksum: checksum,
		Size:     size,
	}

	p.desc.Updater.Signature, err = p.sign(p.opts.UpdaterBinary)

	return err
}

func (p *packager) sign(path string) (string, error) {
	if p.signer == nil {
		return "", nil
	}

	return p.signer.Sign(path)
}

// resolveURL returns the explicit URL or the object URL below the publish target.
func (p *packager) resolveURL(explicit, file string) (string, error) {
	resolved := explicit
	if resolved == "" {
		target, err := url.Parse(p.opts.Publish)
		if err != nil {
			return "", fmt.Errorf("parse publish target: %w", err)
		}

		target.Path = path.Join("/", target.Path, filepath.Base(file))
		resolved = target.String()
	}

	if err := config.ValidateSourceURL(resolved); err != nil {
		return "", err
	}

	return resolved, nil
}

func (p *packager) output() string {
	if p.opts.Output != "" {
		return p.opts.Output
	}

	return DefaultDescriptorFilename
}

// saveDescription writes the descriptor atomically so a web server never
// serves a half-written file.
func (p *packager) saveDescription(output string) error {
	contents, err := p.desc.Marshal()
	if err != nil {
		return err
	}

	return atomicwriter.WriteFile(output, contents, descriptorFileMode)
}

// printNextSteps logs human-readable guidance for next actions with the created files.
func (p *packager) printNextSteps(ctx context.Context, output string) {
	var builder strings.Builder

	if p.opts.Publish != "" {
		builder.WriteString("Release ")
		builder.WriteString(p.desc.Version)
		builder.WriteString(" has been published to ")
		builder.WriteString(p.opts.Publish)
	} else {
		builder.WriteString("Upload ")
		builder.WriteString(filepath.Base(p.opts.Artifact))
		builder.WriteString(" so that it is served at ")
		builder.WriteString(p.desc.URL)

		if p.desc.Updater != nil {
			builder.WriteString(", ")
			builder.WriteString(filepath.Base(p.opts.UpdaterBinary))
			builder.WriteString(" at ")
			builder.WriteString(p.desc.Updater.URL)
		}

		builder.WriteString(", then publish ")
		builder.WriteString(output)
	}

	builder.WriteString(".\nPoint release_url of the devices at the descriptor.")

	logger.Info(ctx, builder.String())
}

// FileChecksum returns the size and base64 SHA-512 digest of a file.
func FileChecksum(path string) (int64, string, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, "", err
	}

	defer func() {
		_ = file.Close()
	}()

	hasher := sha512.New()

	size, err := io.Copy(hasher, file)
	if err != nil {
		return 0, "", fmt.Errorf("calculate checksum: %w", err)
	}

	return size, base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}
