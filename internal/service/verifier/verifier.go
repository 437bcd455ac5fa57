package verifier

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
)

var (
	// ErrChecksumMismatch is returned when the artifact digest differs from the descriptor.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSizeMismatch is returned when the artifact length differs from the descriptor.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrSignatureInvalid is returned when the signature does not verify with the pinned key.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrSignatureRequired is returned when a signature is mandatory and the descriptor has none.
	ErrSignatureRequired = errors.New("signature required")

	errNoPayload       = errors.New("no payload to verify")
	errNoKeys          = errors.New("no public keys found")
	errMissingTrustKey = errors.New("missing trust key")
)

// Verifier checks staged payloads.
type Verifier struct {
	keyring          openpgp.EntityList
	requireSignature bool
}

// New loads the pinned public key, if any.
func New(cfg *config.Config) (*Verifier, error) {
	v := &Verifier{requireSignature: cfg.RequireSignature}

	if cfg.PublicKeyFile == "" {
		if v.requireSignature {
			return nil, update.NewError(update.CategoryConfig, "load trust key", errMissingTrustKey)
		}

		return v, nil
	}

	keyring, err := ReadKeyring(cfg.PublicKeyFile)
	if err != nil {
		return nil, update.NewError(update.CategoryConfig, "load trust key", err)
	}

	v.keyring = keyring

	return v, nil
}

// ReadKeyring reads an ASCII-armored key ring from path.
func ReadKeyring(path string) (openpgp.EntityList, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	keyring, err := openpgp.ReadArmoredKeyRing(file)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("%s: %w", path, errNoKeys)
	}

	return keyring, nil
}

// Verify recomputes the digest of the staged file and checks size, checksum and
// signature. It marks the payload verified only when every check passes.
func (v *Verifier) Verify(ctx context.Context, payload *update.StagedPayload, desc *update.Descriptor) error {
	if payload == nil || desc == nil {
		return update.NewError(update.CategoryInternal, "verify", errNoPayload)
	}

	payload.Verified = false

	if err := v.verify(ctx, payload, desc); err != nil {
		return update.NewError(update.CategoryVerify, "verify", err)
	}

	payload.Verified = true

	logger.InfoKV(ctx, "Artifact verified", "version", desc.Version, "signed", desc.Signature != "")

	return nil
}

func (v *Verifier) verify(ctx context.Context, payload *update.StagedPayload, desc *update.Descriptor) error {
	size, sum, err := digest(payload.Path)
	if err != nil {
		return err
	}

	if size != desc.Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, size, desc.Size)
	}

	if err = compareChecksum(sum, desc.Checksum); err != nil {
		return err
	}

	return v.verifySignature(ctx, payload.Path, desc.Signature)
}

// digest streams the file through SHA-512.
func digest(path string) (int64, []byte, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, nil, fmt.Errorf("open payload: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	hasher := sha512.New()

	size, err := io.Copy(hasher, file)
	if err != nil {
		return 0, nil, fmt.Errorf("hash payload: %w", err)
	}

	return size, hasher.Sum(nil), nil
}

// compareChecksum compares sum with the base64 expected value in constant time.
func compareChecksum(sum []byte, expected string) error {
	want, err := base64.StdEncoding.DecodeString(strings.TrimSpace(expected))
	if err != nil {
		return fmt.Errorf("%w: descriptor checksum is not base64: %w", ErrChecksumMismatch, err)
	}

	if subtle.ConstantTimeCompare(sum, want) != 1 {
		return ErrChecksumMismatch
	}

	return nil
}

func (v *Verifier) verifySignature(ctx context.Context, path, signature string) error {
	if signature == "" {
		if v.requireSignature {
			return ErrSignatureRequired
		}

		return nil
	}

	if len(v.keyring) == 0 {
		logger.Warn(ctx, "Descriptor is signed but no public key is configured, signature not checked")

		return nil
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	signer, err := openpgp.CheckArmoredDetachedSignature(v.keyring, file, strings.NewReader(signature), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}

	logger.DebugKV(ctx, "Signature verified", "key", signer.PrimaryKey.KeyIdString())

	return nil
}
