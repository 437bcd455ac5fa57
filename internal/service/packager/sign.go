package packager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/Bengt/NanoKVM-Updater/internal/service/verifier"
)

var (
	errNoSigningKey  = errors.New("key file holds no private key")
	errNeedPassphrase = errors.New("signing key is encrypted and no passphrase was given")
)

// signer produces armored detached signatures the verifier accepts.
type signer struct {
	entity *openpgp.Entity
}

func newSigner(keyFile, passphrase string) (*signer, error) {
	keyring, err := verifier.ReadKeyring(keyFile)
	if err != nil {
		return nil, err
	}

	var entity *openpgp.Entity

	for _, candidate := range keyring {
		if candidate.PrivateKey != nil {
			entity = candidate

			break
		}
	}

	if entity == nil {
		return nil, fmt.Errorf("%s: %w", keyFile, errNoSigningKey)
	}

	if err = unlock(entity, []byte(passphrase)); err != nil {
		return nil, fmt.Errorf("unlock %s: %w", keyFile, err)
	}

	return &signer{entity: entity}, nil
}

// unlock decrypts the primary key and every encrypted subkey.
func unlock(entity *openpgp.Entity, passphrase []byte) error {
	if entity.PrivateKey.Encrypted {
		if len(passphrase) == 0 {
			return errNeedPassphrase
		}

		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return err
		}
	}

	for _, subkey := range entity.Subkeys {
		if subkey.PrivateKey == nil || !subkey.PrivateKey.Encrypted {
			continue
		}

		if err := subkey.PrivateKey.Decrypt(passphrase); err != nil {
			return err
		}
	}

	return nil
}

// Sign returns the armored detached signature of the file at path.
func (s *signer) Sign(path string) (string, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	defer func() {
		_ = file.Close()
	}()

	var signature strings.Builder
	if err = openpgp.ArmoredDetachSign(&signature, s.entity, file, nil); err != nil {
		return "", fmt.Errorf("sign %s: %w", filepath.Base(path), err)
	}

	return signature.String(), nil
}
