package integration

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/require"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/service/packager"
	"github.com/Bengt/NanoKVM-Updater/internal/testutil"
)

func writeKey(t *testing.T, path, blockType string, serialize func(io.Writer) error) {
	t.Helper()

	var buf bytes.Buffer

	w, err := armor.Encode(&buf, blockType, nil)
	require.NoError(t, err)
	require.NoError(t, serialize(w))
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

// TestPackagedReleaseIsInstalled packages and signs a release, then installs it
// on a device that requires signatures.
func TestPackagedReleaseIsInstalled(t *testing.T) {
	t.Parallel()

	entity, err := openpgp.NewEntity("release", "", "release@example.com",
		&packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)

	keys := t.TempDir()
	privateKey := filepath.Join(keys, "release.key")
	publicKey := filepath.Join(keys, "release.asc")

	writeKey(t, privateKey, openpgp.PrivateKeyType, func(w io.Writer) error {
		return entity.SerializePrivate(w, nil)
	})
	writeKey(t, publicKey, openpgp.PublicKeyType, entity.Serialize)

	d := newDevice(t)
	d.cfg.PublicKeyFile = publicKey
	d.cfg.RequireSignature = true

	archive := testutil.Archive(t, map[string]string{"server/NanoKVM-Server": "v2.0"})

	work := t.TempDir()
	artifact := filepath.Join(work, "latest.zip")
	require.NoError(t, os.WriteFile(artifact, archive, 0o600))

	desc, err := packager.Run(context.Background(), &packager.Options{
		Artifact:    artifact,
		Version:     "2.0.0",
		URL:         d.srv.Publish("/latest.zip", archive),
		SignKeyFile: privateKey,
		Output:      filepath.Join(work, "release.yaml"),
		Config:      &config.Config{},
	})
	require.NoError(t, err)
	require.NotEmpty(t, desc.Signature)

	data, err := os.ReadFile(filepath.Join(work, "release.yaml"))
	require.NoError(t, err)

	d.srv.Publish("/release.yaml", data)

	code, line := d.run(t)
	require.Equal(t, update.ExitOK, code)
	require.Equal(t, string(update.OutcomeUpdated), line.Status)
	require.Empty(t, line.From)
	require.Equal(t, "2.0.0", d.installed(t).Version)
	require.Equal(t, "v2.0", readFile(t, filepath.Join(d.cfg.ActiveDir, "server", "NanoKVM-Server")))
}

// TestUnsignedReleaseIsRejected refuses a release without a signature when one is required.
func TestUnsignedReleaseIsRejected(t *testing.T) {
	t.Parallel()

	entity, err := openpgp.NewEntity("release", "", "release@example.com",
		&packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)

	publicKey := filepath.Join(t.TempDir(), "release.asc")
	writeKey(t, publicKey, openpgp.PublicKeyType, entity.Serialize)

	d := newDevice(t)
	d.cfg.PublicKeyFile = publicKey
	d.cfg.RequireSignature = true
	d.install(t)
	d.publish(t, "1.1", testutil.Archive(t, map[string]string{"server/NanoKVM-Server": "v1.1"}), nil)

	code, _ := d.run(t)
	require.Equal(t, update.ExitVerify, code)
	require.Equal(t, "1.0", d.installed(t).Version)
	requireNoStaging(t, d.cfg)
}
