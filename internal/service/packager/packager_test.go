package packager

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/service/verifier"
	"github.com/Bengt/NanoKVM-Updater/internal/testutil"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func writeArmored(t *testing.T, path, blockType string, serialize func(io.Writer) error) {
	t.Helper()

	var buf bytes.Buffer

	w, err := armor.Encode(&buf, blockType, nil)
	require.NoError(t, err)
	require.NoError(t, serialize(w))
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}

// newKeys writes a signing key and its public half.
func newKeys(t *testing.T) (privatePath, publicPath string) {
	t.Helper()

	entity, err := openpgp.NewEntity("release", "", "release@example.com",
		&packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)

	dir := t.TempDir()
	privatePath = filepath.Join(dir, "release.key")
	publicPath = filepath.Join(dir, "release.asc")

	writeArmored(t, privatePath, openpgp.PrivateKeyType, func(w io.Writer) error {
		return entity.SerializePrivate(w, nil)
	})
	writeArmored(t, publicPath, openpgp.PublicKeyType, entity.Serialize)

	return privatePath, publicPath
}

func newOptions(t *testing.T) *Options {
	t.Helper()

	dir := t.TempDir()

	return &Options{
		Artifact: writeFile(t, dir, "latest.zip", testutil.Archive(t, map[string]string{"server/NanoKVM-Server": "v1.1"})),
		Version:  "1.1.0",
		URL:      "https://cdn.example.com/latest.zip",
		Output:   filepath.Join(dir, "release.yaml"),
		Config:   &config.Config{},
	}
}

func readDescriptor(t *testing.T, path string) *update.Descriptor {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	desc, err := update.ParseDescriptor(data)
	require.NoError(t, err)

	return desc
}

// TestRun_WritesDescriptor checks that the descriptor matches the artifact.
func TestRun_WritesDescriptor(t *testing.T) {
	t.Parallel()

	opts := newOptions(t)
	opts.Notes = "fixes"

	desc, err := Run(context.Background(), opts)
	require.NoError(t, err)

	data, err := os.ReadFile(opts.Artifact)
	require.NoError(t, err)

	saved := readDescriptor(t, opts.Output)
	require.Equal(t, desc, saved)
	require.Equal(t, "1.1.0", saved.Version)
	require.Equal(t, opts.URL, saved.URL)
	require.Equal(t, int64(len(data)), saved.Size)
	require.Equal(t, testutil.Checksum(data), saved.Checksum)
	require.Equal(t, "fixes", saved.Notes)
	require.Empty(t, saved.Signature)
	require.Nil(t, saved.Updater)
}

// TestRun_SignedReleaseVerifies checks the signature against the verifier.
func TestRun_SignedReleaseVerifies(t *testing.T) {
	t.Parallel()

	privateKey, publicKey := newKeys(t)

	opts := newOptions(t)
	opts.SignKeyFile = privateKey
	opts.UpdaterBinary = writeFile(t, t.TempDir(), "nanokvm-updater", []byte("\x7fELF updater"))
	opts.UpdaterVersion = "0.3.0"
	opts.UpdaterURL = "https://cdn.example.com/nanokvm-updater"

	desc, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.NotEmpty(t, desc.Signature)
	require.NotNil(t, desc.Updater)
	require.NotEmpty(t, desc.Updater.Signature)

	v, err := verifier.New(&config.Config{PublicKeyFile: publicKey, RequireSignature: true})
	require.NoError(t, err)

	size, checksum, err := FileChecksum(opts.Artifact)
	require.NoError(t, err)

	payload := &update.StagedPayload{Path: opts.Artifact, Size: size, Checksum: checksum}
	require.NoError(t, v.Verify(context.Background(), payload, desc))
	require.True(t, payload.Verified)

	size, checksum, err = FileChecksum(opts.UpdaterBinary)
	require.NoError(t, err)

	payload = &update.StagedPayload{Path: opts.UpdaterBinary, Size: size, Checksum: checksum}
	require.NoError(t, v.Verify(context.Background(), payload, desc.Updater.Descriptor()))
}

// TestRun_InvalidInput covers option and artifact validation.
func TestRun_InvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(t *testing.T, opts *Options)
	}{
		{
			name:   "no artifact",
			mutate: func(_ *testing.T, opts *Options) { opts.Artifact = "" },
		},
		{
			name:   "no version",
			mutate: func(_ *testing.T, opts *Options) { opts.Version = " " },
		},
		{
			name:   "bad version",
			mutate: func(_ *testing.T, opts *Options) { opts.Version = "latest" },
		},
		{
			name:   "no url",
			mutate: func(_ *testing.T, opts *Options) { opts.URL = "" },
		},
		{
			name:   "insecure url",
			mutate: func(_ *testing.T, opts *Options) { opts.URL = "http://cdn.example.com/latest.zip" },
		},
		{
			name: "updater without version",
			mutate: func(_ *testing.T, opts *Options) {
				opts.UpdaterBinary = opts.Artifact
				opts.UpdaterURL = "https://cdn.example.com/nanokvm-updater"
			},
		},
		{
			name: "not a zip",
			mutate: func(t *testing.T, opts *Options) {
				t.Helper()
				opts.Artifact = writeFile(t, t.TempDir(), "latest.zip", []byte("plain text"))
			},
		},
		{
			name: "public key only",
			mutate: func(t *testing.T, opts *Options) {
				t.Helper()
				_, opts.SignKeyFile = newKeys(t)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := newOptions(t)
			tt.mutate(t, opts)

			_, err := Run(context.Background(), opts)
			require.Error(t, err)

			_, statErr := os.Stat(opts.Output)
			require.ErrorIs(t, statErr, os.ErrNotExist)
		})
	}
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	order   []string
}

func (f *fakeBucket) PutObject(
	_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	name := *params.Bucket + "/" + *params.Key
	f.objects[name] = data
	f.order = append(f.order, name)

	return &s3.PutObjectOutput{}, nil
}

// TestPublish_UploadsDescriptorLast checks derived URLs and upload order.
func TestPublish_UploadsDescriptorLast(t *testing.T) {
	t.Parallel()

	opts := newOptions(t)
	opts.URL = ""
	opts.Publish = "s3://releases/nanokvm"

	pkg, err := newPackager(opts)
	require.NoError(t, err)

	bucket := &fakeBucket{objects: make(map[string][]byte)}
	pkg.client = bucket

	require.NoError(t, pkg.Run(context.Background()))
	require.Equal(t, "s3://releases/nanokvm/latest.zip", pkg.desc.URL)
	require.Equal(t, []string{"releases/nanokvm/latest.zip", "releases/nanokvm/release.yaml"}, bucket.order)

	artifact, err := os.ReadFile(opts.Artifact)
	require.NoError(t, err)
	require.Equal(t, artifact, bucket.objects["releases/nanokvm/latest.zip"])

	desc, err := update.ParseDescriptor(bucket.objects["releases/nanokvm/release.yaml"])
	require.NoError(t, err)
	require.Equal(t, pkg.desc, desc)
}
