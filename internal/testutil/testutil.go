// Package testutil holds fixtures shared by the end-to-end tests: an HTTPS
// release server trusted through a CA file, and release archives.
package testutil

import (
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// Checksum returns the base64 SHA-512 digest used by release descriptors.
func Checksum(data []byte) string {
	sum := sha512.Sum512(data)

	return base64.StdEncoding.EncodeToString(sum[:])
}

// Archive builds a zip with the files wrapped in a "latest/" directory, the way
// vendor releases are packed. Names are written in sorted order.
func Archive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	slices.Sort(names)

	var buf bytes.Buffer

	w := zip.NewWriter(&buf)

	_, err := w.Create("latest/")
	require.NoError(t, err)

	for _, name := range names {
		fw, err := w.Create("latest/" + name)
		require.NoError(t, err)

		_, err = fw.Write([]byte(files[name]))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	return buf.Bytes()
}

// ReleaseServer is an HTTPS server publishing files by path.
type ReleaseServer struct {
	*httptest.Server

	// CAFile trusts the server certificate.
	CAFile string

	mu       sync.Mutex
	files    map[string][]byte
	requests map[string]int
}

// NewReleaseServer starts a server that is closed when the test ends.
func NewReleaseServer(t *testing.T) *ReleaseServer {
	t.Helper()

	s := &ReleaseServer{
		files:    make(map[string][]byte),
		requests: make(map[string]int),
	}

	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)

	s.CAFile = filepath.Join(t.TempDir(), "ca.pem")
	contents := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.Certificate().Raw})
	require.NoError(t, os.WriteFile(s.CAFile, contents, 0o600))

	return s
}

// Publish serves data at path.
func (s *ReleaseServer) Publish(path string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[path] = data

	return s.URL + path
}

// Requests returns how often path was requested.
func (s *ReleaseServer) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requests[path]
}

func (s *ReleaseServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	data, ok := s.files[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)

		return
	}

	_, _ = w.Write(data)
}
