package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
)

// DeviceKeyPlaceholder is replaced with the device key in the library URL.
const DeviceKeyPlaceholder = "{device_key}"

const deviceTokenHeader = "token"

// libraryMediaTypes are the labels accepted for the library body. S3 stores
// untyped uploads as binary/octet-stream.
var libraryMediaTypes = []string{"application/octet-stream", "binary/octet-stream"}

var errEmptyDeviceKey = errors.New("device key is empty")

// DeviceLibraryEnabled reports whether a per-device library must be installed.
func (f *Fetcher) DeviceLibraryEnabled() bool {
	return f.deviceLibrary.URL != ""
}

// FetchDeviceLibrary downloads the library bound to this device's key.
// It returns nil without error when no library URL is configured.
func (f *Fetcher) FetchDeviceLibrary(ctx context.Context) (*update.StagedPayload, error) {
	if !f.DeviceLibraryEnabled() {
		return nil, nil //nolint:nilnil // Nothing to install is not an error.
	}

	rawURL := f.deviceLibrary.URL

	if strings.Contains(rawURL, DeviceKeyPlaceholder) {
		key, err := readDeviceKey(f.deviceLibrary.KeyFile)
		if err != nil {
			return nil, update.NewError(update.CategoryFetch, "fetch device library", err)
		}

		rawURL = strings.ReplaceAll(rawURL, DeviceKeyPlaceholder, url.QueryEscape(key))
	}

	var header http.Header
	if f.deviceLibrary.Token != "" {
		header = http.Header{deviceTokenHeader: []string{f.deviceLibrary.Token}}
	}

	return f.fetch(ctx, "fetch device library", rawURL, 0, header, libraryMediaTypes)
}

func readDeviceKey(path string) (string, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("read device key: %w", err)
	}

	key := strings.TrimSpace(string(contents))
	if key == "" {
		return "", fmt.Errorf("%s: %w", path, errEmptyDeviceKey)
	}

	return key, nil
}
