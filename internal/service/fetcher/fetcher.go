package fetcher

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
	"github.com/Bengt/NanoKVM-Updater/internal/domain/update"
	"github.com/Bengt/NanoKVM-Updater/internal/logger"
)

// MaxDescriptorBytes bounds the release descriptor.
const MaxDescriptorBytes = 1 << 20

const (
	stagingDirMode os.FileMode = 0o700
	tempPattern                = "artifact-*.part"
)

var (
	// ErrIncomplete is returned when the stream ended before the announced length.
	ErrIncomplete = errors.New("download incomplete")
	// ErrTooLarge is returned when the stream exceeds the configured limit.
	ErrTooLarge = errors.New("download exceeds size limit")
	// ErrUnexpectedContentType is returned when the server labels the body with another media type.
	ErrUnexpectedContentType = errors.New("unexpected content type")

	errUnsupportedScheme = errors.New("unsupported URL scheme")
)

// Fetcher downloads descriptors and artifacts.
type Fetcher struct {
	stagingDir    string
	maxBytes      int64
	timeout       time.Duration
	attempts      int
	delay         time.Duration
	maxDelay      time.Duration
	deviceLibrary config.DeviceLibraryConfig
	clock         clock.Clock
	sources       map[string]source
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithClock replaces the wall clock used between retries.
func WithClock(c clock.Clock) Option {
	return func(f *Fetcher) {
		f.clock = c
	}
}

// New builds a Fetcher from validated settings.
func New(cfg *config.Config, opts ...Option) (*Fetcher, error) {
	httpClient, err := newHTTPClient(cfg.CAFile)
	if err != nil {
		return nil, update.NewError(update.CategoryConfig, "configure transport", err)
	}

	f := &Fetcher{
		stagingDir:    cfg.StagingDir,
		maxBytes:      cfg.MaxArtifactBytes,
		timeout:       cfg.Timeout,
		attempts:      cfg.RetryAttempts,
		delay:         cfg.RetryDelay,
		maxDelay:      cfg.MaxRetryDelay,
		deviceLibrary: cfg.DeviceLibrary,
		clock:         clock.WallClock,
		sources: map[string]source{
			"https": &httpSource{client: httpClient},
			"s3":    &s3Source{client: NewS3Client(&cfg.S3, httpClient)},
		},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// FetchDescriptor downloads and decodes the release descriptor.
func (f *Fetcher) FetchDescriptor(ctx context.Context, rawURL string) (*update.Descriptor, error) {
	target, src, err := f.resolve(rawURL)
	if err != nil {
		return nil, err
	}

	var data []byte

	err = f.withRetry(ctx, "fetch descriptor", func(ctx context.Context) error {
		var readErr error

		data, readErr = f.readAll(ctx, src, target)

		return readErr
	})
	if err != nil {
		return nil, update.NewError(update.CategoryFetch, "fetch descriptor", err)
	}

	return update.ParseDescriptor(data)
}

// Fetch downloads the artifact at rawURL into a private temporary file.
// A positive size is the length announced by the descriptor; a shorter body is
// ErrIncomplete. The caller owns the returned payload and must Discard it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, size int64) (*update.StagedPayload, error) {
	return f.fetch(ctx, "fetch artifact", rawURL, size, nil, nil)
}

// Discard removes the payload file. Discarding a nil or removed payload is a no-op.
func (f *Fetcher) Discard(payload *update.StagedPayload) error {
	if payload == nil || payload.Path == "" {
		return nil
	}

	if err := os.Remove(payload.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", payload.Path, err)
	}

	return nil
}

// PurgeStale removes partial downloads left behind by a killed process.
func (f *Fetcher) PurgeStale(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(f.stagingDir, tempPattern))
	if err != nil {
		return
	}

	for _, match := range matches {
		if err = os.Remove(match); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "Unable to remove stale download", "path", match, "error", err)

			continue
		}

		logger.InfoKV(ctx, "Removed stale download", "path", match)
	}
}

func (f *Fetcher) fetch(
	ctx context.Context,
	op, rawURL string,
	size int64,
	header http.Header,
	accept []string,
) (*update.StagedPayload, error) {
	target, src, err := f.resolve(rawURL)
	if err != nil {
		return nil, err
	}

	if size > f.maxBytes {
		return nil, update.NewError(update.CategoryFetch, op,
			fmt.Errorf("%w: announced %s, limit %s", ErrTooLarge, humanBytes(size), humanBytes(f.maxBytes)))
	}

	if err = f.prepareStagingDir(); err != nil {
		return nil, update.NewError(update.CategoryFetch, op, err)
	}

	var payload *update.StagedPayload

	err = f.withRetry(ctx, op, func(ctx context.Context) error {
		var downloadErr error

		payload, downloadErr = f.download(ctx, src, target, size, header, accept)

		return downloadErr
	})
	if err != nil {
		return nil, update.NewError(update.CategoryFetch, op, err)
	}

	logger.InfoKV(ctx, "Download finished",
		"url", target.Redacted(),
		"size", humanBytes(payload.Size),
		"path", payload.Path)

	return payload, nil
}

// resolve parses the URL and picks the source for its scheme.
func (f *Fetcher) resolve(rawURL string) (*url.URL, source, error) {
	if err := config.ValidateSourceURL(rawURL); err != nil {
		return nil, nil, update.NewError(update.CategoryConfig, "resolve source", err)
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, update.NewError(update.CategoryConfig, "resolve source", err)
	}

	src, ok := f.sources[target.Scheme]
	if !ok {
		return nil, nil, update.NewError(update.CategoryConfig, "resolve source",
			fmt.Errorf("%w: %s", errUnsupportedScheme, target.Scheme))
	}

	return target, src, nil
}

func (f *Fetcher) prepareStagingDir() error {
	if err := os.MkdirAll(f.stagingDir, stagingDirMode); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	// MkdirAll keeps the mode of an existing directory.
	if err := os.Chmod(f.stagingDir, stagingDirMode); err != nil {
		return fmt.Errorf("restrict staging directory: %w", err)
	}

	return nil
}

// download performs a single attempt. On any error the temporary file is removed.
// A non-empty accept list restricts the media types the server may label the body with.
func (f *Fetcher) download(
	ctx context.Context,
	src source,
	target *url.URL,
	size int64,
	header http.Header,
	accept []string,
) (payload *update.StagedPayload, err error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	stream, err := src.open(ctx, target, header)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = stream.Close()
	}()

	if err = checkContentType(stream.ContentType, accept); err != nil {
		return nil, err
	}

	if stream.Length > f.maxBytes {
		return nil, fmt.Errorf("%w: content length %s, limit %s",
			ErrTooLarge, humanBytes(stream.Length), humanBytes(f.maxBytes))
	}

	file, err := os.CreateTemp(f.stagingDir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temporary file: %w", err)
	}

	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(file.Name())
		}
	}()

	hasher := sha512.New()

	written, err := io.Copy(io.MultiWriter(file, hasher), io.LimitReader(stream, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w after %s: %w", ErrIncomplete, humanBytes(written), err)
	}

	switch {
	case written > f.maxBytes:
		return nil, fmt.Errorf("%w: limit %s", ErrTooLarge, humanBytes(f.maxBytes))
	case stream.Length >= 0 && written < stream.Length:
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, written, stream.Length)
	case size > 0 && written < size:
		return nil, fmt.Errorf("%w: got %d of %d announced bytes", ErrIncomplete, written, size)
	}

	if err = file.Sync(); err != nil {
		return nil, fmt.Errorf("sync temporary file: %w", err)
	}

	if err = file.Close(); err != nil {
		return nil, fmt.Errorf("close temporary file: %w", err)
	}

	return &update.StagedPayload{
		Path:     file.Name(),
		Size:     written,
		Checksum: base64.StdEncoding.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// readAll downloads a small document into memory.
func (f *Fetcher) readAll(ctx context.Context, src source, target *url.URL) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	stream, err := src.open(ctx, target, nil)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = stream.Close()
	}()

	var buf bytes.Buffer

	written, err := io.Copy(&buf, io.LimitReader(stream, MaxDescriptorBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, err)
	}

	if written > MaxDescriptorBytes {
		return nil, fmt.Errorf("%w: descriptor limit %s", ErrTooLarge, humanBytes(MaxDescriptorBytes))
	}

	if stream.Length >= 0 && written < stream.Length {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, written, stream.Length)
	}

	return buf.Bytes(), nil
}

// withRetry runs fn until it succeeds, fails fatally or the attempts run out.
// Each attempt gets its own transfer timeout; the parent ctx stops the loop.
func (f *Fetcher) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return fn(ctx)
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || !isTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err

			if attempt < f.attempts {
				logger.WarnKV(ctx, "Download attempt failed, retrying",
					"operation", op, "attempt", attempt, "error", err)
			}
		},
		Attempts:    f.attempts,
		Delay:       f.delay,
		MaxDelay:    f.maxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       f.clock,
		Stop:        ctx.Done(),
	})

	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err), retry.IsRetryStopped(err):
		if lastErr != nil {
			return fmt.Errorf("after %d attempts: %w", f.attempts, lastErr)
		}

		return err
	default:
		return err
	}
}

func checkContentType(contentType string, accept []string) error {
	if len(accept) == 0 {
		return nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnexpectedContentType, contentType)
	}

	if !slices.Contains(accept, mediaType) {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedContentType, mediaType, strings.Join(accept, " or "))
	}

	return nil
}

// isTransient decides whether a failed attempt is worth repeating.
func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}

	var (
		certErr      *tls.CertificateVerificationError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
	)

	if errors.As(err, &certErr) || errors.As(err, &authorityErr) || errors.As(err, &hostnameErr) {
		return false
	}

	switch {
	case errors.Is(err, ErrTooLarge),
		errors.Is(err, ErrUnexpectedContentType),
		errors.Is(err, errInsecureRedirect),
		errors.Is(err, errTooManyRedirects),
		errors.Is(err, context.Canceled):
		return false
	}

	// Connection, DNS, timeouts and truncated bodies.
	return true
}

func humanBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.IBytes(uint64(n))
}
