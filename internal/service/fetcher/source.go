package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Bengt/NanoKVM-Updater/internal/config"
)

const maxRedirects = 5

var (
	errNoCertificates   = errors.New("no certificates found in CA file")
	errInsecureRedirect = errors.New("redirect to a non-https location")
	errTooManyRedirects = errors.New("too many redirects")
)

// body is an open download stream. Length is -1 when unknown.
type body struct {
	io.ReadCloser
	Length      int64
	ContentType string
}

// source opens a stream for one URL scheme.
type source interface {
	open(ctx context.Context, target *url.URL, header http.Header) (*body, error)
}

// StatusError reports a non-2xx answer of the distribution endpoint.
type StatusError struct {
	URL        string
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Transient reports whether the server may answer differently on a later attempt.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// newHTTPClient builds a client that always validates certificates, trusting the
// system roots plus the optional PEM bundle in caFile.
func newHTTPClient(caFile string) (*http.Client, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	if caFile != "" {
		contents, readErr := os.ReadFile(filepath.Clean(caFile))
		if readErr != nil {
			return nil, fmt.Errorf("read CA file: %w", readErr)
		}

		if !pool.AppendCertsFromPEM(contents) {
			return nil, fmt.Errorf("%s: %w", caFile, errNoCertificates)
		}
	}

	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		transport = &http.Transport{}
	}

	transport = transport.Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errTooManyRedirects
			}

			if req.URL.Scheme != "https" {
				return fmt.Errorf("%s: %w", req.URL.Redacted(), errInsecureRedirect)
			}

			return nil
		},
	}, nil
}

// httpSource downloads over HTTPS.
type httpSource struct {
	client *http.Client
}

func (s *httpSource) open(ctx context.Context, target *url.URL, header http.Header) (*body, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}

	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	response, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		// Drain a little so the connection can be reused by the next attempt.
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4<<10))
		_ = response.Body.Close()

		return nil, &StatusError{URL: target.Redacted(), StatusCode: response.StatusCode}
	}

	return &body{
		ReadCloser:  response.Body,
		Length:      response.ContentLength,
		ContentType: response.Header.Get("Content-Type"),
	}, nil
}

// s3Source downloads s3://bucket/key objects.
type s3Source struct {
	client *s3.Client
}

// NewS3Client follows the usual S3-compatible setup: static credentials, an
// optional custom endpoint and path-style addressing for MinIO-like stores.
// A nil httpClient selects the SDK default transport.
func NewS3Client(cfg *config.S3Config, httpClient *http.Client) *s3.Client {
	options := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}

	if httpClient != nil {
		options.HTTPClient = httpClient
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + strings.TrimPrefix(endpoint, "http://")
		}

		options.BaseEndpoint = aws.String(endpoint)
	}

	if cfg.AccessKey != "" {
		options.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		options.Credentials = aws.AnonymousCredentials{}
	}

	return s3.New(options)
}

func (s *s3Source) open(ctx context.Context, target *url.URL, _ http.Header) (*body, error) {
	bucket, key := SplitS3URL(target)

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		var response interface{ HTTPStatusCode() int }
		if errors.As(err, &response) && response.HTTPStatusCode() != 0 {
			return nil, fmt.Errorf("%w: %w", &StatusError{URL: target.Redacted(), StatusCode: response.HTTPStatusCode()}, err)
		}

		return nil, fmt.Errorf("get %s: %w", target.Redacted(), err)
	}

	length := int64(-1)
	if output.ContentLength != nil {
		length = *output.ContentLength
	}

	return &body{ReadCloser: output.Body, Length: length, ContentType: aws.ToString(output.ContentType)}, nil
}

// SplitS3URL returns the bucket and object key of an s3:// URL.
func SplitS3URL(target *url.URL) (bucket, key string) {
	return target.Host, strings.TrimPrefix(target.Path, "/")
}
