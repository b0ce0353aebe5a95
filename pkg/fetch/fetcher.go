// Package fetch retrieves configuration and installer content from local
// paths, HTTP(S) URLs and S3, retrying transient transport failures with
// exponential backoff and jitter.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/telemetry"
)

// DefaultMaxAttempts is the number of tries a fetch gets before failing.
const DefaultMaxAttempts = 5

// DefaultReadTimeout is how long a response body may go without delivering
// data before the attempt is abandoned.
const DefaultReadTimeout = 60 * time.Second

// S3Getter is the subset of the S3 client used for downloads.
type S3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher performs idempotent GETs with bounded retries.
type Fetcher struct {
	client          *http.Client
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	readTimeout     time.Duration
	s3Source        bool
	metrics         *telemetry.Metrics

	s3Once    sync.Once
	s3Client  S3Getter
	s3Err     error
	s3Factory func(ctx context.Context, region string) (S3Getter, error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the HTTP client used for http and https sources.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxAttempts sets the total number of attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between attempts.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(f *Fetcher) {
		f.initialInterval = initial
		f.maxInterval = maxDelay
	}
}

// WithReadTimeout bounds the time between two reads of a response body.
// A slow but steady download is never cut off.
func WithReadTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.readTimeout = d
		}
	}
}

// WithS3Source routes https URLs that point at S3 through the S3 API, so
// instance credentials are used instead of anonymous access.
func WithS3Source(enabled bool) Option {
	return func(f *Fetcher) { f.s3Source = enabled }
}

// WithS3Client injects the S3 client instead of building one from the
// default AWS config.
func WithS3Client(c S3Getter) Option {
	return func(f *Fetcher) { f.s3Client = c }
}

// WithMetrics records every attempt.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:          newHTTPClient(),
		maxAttempts:     DefaultMaxAttempts,
		readTimeout:     DefaultReadTimeout,
		initialInterval: 1 * time.Second,
		maxInterval:     30 * time.Second,
		s3Factory:       defaultS3Client,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MaxAttempts returns the configured attempt bound.
func (f *Fetcher) MaxAttempts() int {
	return f.maxAttempts
}

// Fetch returns the full content of source.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	var data []byte
	err := f.Retry(ctx, Scheme(source), func(ctx context.Context) error {
		rc, err := f.open(ctx, source)
		if err != nil {
			return err
		}
		defer rc.Close()

		data, err = io.ReadAll(rc)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", source, err)
	}
	return data, nil
}

// Download writes the content of source to dest, creating parent
// directories as needed. A partial file from a failed attempt is overwritten
// by the next attempt.
func (f *Fetcher) Download(ctx context.Context, source, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}

	err := f.Retry(ctx, Scheme(source), func(ctx context.Context) error {
		rc, err := f.open(ctx, source)
		if err != nil {
			return err
		}
		defer rc.Close()

		out, err := os.Create(dest)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := io.Copy(out, rc); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to download %s to %s: %w", source, dest, err)
	}

	log.Debug().Str("source", source).Str("dest", dest).Msg("Downloaded file")
	return nil
}

// Retry runs op until it succeeds, fails with a non-transient error, or the
// attempt bound is reached. Delays grow exponentially with jitter.
func (f *Fetcher) Retry(ctx context.Context, scheme string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxInterval = f.maxInterval
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.maxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		var permanent *backoff.PermanentError
		switch {
		case err == nil:
			f.metrics.RecordFetchAttempt(scheme, "success")
			return nil
		case errors.As(err, &permanent):
			f.metrics.RecordFetchAttempt(scheme, "permanent")
			return err
		case IsTransient(err):
			f.metrics.RecordFetchAttempt(scheme, "transient")
			return err
		default:
			f.metrics.RecordFetchAttempt(scheme, "permanent")
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", f.maxAttempts).
			Dur("retry_in", wait).
			Msg("Transient fetch failure, retrying")
	}

	return backoff.RetryNotify(operation, policy, notify)
}

// open performs a single attempt to open source.
func (f *Fetcher) open(ctx context.Context, source string) (io.ReadCloser, error) {
	if bucket, key, ok := f.s3Location(source); ok {
		return f.openS3(ctx, bucket, key, regionFromHost(source))
	}

	switch Scheme(source) {
	case "http", "https":
		return f.openHTTP(ctx, source)
	case "file":
		path := strings.TrimPrefix(source, "file://")
		fh, err := os.Open(path)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return fh, nil
	default:
		return nil, backoff.Permanent(fmt.Errorf("unsupported source scheme: %s", source))
	}
}

// newHTTPClient bounds each connection phase but not the transfer as a
// whole; stalled bodies are caught by the idle read timeout.
func newHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          10,
		},
	}
}

func (f *Fetcher) openHTTP(ctx context.Context, source string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		cancel()
		return nil, backoff.Permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		cancel()
		return nil, &StatusError{URL: source, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return newIdleBody(resp.Body, f.readTimeout, cancel), nil
}

func (f *Fetcher) openS3(ctx context.Context, bucket, key, region string) (io.ReadCloser, error) {
	client, err := f.s3(ctx, region)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (f *Fetcher) s3(ctx context.Context, region string) (S3Getter, error) {
	if f.s3Client != nil {
		return f.s3Client, nil
	}
	f.s3Once.Do(func() {
		f.s3Client, f.s3Err = f.s3Factory(ctx, region)
	})
	return f.s3Client, f.s3Err
}

// s3Location extracts bucket and key from s3:// sources and, when S3 source
// routing is enabled, from https S3 URLs in virtual-hosted or path style.
func (f *Fetcher) s3Location(source string) (bucket, key string, ok bool) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", false
	}

	switch {
	case u.Scheme == "s3":
		return u.Host, strings.TrimPrefix(u.Path, "/"), u.Host != ""
	case !f.s3Source || u.Scheme != "https" || !strings.HasSuffix(u.Host, ".amazonaws.com"):
		return "", "", false
	}

	path := strings.TrimPrefix(u.Path, "/")
	if idx := strings.Index(u.Host, ".s3"); idx > 0 {
		// <bucket>.s3[.<region>].amazonaws.com/<key>
		return u.Host[:idx], path, path != ""
	}
	if strings.HasPrefix(u.Host, "s3") {
		// s3[.<region>].amazonaws.com/<bucket>/<key>
		parts := strings.SplitN(path, "/", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], true
		}
	}
	return "", "", false
}

// Scheme returns the lower-cased scheme of source, or "file" for plain paths
// (including Windows drive paths).
func Scheme(source string) string {
	u, err := url.Parse(source)
	if err != nil || len(u.Scheme) <= 1 {
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// regionFromHost returns the region embedded in an S3 hostname
// (s3.<region>.amazonaws.com or s3-<region>.amazonaws.com), if any.
func regionFromHost(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}
	parts := strings.Split(u.Host, ".")
	for i, part := range parts {
		switch {
		case strings.HasPrefix(part, "s3-"):
			return strings.TrimPrefix(part, "s3-")
		case part == "s3" && i+1 < len(parts) && parts[i+1] != "amazonaws":
			return parts[i+1]
		}
	}
	return ""
}
