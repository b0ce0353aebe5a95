package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastFetcher(opts ...Option) *Fetcher {
	base := []Option{
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithHTTPClient(&http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 50 * time.Millisecond},
		}),
	}
	return New(append(base, opts...)...)
}

func TestFetchHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("all: []\n"))
	}))
	defer server.Close()

	data, err := fastFetcher().Fetch(context.Background(), server.URL+"/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "all: []\n", string(data))
}

func TestFetchStatusErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := fastFetcher().Fetch(context.Background(), server.URL)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchTimeoutStopsAtMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	f := fastFetcher()
	_, err := f.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(DefaultMaxAttempts), hits.Load())
	assert.Equal(t, DefaultMaxAttempts, f.MaxAttempts())
}

func TestFetchRecoversAfterDroppedConnections(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	data, err := fastFetcher().Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(3), hits.Load())
}

// trickle writes 1KiB chunks, pausing after each one.
func trickle(w http.ResponseWriter, r *http.Request, chunks int, pause time.Duration) {
	flusher := w.(http.Flusher)
	for i := 0; i < chunks; i++ {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 1024))
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-time.After(pause):
		}
	}
}

func TestFetchSlowBodyIsNotCutOff(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		trickle(w, r, 15, 20*time.Millisecond)
	}))
	defer server.Close()

	// The whole transfer takes three times the read timeout.
	data, err := fastFetcher(WithReadTimeout(100 * time.Millisecond)).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Len(t, data, 15*1024)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchStalledBodyIsRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		trickle(w, r, 1, 5*time.Second)
	}))
	defer server.Close()

	start := time.Now()
	_, err := fastFetcher(
		WithReadTimeout(50*time.Millisecond),
		WithMaxAttempts(2),
	).Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStalled)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(2), hits.Load())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDownloadLocalFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o644))

	dest := filepath.Join(dir, "nested", "dest.txt")
	require.NoError(t, fastFetcher().Download(context.Background(), src, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestFetchMissingLocalFileIsPermanent(t *testing.T) {
	_, err := fastFetcher().Fetch(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

type fakeS3 struct {
	calls  int
	bucket string
	key    string
	errs   []error
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	f.bucket, f.key = *in.Bucket, *in.Key
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("from-s3")))}, nil
}

func TestFetchS3URI(t *testing.T) {
	client := &fakeS3{errs: []error{&smithy.GenericAPIError{Code: "SlowDown"}}}

	data, err := fastFetcher(WithS3Client(client)).Fetch(context.Background(), "s3://bucket/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "from-s3", string(data))
	assert.Equal(t, "bucket", client.bucket)
	assert.Equal(t, "path/config.yaml", client.key)
	assert.Equal(t, 2, client.calls)
}

func TestFetchS3AccessDeniedIsPermanent(t *testing.T) {
	client := &fakeS3{errs: []error{&smithy.GenericAPIError{Code: "AccessDenied"}}}

	_, err := fastFetcher(WithS3Client(client)).Fetch(context.Background(), "s3://bucket/key")
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestS3Location(t *testing.T) {
	tests := []struct {
		name     string
		s3Source bool
		source   string
		bucket   string
		key      string
		ok       bool
	}{
		{"s3 uri", false, "s3://b/k/x.zip", "b", "k/x.zip", true},
		{"https ignored without s3 source", false, "https://b.s3.amazonaws.com/k", "", "", false},
		{"virtual hosted", true, "https://b.s3.amazonaws.com/k/x.zip", "b", "k/x.zip", true},
		{"virtual hosted regional", true, "https://my-bucket-name.s3.us-west-2.amazonaws.com/k", "my-bucket-name", "k", true},
		{"path style", true, "https://s3.amazonaws.com/b/k", "b", "k", true},
		{"other host", true, "https://example.com/b/k", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(WithS3Source(tt.s3Source))
			bucket, key, ok := f.s3Location(tt.source)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestRegionFromHost(t *testing.T) {
	assert.Equal(t, "us-west-2", regionFromHost("https://my-bucket-name.s3.us-west-2.amazonaws.com/k"))
	assert.Equal(t, "eu-west-1", regionFromHost("https://s3-eu-west-1.amazonaws.com/b/k"))
	assert.Equal(t, "", regionFromHost("https://b.s3.amazonaws.com/k"))
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "file", Scheme("/etc/watchmaker/config.yaml"))
	assert.Equal(t, "file", Scheme(`C:\Watchmaker\config.yaml`))
	assert.Equal(t, "https", Scheme("HTTPS://example.com/config.yaml"))
	assert.Equal(t, "s3", Scheme("s3://bucket/key"))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", timeoutErr{}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"stalled", ErrStalled, true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"status", &StatusError{StatusCode: 500}, false},
		{"canceled", context.Canceled, false},
		{"parse", errors.New("yaml: bad"), false},
		{"throttled", &smithy.GenericAPIError{Code: "Throttling"}, true},
		{"denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
