package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/fetch"
)

// DefaultMetadataEndpoint is the link-local instance metadata address shared
// by AWS and Azure.
const DefaultMetadataEndpoint = "http://169.254.169.254"

// ErrNotDetected is returned by Identity before Detect has run or when no
// provider was detected.
var ErrNotDetected = errors.New("cloud provider not detected")

// providerCheck is one row of the detection table: a cheap DMI check and a
// metadata-service check that also yields the resource identity.
type providerCheck struct {
	id       Identifier
	dmi      func() bool
	metadata func(ctx context.Context) (Identity, error)
}

// Detector determines the hosting cloud once per process.
type Detector struct {
	root     string
	endpoint string
	client   *http.Client
	retry    *fetch.Fetcher
	checks   []providerCheck

	mu       sync.Mutex
	resolved bool
	result   Identifier
	identity Identity
}

// DetectorOption configures a Detector.
type DetectorOption func(*detectorOptions)

type detectorOptions struct {
	root        string
	endpoint    string
	client      *http.Client
	maxAttempts int
	initial     time.Duration
}

// WithDMIRoot reads DMI and hypervisor files beneath root instead of "/".
func WithDMIRoot(root string) DetectorOption {
	return func(o *detectorOptions) { o.root = root }
}

// WithMetadataEndpoint overrides the metadata service base URL.
func WithMetadataEndpoint(endpoint string) DetectorOption {
	return func(o *detectorOptions) { o.endpoint = strings.TrimSuffix(endpoint, "/") }
}

// WithMetadataClient sets the HTTP client used for metadata requests.
func WithMetadataClient(c *http.Client) DetectorOption {
	return func(o *detectorOptions) { o.client = c }
}

// WithMetadataRetry bounds metadata retries.
func WithMetadataRetry(maxAttempts int, initial time.Duration) DetectorOption {
	return func(o *detectorOptions) {
		o.maxAttempts = maxAttempts
		o.initial = initial
	}
}

// NewDetector creates a Detector probing AWS, then Azure.
func NewDetector(opts ...DetectorOption) *Detector {
	o := detectorOptions{
		root:        "/",
		endpoint:    DefaultMetadataEndpoint,
		client:      &http.Client{Timeout: 2 * time.Second},
		maxAttempts: 3,
		initial:     250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Detector{
		root:     o.root,
		endpoint: o.endpoint,
		client:   o.client,
		retry: fetch.New(
			fetch.WithHTTPClient(o.client),
			fetch.WithMaxAttempts(o.maxAttempts),
			fetch.WithBackoff(o.initial, 2*time.Second),
		),
	}
	d.checks = []providerCheck{
		{id: AWS, dmi: d.awsDMI, metadata: d.awsMetadata},
		{id: Azure, dmi: d.azureDMI, metadata: d.azureMetadata},
	}
	return d
}

// Detect returns the hosting provider, running the checks in priority order
// and stopping at the first match. Checks named in excluded are never run.
// The first result is memoized; later calls ignore excluded.
func (d *Detector) Detect(ctx context.Context, excluded []string) Identifier {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.resolved {
		return d.result
	}

	skip := make(map[string]bool, len(excluded))
	for _, name := range excluded {
		skip[strings.ToLower(strings.TrimSpace(name))] = true
	}

	d.result = Unknown
	for _, p := range d.checks {
		if skip[p.id.String()] {
			log.Debug().Str("provider", p.id.String()).Msg("Provider excluded, skipping check")
			continue
		}
		if d.run(ctx, p) {
			d.result = p.id
			break
		}
	}
	d.resolved = true

	log.Info().Str("provider", d.result.String()).Msg("Detected cloud provider")
	return d.result
}

func (d *Detector) run(ctx context.Context, p providerCheck) bool {
	if p.dmi() {
		log.Debug().Str("provider", p.id.String()).Msg("DMI signal matched")
		return true
	}

	identity, err := p.metadata(ctx)
	if err != nil {
		log.Debug().Err(err).Str("provider", p.id.String()).Msg("Metadata check negative")
		return false
	}
	d.identity = identity
	return true
}

// Identity returns the tag target of the detected provider, querying the
// metadata service if detection was decided by DMI alone.
func (d *Detector) Identity(ctx context.Context) (Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.resolved || d.result == Unknown {
		return Identity{}, ErrNotDetected
	}
	if d.identity.Complete() {
		return d.identity, nil
	}

	for _, p := range d.checks {
		if p.id != d.result {
			continue
		}
		identity, err := p.metadata(ctx)
		if err != nil {
			return Identity{}, fmt.Errorf("failed to resolve %s identity: %w", p.id, err)
		}
		d.identity = identity
		return identity, nil
	}
	return Identity{}, ErrNotDetected
}

// Reset forgets the memoized result.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resolved = false
	d.result = Unknown
	d.identity = Identity{}
}

func (d *Detector) readDMI(rel string) string {
	data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(rel)))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// getJSON performs a retried metadata GET and decodes the body into out.
func (d *Detector) getJSON(ctx context.Context, path string, headers map[string]string, out interface{}) error {
	return d.retry.Retry(ctx, "imds", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+path, nil)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &fetch.StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode, Status: resp.Status}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("invalid metadata response from %s: %w", path, err)
		}
		return nil
	})
}
